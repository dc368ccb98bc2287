// Copyright 2025 The exitbook Authors
// This file is part of the exitbook library.
//
// The exitbook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The exitbook library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the exitbook library. If not, see <http://www.gnu.org/licenses/>.

package store

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id           INTEGER NOT NULL REFERENCES users(id),
		source_name       TEXT NOT NULL,
		source_type       TEXT NOT NULL,
		identifier        TEXT NOT NULL,
		provider_name     TEXT,
		parent_account_id INTEGER REFERENCES accounts(id),
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_id, source_name, identifier)
	)`,
	`CREATE TABLE IF NOT EXISTS import_sessions (
		id              TEXT PRIMARY KEY,
		account_id      INTEGER NOT NULL REFERENCES accounts(id),
		started_at      TIMESTAMP NOT NULL,
		completed_at    TIMESTAMP,
		status          TEXT NOT NULL DEFAULT 'started',
		cursors         TEXT NOT NULL DEFAULT '{}',
		imported        INTEGER NOT NULL DEFAULT 0,
		skipped         INTEGER NOT NULL DEFAULT 0,
		result_metadata TEXT
	)`,
	// At most one started session per account.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_started
		ON import_sessions (account_id) WHERE status = 'started'`,
	`CREATE TABLE IF NOT EXISTS raw_data (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id      INTEGER NOT NULL REFERENCES accounts(id),
		provider_name   TEXT NOT NULL,
		source_type     TEXT NOT NULL,
		event_id        TEXT NOT NULL,
		external_id     TEXT NOT NULL,
		provider_data   TEXT NOT NULL,
		normalized_data TEXT,
		stream_type     TEXT NOT NULL DEFAULT 'normal',
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		processed_at    TIMESTAMP,
		UNIQUE (account_id, provider_name, event_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_pending
		ON raw_data (account_id) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id  INTEGER NOT NULL REFERENCES accounts(id),
		source      TEXT NOT NULL,
		external_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		datetime    TIMESTAMP NOT NULL,
		timestamp   INTEGER NOT NULL,
		status      TEXT NOT NULL,
		op_category TEXT NOT NULL,
		op_type     TEXT NOT NULL,
		movements   TEXT NOT NULL,
		fees        TEXT NOT NULL DEFAULT '[]',
		blockchain  TEXT,
		note        TEXT,
		metadata    TEXT,
		UNIQUE (source, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions (account_id)`,
	`CREATE TABLE IF NOT EXISTS provider_stats (
		provider_key         TEXT PRIMARY KEY,
		is_healthy           INTEGER NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		total_successes      INTEGER NOT NULL,
		total_failures       INTEGER NOT NULL,
		avg_response_ms      REAL NOT NULL,
		last_error           TEXT,
		last_checked_at      TIMESTAMP,
		circuit_state        TEXT NOT NULL,
		open_until           TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS token_metadata (
		chain     TEXT NOT NULL,
		contract  TEXT NOT NULL,
		symbol    TEXT NOT NULL,
		decimals  INTEGER NOT NULL,
		scam      INTEGER NOT NULL DEFAULT 0,
		UNIQUE (chain, contract)
	)`,
	`CREATE TABLE IF NOT EXISTS excluded_transactions (
		source      TEXT NOT NULL,
		external_id TEXT NOT NULL,
		reason      TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (source, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS prices (
		asset     TEXT NOT NULL,
		currency  TEXT NOT NULL,
		ts        INTEGER NOT NULL,
		price     TEXT NOT NULL,
		UNIQUE (asset, currency, ts)
	)`,
}
