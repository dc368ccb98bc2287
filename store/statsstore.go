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

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/jbelanger/exitbook-sub011/types"
)

// SaveProviderStats persists health snapshots so circuit cooldowns survive
// restarts.
func (d *DB) SaveProviderStats(ctx context.Context, stats []types.ProviderHealth) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, h := range stats {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO provider_stats (provider_key, is_healthy, consecutive_failures,
					total_successes, total_failures, avg_response_ms, last_error,
					last_checked_at, circuit_state, open_until)
				VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
				ON CONFLICT (provider_key) DO UPDATE SET
					is_healthy = excluded.is_healthy,
					consecutive_failures = excluded.consecutive_failures,
					total_successes = excluded.total_successes,
					total_failures = excluded.total_failures,
					avg_response_ms = excluded.avg_response_ms,
					last_error = excluded.last_error,
					last_checked_at = excluded.last_checked_at,
					circuit_state = excluded.circuit_state,
					open_until = excluded.open_until`,
				h.ProviderKey, h.IsHealthy, h.ConsecutiveFailures, h.TotalSuccesses,
				h.TotalFailures, h.AvgResponseMs, h.LastError, h.LastCheckedAt,
				h.CircuitState, h.OpenUntil)
			if err != nil {
				return errors.Wrapf(err, "save stats for %s", h.ProviderKey)
			}
		}
		return nil
	})
}

// LoadProviderStats returns all persisted health snapshots.
func (d *DB) LoadProviderStats(ctx context.Context) ([]types.ProviderHealth, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT provider_key, is_healthy, consecutive_failures, total_successes,
		       total_failures, avg_response_ms, COALESCE(last_error, ''),
		       last_checked_at, circuit_state, open_until
		FROM provider_stats`)
	if err != nil {
		return nil, errors.Wrap(err, "load provider stats")
	}
	defer rows.Close()

	var out []types.ProviderHealth
	for rows.Next() {
		var h types.ProviderHealth
		var lastChecked, openUntil sql.NullTime
		if err := rows.Scan(&h.ProviderKey, &h.IsHealthy, &h.ConsecutiveFailures,
			&h.TotalSuccesses, &h.TotalFailures, &h.AvgResponseMs, &h.LastError,
			&lastChecked, &h.CircuitState, &openUntil); err != nil {
			return nil, errors.Wrap(err, "scan provider stats")
		}
		if lastChecked.Valid {
			h.LastCheckedAt = lastChecked.Time
		}
		if openUntil.Valid {
			h.OpenUntil = openUntil.Time
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// TokenMeta is the memoised decimals/symbol entry for a token contract.
type TokenMeta struct {
	Chain    string
	Contract string
	Symbol   string
	Decimals int
	Scam     bool
}

// PutTokenMeta stores token metadata.
func (d *DB) PutTokenMeta(ctx context.Context, m TokenMeta) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO token_metadata (chain, contract, symbol, decimals, scam) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chain, contract) DO UPDATE SET
			symbol = excluded.symbol, decimals = excluded.decimals, scam = excluded.scam`,
		m.Chain, m.Contract, m.Symbol, m.Decimals, m.Scam)
	return errors.Wrap(err, "put token metadata")
}

// ListTokenMeta returns every non-scam token contract known on a
// chain, ordered by contract address.
func (d *DB) ListTokenMeta(ctx context.Context, chain string) ([]TokenMeta, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT chain, contract, symbol, decimals, scam FROM token_metadata
		WHERE chain = ? AND scam = 0 ORDER BY contract`, chain)
	if err != nil {
		return nil, errors.Wrap(err, "list token metadata")
	}
	defer rows.Close()

	var out []TokenMeta
	for rows.Next() {
		var m TokenMeta
		if err := rows.Scan(&m.Chain, &m.Contract, &m.Symbol, &m.Decimals, &m.Scam); err != nil {
			return nil, errors.Wrap(err, "scan token metadata")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetTokenMeta loads token metadata if known.
func (d *DB) GetTokenMeta(ctx context.Context, chain, contract string) (TokenMeta, bool, error) {
	var m TokenMeta
	err := d.sql.QueryRowContext(ctx, `
		SELECT chain, contract, symbol, decimals, scam FROM token_metadata
		WHERE chain = ? AND contract = ?`, chain, contract).
		Scan(&m.Chain, &m.Contract, &m.Symbol, &m.Decimals, &m.Scam)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenMeta{}, false, nil
	}
	if err != nil {
		return TokenMeta{}, false, errors.Wrap(err, "get token metadata")
	}
	return m, true, nil
}
