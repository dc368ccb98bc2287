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
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jbelanger/exitbook-sub011/types"
)

// ErrSessionActive is returned by StartSession while the account already
// has a started session.
var ErrSessionActive = errors.New("store: account already has a started session")

// StartSession opens a new import session for the account. The partial
// unique index on started sessions makes concurrent starts lose cleanly.
func (d *DB) StartSession(ctx context.Context, accountID int64) (*types.ImportSession, error) {
	s := &types.ImportSession{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		StartedAt:       time.Now().UTC(),
		Status:          types.SessionStarted,
		CursorsByStream: map[string]*types.Cursor{},
	}
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO import_sessions (id, account_id, started_at, status)
		VALUES (?, ?, ?, 'started')`, s.ID, s.AccountID, s.StartedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrSessionActive
		}
		return nil, errors.Wrap(err, "start session")
	}
	return s, nil
}

// GetSession loads one session.
func (d *DB) GetSession(ctx context.Context, id string) (*types.ImportSession, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT id, account_id, started_at, completed_at, status, cursors, imported, skipped, result_metadata
		FROM import_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// LatestSession returns the most recent session for an account, or nil.
func (d *DB) LatestSession(ctx context.Context, accountID int64) (*types.ImportSession, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT id, account_id, started_at, completed_at, status, cursors, imported, skipped, result_metadata
		FROM import_sessions WHERE account_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, accountID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ProcessingBlocked reports whether the account's latest session is
// anything other than completed. A started session means an import is
// in flight; a failed one means the raw backlog ends mid-window, and a
// successful re-import clears the block.
func (d *DB) ProcessingBlocked(ctx context.Context, accountID int64) (bool, error) {
	var status string
	err := d.sql.QueryRowContext(ctx, `
		SELECT status FROM import_sessions WHERE account_id = ?
		ORDER BY started_at DESC, id DESC LIMIT 1`,
		accountID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "latest session status")
	}
	return status != string(types.SessionCompleted), nil
}

// CompleteSession transitions started -> completed. It refuses when any
// stream cursor has not reached IsComplete.
func (d *DB) CompleteSession(ctx context.Context, id string, meta map[string]any) error {
	s, err := d.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != types.SessionStarted {
		return errors.Errorf("session %s is %s, not started", id, s.Status)
	}
	if !s.AllStreamsComplete() {
		return errors.Errorf("session %s has incomplete streams", id)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode result metadata")
	}
	_, err = d.sql.ExecContext(ctx, `
		UPDATE import_sessions SET status = 'completed', completed_at = ?, result_metadata = ?
		WHERE id = ? AND status = 'started'`, time.Now().UTC(), string(metaJSON), id)
	return errors.Wrap(err, "complete session")
}

// FailSession marks the session failed. Used on errors and cancellation.
func (d *DB) FailSession(ctx context.Context, id string, cause string) error {
	meta, _ := json.Marshal(map[string]any{"error": cause})
	_, err := d.sql.ExecContext(ctx, `
		UPDATE import_sessions SET status = 'failed', completed_at = ?, result_metadata = ?
		WHERE id = ? AND status = 'started'`, time.Now().UTC(), string(meta), id)
	return errors.Wrap(err, "fail session")
}

// CommitBatch durably stores one streamed batch: the raw rows, the updated
// stream cursor and the session counters, in a single transaction. Rows
// already present (same account, provider, event id) are skipped, making
// re-imports idempotent.
func (d *DB) CommitBatch(ctx context.Context, sessionID string, records []types.RawRecord,
	stream string, cursor *types.Cursor,
) (inserted, skipped int64, err error) {
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO raw_data (account_id, provider_name, source_type, event_id,
					external_id, provider_data, normalized_data, stream_type)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (account_id, provider_name, event_id) DO NOTHING`,
				rec.AccountID, rec.ProviderName, rec.SourceType, rec.EventID,
				rec.ExternalID, string(rec.ProviderData), nullableJSON(rec.NormalizedData), rec.StreamType)
			if err != nil {
				return errors.Wrapf(err, "insert raw row event %s", rec.EventID)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			} else {
				skipped++
			}
		}

		var cursorsJSON string
		if err := tx.QueryRowContext(ctx,
			`SELECT cursors FROM import_sessions WHERE id = ?`, sessionID).Scan(&cursorsJSON); err != nil {
			return errors.Wrap(err, "load session cursors")
		}
		cursors := map[string]*types.Cursor{}
		if err := json.Unmarshal([]byte(cursorsJSON), &cursors); err != nil {
			return errors.Wrap(err, "decode session cursors")
		}
		if cursor != nil {
			cursors[stream] = cursor
		}
		updated, err := json.Marshal(cursors)
		if err != nil {
			return errors.Wrap(err, "encode session cursors")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE import_sessions SET cursors = ?, imported = imported + ?, skipped = skipped + ?
			WHERE id = ?`, string(updated), inserted, skipped, sessionID)
		return errors.Wrap(err, "update session")
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, skipped, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func scanSession(row *sql.Row) (*types.ImportSession, error) {
	var (
		s           types.ImportSession
		completedAt sql.NullTime
		cursorsJSON string
		metaJSON    sql.NullString
	)
	err := row.Scan(&s.ID, &s.AccountID, &s.StartedAt, &completedAt, &s.Status,
		&cursorsJSON, &s.Imported, &s.Skipped, &metaJSON)
	if err != nil {
		return nil, errors.Wrap(err, "scan session")
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(cursorsJSON), &s.CursorsByStream); err != nil {
		return nil, errors.Wrap(err, "decode cursors")
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &s.ResultMetadata); err != nil {
			return nil, errors.Wrap(err, "decode result metadata")
		}
	}
	return &s, nil
}
