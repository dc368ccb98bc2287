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

	"github.com/pkg/errors"

	"github.com/jbelanger/exitbook-sub011/types"
)

// markChunk bounds the processed-flag updates per statement.
const markChunk = 500

// PendingRaw loads the unprocessed raw rows of an account in insertion
// order. Raw rows are the audit trail; they are never mutated beyond the
// processed flag.
func (d *DB) PendingRaw(ctx context.Context, accountID int64) ([]types.RawRecord, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, account_id, provider_name, source_type, event_id, external_id,
		       provider_data, COALESCE(normalized_data, ''), stream_type, created_at
		FROM raw_data WHERE account_id = ? AND processed_at IS NULL ORDER BY id`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "query pending raw rows")
	}
	defer rows.Close()

	var out []types.RawRecord
	for rows.Next() {
		rec, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRawRows reports total and pending rows for an account.
func (d *DB) CountRawRows(ctx context.Context, accountID int64) (total, pending int64, err error) {
	err = d.sql.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE processed_at IS NULL)
		FROM raw_data WHERE account_id = ?`, accountID).Scan(&total, &pending)
	return total, pending, errors.Wrap(err, "count raw rows")
}

// MarkProcessed flags raw rows as processed, in chunks. Called only after
// the rows' transactions are durably saved.
func (d *DB) MarkProcessed(ctx context.Context, ids []int64) error {
	now := time.Now().UTC()
	for start := 0; start < len(ids); start += markChunk {
		end := start + markChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := make([]any, 0, len(chunk)+1)
		args = append(args, now)
		for _, id := range chunk {
			args = append(args, id)
		}
		_, err := d.sql.ExecContext(ctx,
			`UPDATE raw_data SET processed_at = ? WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return errors.Wrap(err, "mark processed")
		}
	}
	return nil
}

// ResetProcessed clears the processed flag for every raw row of an
// account. Reprocessing rebuilds transactions from scratch.
func (d *DB) ResetProcessed(ctx context.Context, accountID int64) error {
	_, err := d.sql.ExecContext(ctx,
		`UPDATE raw_data SET processed_at = NULL WHERE account_id = ?`, accountID)
	return errors.Wrap(err, "reset processed flags")
}

func scanRaw(rows *sql.Rows) (types.RawRecord, error) {
	var (
		rec        types.RawRecord
		rawData    string
		normalized string
	)
	err := rows.Scan(&rec.ID, &rec.AccountID, &rec.ProviderName, &rec.SourceType,
		&rec.EventID, &rec.ExternalID, &rawData, &normalized, &rec.StreamType, &rec.CreatedAt)
	if err != nil {
		return types.RawRecord{}, errors.Wrap(err, "scan raw row")
	}
	rec.ProviderData = json.RawMessage(rawData)
	if normalized != "" {
		rec.NormalizedData = json.RawMessage(normalized)
	}
	rec.Processed = types.ProcessingPending
	return rec, nil
}
