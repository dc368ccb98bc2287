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
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub011/types"
)

// upsertChunk bounds the transaction rows written per SQL transaction.
const upsertChunk = 500

// FatalStoreError marks a rejected transaction write. The processor aborts
// the account run on it: a partial commit would corrupt balances.
type FatalStoreError struct {
	Err error
}

func (e *FatalStoreError) Error() string { return "fatal store error: " + e.Err.Error() }
func (e *FatalStoreError) Unwrap() error { return e.Err }

// UpsertTransactions writes canonical transactions in chunks of at most
// 500, each chunk in its own SQL transaction. The upsert key is
// (source, external_id); conflicts update in place.
func (d *DB) UpsertTransactions(ctx context.Context, accountID int64, txs []types.UniversalTransaction) error {
	for start := 0; start < len(txs); start += upsertChunk {
		end := start + upsertChunk
		if end > len(txs) {
			end = len(txs)
		}
		chunk := txs[start:end]
		err := d.withTx(ctx, func(sqlTx *sql.Tx) error {
			for i := range chunk {
				if err := upsertOne(ctx, sqlTx, accountID, &chunk[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return &FatalStoreError{Err: err}
		}
	}
	return nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, accountID int64, t *types.UniversalTransaction) error {
	movements, err := json.Marshal(t.Movements)
	if err != nil {
		return errors.Wrap(err, "encode movements")
	}
	fees, err := json.Marshal(t.Fees)
	if err != nil {
		return errors.Wrap(err, "encode fees")
	}
	var blockchain any
	if t.Blockchain != nil {
		b, err := json.Marshal(t.Blockchain)
		if err != nil {
			return errors.Wrap(err, "encode blockchain info")
		}
		blockchain = string(b)
	}
	var metadata any
	if len(t.Metadata) > 0 {
		m, err := json.Marshal(t.Metadata)
		if err != nil {
			return errors.Wrap(err, "encode metadata")
		}
		metadata = string(m)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (account_id, source, external_id, source_type, datetime,
			timestamp, status, op_category, op_type, movements, fees, blockchain, note, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (source, external_id) DO UPDATE SET
			datetime = excluded.datetime,
			timestamp = excluded.timestamp,
			status = excluded.status,
			op_category = excluded.op_category,
			op_type = excluded.op_type,
			movements = excluded.movements,
			fees = excluded.fees,
			blockchain = excluded.blockchain,
			note = excluded.note,
			metadata = excluded.metadata`,
		accountID, t.Source, t.ExternalID, t.SourceType, t.Datetime.UTC(),
		t.Timestamp, t.Status, t.Operation.Category, t.Operation.Type,
		string(movements), string(fees), blockchain, t.Note, metadata)
	return errors.Wrapf(err, "upsert transaction %s/%s", t.Source, t.ExternalID)
}

// DeleteTransactions removes the canonical transactions of an account.
// Raw rows stay: transactions are always rebuildable from them.
func (d *DB) DeleteTransactions(ctx context.Context, accountID int64) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM transactions WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, errors.Wrap(err, "delete transactions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TxFilter selects transactions for listing and enrichment.
type TxFilter struct {
	AccountID int64
	Source    string
	Asset     types.Currency
	OpType    string
	Since     time.Time
	Until     time.Time
}

// ListTransactions loads transactions matching the filter, oldest first.
// Asset filtering happens after decoding, since movements are stored as
// JSON documents.
func (d *DB) ListTransactions(ctx context.Context, f TxFilter) ([]types.UniversalTransaction, error) {
	query := `
		SELECT id, source, external_id, source_type, datetime, timestamp, status,
		       op_category, op_type, movements, fees, COALESCE(blockchain, ''),
		       COALESCE(note, ''), COALESCE(metadata, '')
		FROM transactions WHERE 1=1`
	var args []any
	if f.AccountID != 0 {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if f.OpType != "" {
		query += ` AND op_type = ?`
		args = append(args, f.OpType)
	}
	if !f.Since.IsZero() {
		query += ` AND datetime >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND datetime <= ?`
		args = append(args, f.Until.UTC())
	}
	query += ` ORDER BY datetime, id`

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query transactions")
	}
	defer rows.Close()

	var out []types.UniversalTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		if f.Asset != "" && !touchesAsset(&t, f.Asset) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnrichPrices fills priceAtTxTime on movements that lack one, using the
// closest price row at or before the transaction time. An empty assets
// list enriches everything priced.
func (d *DB) EnrichPrices(ctx context.Context, assets []types.Currency) (updated int64, err error) {
	want := map[types.Currency]bool{}
	for _, a := range assets {
		want[a] = true
	}
	txs, err := d.ListTransactions(ctx, TxFilter{})
	if err != nil {
		return 0, err
	}
	for i := range txs {
		t := &txs[i]
		changed := false
		for _, list := range [][]types.AssetMovement{t.Movements.Inflows, t.Movements.Outflows} {
			for j := range list {
				m := &list[j]
				if m.PriceAtTxTime != nil {
					continue
				}
				if len(want) > 0 && !want[m.Asset] {
					continue
				}
				price, ok, err := d.priceAt(ctx, m.Asset, t.Timestamp)
				if err != nil {
					return updated, err
				}
				if ok {
					m.PriceAtTxTime = &price
					changed = true
				}
			}
		}
		if changed {
			movements, err := json.Marshal(t.Movements)
			if err != nil {
				return updated, errors.Wrap(err, "encode movements")
			}
			if _, err := d.sql.ExecContext(ctx,
				`UPDATE transactions SET movements = ? WHERE id = ?`, string(movements), t.ID); err != nil {
				return updated, errors.Wrap(err, "update movements")
			}
			updated++
		}
	}
	return updated, nil
}

// PutPrice stores one price observation.
func (d *DB) PutPrice(ctx context.Context, asset types.Currency, quote types.Currency, ts int64, price decimal.Decimal) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO prices (asset, currency, ts, price) VALUES (?, ?, ?, ?)
		ON CONFLICT (asset, currency, ts) DO UPDATE SET price = excluded.price`,
		asset, quote, ts, price.String())
	return errors.Wrap(err, "put price")
}

func (d *DB) priceAt(ctx context.Context, asset types.Currency, ts int64) (types.Money, bool, error) {
	var (
		priceStr string
		quote    string
	)
	err := d.sql.QueryRowContext(ctx, `
		SELECT price, currency FROM prices WHERE asset = ? AND ts <= ?
		ORDER BY ts DESC LIMIT 1`, asset, ts).Scan(&priceStr, &quote)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Money{}, false, nil
	}
	if err != nil {
		return types.Money{}, false, errors.Wrap(err, "query price")
	}
	p, err := decimal.NewFromString(priceStr)
	if err != nil {
		return types.Money{}, false, errors.Wrap(err, "decode price")
	}
	return types.Money{Amount: p, Currency: types.Currency(quote)}, true, nil
}

// ExcludeTransaction records a scam/dust classification.
func (d *DB) ExcludeTransaction(ctx context.Context, source, externalID, reason string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO excluded_transactions (source, external_id, reason) VALUES (?, ?, ?)
		ON CONFLICT (source, external_id) DO UPDATE SET reason = excluded.reason`,
		source, externalID, reason)
	return errors.Wrap(err, "exclude transaction")
}

// IsExcluded reports whether a transaction was classified out.
func (d *DB) IsExcluded(ctx context.Context, source, externalID string) (bool, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM excluded_transactions WHERE source = ? AND external_id = ?`,
		source, externalID).Scan(&n)
	return n > 0, errors.Wrap(err, "query exclusions")
}

func touchesAsset(t *types.UniversalTransaction, asset types.Currency) bool {
	for _, m := range t.Movements.Inflows {
		if m.Asset == asset {
			return true
		}
	}
	for _, m := range t.Movements.Outflows {
		if m.Asset == asset {
			return true
		}
	}
	for _, f := range t.Fees {
		if f.Asset == asset {
			return true
		}
	}
	return false
}

func scanTransaction(rows *sql.Rows) (types.UniversalTransaction, error) {
	var (
		t          types.UniversalTransaction
		movements  string
		fees       string
		blockchain string
		metadata   string
	)
	err := rows.Scan(&t.ID, &t.Source, &t.ExternalID, &t.SourceType, &t.Datetime,
		&t.Timestamp, &t.Status, &t.Operation.Category, &t.Operation.Type,
		&movements, &fees, &blockchain, &t.Note, &metadata)
	if err != nil {
		return types.UniversalTransaction{}, errors.Wrap(err, "scan transaction")
	}
	if err := json.Unmarshal([]byte(movements), &t.Movements); err != nil {
		return types.UniversalTransaction{}, errors.Wrap(err, "decode movements")
	}
	if err := json.Unmarshal([]byte(fees), &t.Fees); err != nil {
		return types.UniversalTransaction{}, errors.Wrap(err, "decode fees")
	}
	if blockchain != "" {
		t.Blockchain = new(types.BlockchainInfo)
		if err := json.Unmarshal([]byte(blockchain), t.Blockchain); err != nil {
			return types.UniversalTransaction{}, errors.Wrap(err, "decode blockchain info")
		}
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return types.UniversalTransaction{}, errors.Wrap(err, "decode metadata")
		}
	}
	return t, nil
}
