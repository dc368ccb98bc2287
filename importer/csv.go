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

package importer

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

const csvCommitChunk = 500

// ImportCSV ingests an exchange ledger export. The file must carry a
// header row; recognised columns (case-insensitive) are txid, refid,
// ordertxid, time, type, asset, amount and fee. Rows become raw
// records on the ledger stream under a normal session, so the
// processor sees no difference between an API and a CSV import.
func (im *Importer) ImportCSV(ctx context.Context, source, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}
	defer f.Close()

	userID, err := im.db.EnsureUser(ctx, store.DefaultUserName)
	if err != nil {
		return nil, err
	}
	acct, err := im.db.CreateOrGetAccount(ctx, types.Account{
		UserID:     userID,
		SourceName: source,
		SourceType: types.SourceExchangeCSV,
		Identifier: source + "-csv",
	})
	if err != nil {
		return nil, err
	}

	session, err := im.db.StartSession(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	result, err := im.ingestCSV(ctx, acct, session.ID, f)
	if err != nil {
		if ferr := im.db.FailSession(ctx, session.ID, err.Error()); ferr != nil {
			im.log.Error("failing session", zap.String("session", session.ID), zap.Error(ferr))
		}
		return nil, err
	}
	if err := im.db.CompleteSession(ctx, session.ID, map[string]any{"file": path}); err != nil {
		return nil, err
	}
	result.AccountID = acct.ID
	result.SessionID = session.ID
	return result, nil
}

func (im *Importer) ingestCSV(ctx context.Context, acct types.Account, sessionID string, r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"time", "asset", "amount"} {
		if _, ok := cols[required]; !ok {
			return nil, errors.Errorf("csv missing required column %q", required)
		}
	}

	result := &Result{}
	var chunk []types.RawRecord
	var lastTS int64
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "csv line %d", line+1)
		}
		line++
		raw, ts, err := csvRowToRaw(acct, cols, rec, line)
		if err != nil {
			return nil, err
		}
		if ts > lastTS {
			lastTS = ts
		}
		chunk = append(chunk, raw)
		if len(chunk) >= csvCommitChunk {
			if err := im.commitCSVChunk(ctx, sessionID, chunk, lastTS, false, result); err != nil {
				return nil, err
			}
			chunk = nil
		}
	}
	return result, im.commitCSVChunk(ctx, sessionID, chunk, lastTS, true, result)
}

func (im *Importer) commitCSVChunk(ctx context.Context, sessionID string, chunk []types.RawRecord, lastTS int64, complete bool, result *Result) error {
	cursor := &types.Cursor{
		Primary: types.CursorValue{
			Type:  types.CursorTimestamp,
			Value: strconv.FormatInt(lastTS, 10),
		},
		Meta: types.CursorMeta{
			ProviderName: "csv",
			UpdatedAt:    time.Now().UTC(),
			IsComplete:   complete,
		},
	}
	inserted, skipped, err := im.db.CommitBatch(ctx, sessionID, chunk, types.StreamLedger, cursor)
	if err != nil {
		return err
	}
	result.Imported += inserted
	result.Skipped += skipped
	return nil
}

// csvRowToRaw normalizes one ledger row. The raw line is preserved
// verbatim as the provider payload; the event id is a digest of the
// line so re-importing the same file is a no-op.
func csvRowToRaw(acct types.Account, cols map[string]int, rec []string, line int) (types.RawRecord, int64, error) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	ts, err := parseCSVTime(get("time"))
	if err != nil {
		return types.RawRecord{}, 0, errors.Wrapf(err, "csv line %d", line)
	}
	amount, err := decimal.NewFromString(get("amount"))
	if err != nil {
		return types.RawRecord{}, 0, errors.Wrapf(err, "csv line %d: amount", line)
	}
	fee := decimal.Zero
	if s := get("fee"); s != "" {
		if fee, err = decimal.NewFromString(s); err != nil {
			return types.RawRecord{}, 0, errors.Wrapf(err, "csv line %d: fee", line)
		}
	}

	norm := types.NormalizedRow{
		Timestamp:     ts,
		Amount:        amount,
		Asset:         get("asset"),
		Fee:           fee,
		CorrelationID: get("refid"),
		OrderID:       get("ordertxid"),
		RowType:       strings.ToLower(get("type")),
	}
	normJSON, err := json.Marshal(norm)
	if err != nil {
		return types.RawRecord{}, 0, err
	}
	rawJSON, _ := json.Marshal(rec)

	eventID := get("txid")
	if eventID == "" {
		sum := sha256.Sum256(rawJSON)
		eventID = "csv-" + hex.EncodeToString(sum[:8])
	}
	return types.RawRecord{
		AccountID:      acct.ID,
		ProviderName:   "csv",
		SourceType:     types.SourceExchangeCSV,
		EventID:        eventID,
		ExternalID:     eventID,
		ProviderData:   rawJSON,
		NormalizedData: normJSON,
		StreamType:     types.StreamLedger,
		CreatedAt:      time.Now().UTC(),
	}, ts, nil
}

func parseCSVTime(s string) (int64, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05", "2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Unix(), nil
		}
	}
	return 0, errors.Errorf("unrecognised time %q", s)
}
