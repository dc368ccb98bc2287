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

// Package processor turns stored raw provider rows into canonical
// transactions. Rows are decoded, chunked so correlated rows stay
// together, grouped into economic events, interpreted into gross/net
// movements and fees, classified by fund flow and finally persisted.
// Raw rows are marked processed only after their transactions are
// durably saved, so a crash reprocesses rather than loses.
package processor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

// ErrImportActive blocks processing while an import session for the
// account is still in flight. Partially imported data must never feed
// the interpreter.
var ErrImportActive = errors.New("processor: import session still active for account")

// Tolerance bounds the conservation residue, as a fraction of the
// moved amount. Breaching Warn logs; breaching Error fails the group.
type Tolerance struct {
	Warn  decimal.Decimal
	Error decimal.Decimal
}

// Config tunes the processing pipeline.
type Config struct {
	// DustThreshold excludes pure inflows below this amount. Zero
	// disables the dust filter.
	DustThreshold decimal.Decimal

	// Tolerances by source name; the "default" entry covers the rest.
	Tolerances map[string]Tolerance
}

// DefaultConfig carries the per-venue tolerances. Kraken's ledger is
// exact to the satoshi; Coinbase rounds display amounts; chain
// explorers sit in between but gas estimation noise dominates.
func DefaultConfig() Config {
	return Config{
		DustThreshold: decimal.Zero,
		Tolerances: map[string]Tolerance{
			"kraken":   {Warn: dec("0.005"), Error: dec("0.02")},
			"coinbase": {Warn: dec("0.01"), Error: dec("0.03")},
			"default":  {Warn: dec("0.015"), Error: dec("0.05")},
		},
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Report summarises one processing run over an account.
type Report struct {
	AccountID    int64
	Pending      int
	Transactions int
	Excluded     int
}

// Processor drives raw rows through interpretation into the
// transaction table.
type Processor struct {
	db     *store.DB
	bus    *event.Bus
	log    *zap.Logger
	cfg    Config
	filter *ScamFilter
}

func New(db *store.DB, bus *event.Bus, cfg Config, log *zap.Logger) (*Processor, error) {
	filter, err := NewScamFilter(db, cfg.DustThreshold, log)
	if err != nil {
		return nil, err
	}
	return &Processor{db: db, bus: bus, log: log, cfg: cfg, filter: filter}, nil
}

// ProcessAll runs ProcessAccount over every known account, in order.
// The first fatal error stops the run.
func (p *Processor) ProcessAll(ctx context.Context) ([]Report, error) {
	accounts, err := p.db.AllAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var reports []Report
	for _, acct := range accounts {
		rep, err := p.ProcessAccount(ctx, acct.ID)
		if err != nil {
			return reports, errors.WithMessagef(err, "account %d (%s)", acct.ID, acct.SourceName)
		}
		reports = append(reports, *rep)
	}
	return reports, nil
}

// ProcessAccount processes the account's pending raw rows.
func (p *Processor) ProcessAccount(ctx context.Context, accountID int64) (*Report, error) {
	acct, err := p.db.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	blocked, err := p.db.ProcessingBlocked(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrImportActive
	}

	raws, err := p.db.PendingRaw(ctx, accountID)
	if err != nil {
		return nil, err
	}
	report := &Report{AccountID: accountID, Pending: len(raws)}
	if len(raws) == 0 {
		return report, nil
	}

	rows, err := decodeRows(acct, raws)
	if err != nil {
		return nil, err
	}

	chunks := batchProviderFor(acct.SourceType, streamCount(rows)).Chunks(rows)
	for i, chunk := range chunks {
		if err := p.processChunk(ctx, acct, i, chunk, report); err != nil {
			return report, err
		}
	}
	p.log.Info("account processed",
		zap.Int64("account", accountID),
		zap.String("source", acct.SourceName),
		zap.Int("pending", report.Pending),
		zap.Int("transactions", report.Transactions),
		zap.Int("excluded", report.Excluded))
	return report, nil
}

// Reprocess wipes the account's derived transactions, resets the
// processed flags and runs the pipeline again. Raw rows are the source
// of truth; reprocessing is always safe.
func (p *Processor) Reprocess(ctx context.Context, accountID int64) (*Report, error) {
	if blocked, err := p.db.ProcessingBlocked(ctx, accountID); err != nil {
		return nil, err
	} else if blocked {
		return nil, ErrImportActive
	}
	deleted, err := p.db.DeleteTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := p.db.ResetProcessed(ctx, accountID); err != nil {
		return nil, err
	}
	p.log.Info("reprocessing account",
		zap.Int64("account", accountID), zap.Int64("deleted", deleted))
	return p.ProcessAccount(ctx, accountID)
}

func (p *Processor) processChunk(ctx context.Context, acct types.Account, idx int, chunk []Row, report *Report) error {
	p.publish(event.KindBatchStarted, acct.ID, map[string]any{
		"chunk": idx, "rows": len(chunk),
	})

	strat := strategyFor(acct)
	groups := groupRows(chunk, grouperFor(acct))

	var txs []types.UniversalTransaction
	ids := make([]int64, 0, len(chunk))
	for gi := range groups {
		g := groups[gi]
		tx, keep, err := p.buildOne(ctx, acct, strat, g)
		if err != nil {
			return err
		}
		for _, r := range g.Rows {
			ids = append(ids, r.Raw.ID)
		}
		if !keep {
			report.Excluded++
			continue
		}
		txs = append(txs, *tx)
	}

	if err := p.db.UpsertTransactions(ctx, acct.ID, txs); err != nil {
		return err
	}
	// Only after the transactions are durable. A crash between the two
	// writes re-runs the chunk; the upsert makes that idempotent.
	if err := p.db.MarkProcessed(ctx, ids); err != nil {
		return err
	}
	report.Transactions += len(txs)

	p.publish(event.KindBatchCompleted, acct.ID, map[string]any{
		"chunk": idx, "transactions": len(txs),
	})
	return nil
}

// buildOne interprets, classifies, validates and filters one group.
// keep=false means the transaction was recorded as excluded.
func (p *Processor) buildOne(ctx context.Context, acct types.Account, strat Strategy, g Group) (*types.UniversalTransaction, bool, error) {
	interp, err := strat.Interpret(g)
	if err != nil {
		return nil, false, &provider.ValidationError{
			RowID:      g.Rows[0].Raw.ID,
			EventID:    g.Rows[0].Raw.EventID,
			SchemaPath: "interpretation",
			Err:        err,
		}
	}
	op := classify(interp, g)
	tx := assemble(acct, g, interp, op)

	if err := tx.CheckMovements(); err != nil {
		return nil, false, &provider.ValidationError{
			RowID:      g.Rows[0].Raw.ID,
			EventID:    g.Rows[0].Raw.EventID,
			SchemaPath: "movements",
			Err:        err,
		}
	}
	tol := p.tolerance(acct.SourceName)
	if err := tx.CheckConservation(tol.Warn); err != nil {
		if err := tx.CheckConservation(tol.Error); err != nil {
			return nil, false, errors.WithMessagef(err, "group %s", g.Key)
		}
		p.log.Warn("conservation residue above warn tolerance",
			zap.String("group", g.Key),
			zap.String("source", acct.SourceName),
			zap.Error(err))
	}

	// Staking rewards are legitimately tiny unsolicited inflows; they
	// bypass the dust filter.
	if op != types.OpStakeRwd {
		verdict, err := p.filter.Check(ctx, acct.SourceName, tx, g)
		if err != nil {
			return nil, false, err
		}
		if verdict != VerdictKeep {
			if err := p.db.ExcludeTransaction(ctx, tx.Source, tx.ExternalID, string(verdict)); err != nil {
				return nil, false, err
			}
			p.log.Debug("transaction excluded",
				zap.String("externalId", tx.ExternalID),
				zap.String("reason", string(verdict)))
			return nil, false, nil
		}
	}
	return tx, true, nil
}

// assemble builds the canonical transaction for a group.
func assemble(acct types.Account, g Group, interp Interpretation, op types.Operation) *types.UniversalTransaction {
	first := g.Rows[0].Norm
	ts := first.Timestamp
	status := types.TxSuccess
	for _, r := range g.Rows {
		if r.Norm.Timestamp < ts {
			ts = r.Norm.Timestamp
		}
		switch r.Norm.Status {
		case "failed":
			status = types.TxFailed
		case "pending":
			if status == types.TxSuccess {
				status = types.TxPending
			}
		}
	}

	tx := &types.UniversalTransaction{
		ExternalID: g.Key,
		Source:     acct.SourceName,
		SourceType: acct.SourceType,
		Datetime:   time.Unix(ts, 0).UTC(),
		Timestamp:  ts,
		Status:     status,
		Operation:  op,
		Movements:  types.Movements{Inflows: interp.Inflows, Outflows: interp.Outflows},
		Fees:       interp.Fees,
	}
	if acct.SourceType == types.SourceBlockchain && first.TxHash != "" {
		tx.Blockchain = &types.BlockchainInfo{
			Name:      acct.SourceName,
			Height:    first.Height,
			Hash:      first.TxHash,
			Confirmed: status == types.TxSuccess,
		}
	}
	return tx
}

func (p *Processor) tolerance(source string) Tolerance {
	if t, ok := p.cfg.Tolerances[source]; ok {
		return t
	}
	if t, ok := p.cfg.Tolerances["default"]; ok {
		return t
	}
	return Tolerance{Warn: dec("0.015"), Error: dec("0.05")}
}

func (p *Processor) publish(kind event.Kind, accountID int64, fields map[string]any) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(event.Event{
		Kind:      kind,
		AccountID: accountID,
		At:        time.Now().UTC(),
		Fields:    fields,
	})
}

// strategyFor picks the interpretation strategy per venue semantics:
// chains report net amounts with the fee on top, Coinbase folds the fee
// into the amount, everything else reports net plus a separate fee.
func strategyFor(acct types.Account) Strategy {
	if acct.SourceType == types.SourceBlockchain {
		return onchainAmounts{}
	}
	if acct.SourceName == "coinbase" {
		return coinbaseGrossAmounts{}
	}
	return standardAmounts{}
}

func grouperFor(acct types.Account) groupFn {
	if acct.SourceType == types.SourceBlockchain {
		return byTxHash
	}
	if acct.SourceName == "kraken" {
		return byCorrelationID
	}
	return byOrderID
}

// decodeRows validates the persisted normalized payloads. Chain rows
// fail fast on a bad payload; exchange rows fall back to the provider
// payload, which uses the same shape for API sources.
func decodeRows(acct types.Account, raws []types.RawRecord) ([]Row, error) {
	rows := make([]Row, 0, len(raws))
	for _, raw := range raws {
		norm, err := types.DecodeNormalizedRow(raw.NormalizedData)
		if err != nil && acct.SourceType != types.SourceBlockchain {
			norm, err = types.DecodeNormalizedRow(raw.ProviderData)
		}
		if err != nil {
			return nil, &provider.ValidationError{
				RowID:      raw.ID,
				EventID:    raw.EventID,
				SchemaPath: "normalizedData",
				Err:        err,
			}
		}
		rows = append(rows, Row{Raw: raw, Norm: norm})
	}
	return rows, nil
}

func streamCount(rows []Row) int {
	seen := map[string]struct{}{}
	for _, r := range rows {
		seen[r.Raw.StreamType] = struct{}{}
	}
	return len(seen)
}
