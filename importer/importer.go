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

// Package importer orchestrates ingestion: it owns users, accounts and
// import sessions, expands extended public keys into child accounts,
// and drives the failover engine's streams into the raw store. Every
// batch commit is atomic over its raw rows and the session cursor, so
// a crashed import resumes exactly where the last commit left it.
package importer

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jbelanger/exitbook-sub011/engine"
	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

// Config bounds the importer's concurrency and discovery.
type Config struct {
	// GapLimit stops extended-key discovery after this many consecutive
	// inactive addresses.
	GapLimit int

	// SourceParallelism bounds concurrent imports across sources.
	SourceParallelism int
}

func DefaultConfig() Config {
	return Config{GapLimit: 20, SourceParallelism: 4}
}

// Result summarises one account's import.
type Result struct {
	AccountID int64
	SessionID string
	Imported  int64
	Skipped   int64
	Children  []Result
}

// Importer runs streaming imports against the failover engine.
type Importer struct {
	db  *store.DB
	eng *engine.Engine
	bus *event.Bus
	log *zap.Logger
	cfg Config
}

func New(db *store.DB, eng *engine.Engine, bus *event.Bus, cfg Config, log *zap.Logger) *Importer {
	if cfg.GapLimit <= 0 {
		cfg.GapLimit = 20
	}
	if cfg.SourceParallelism <= 0 {
		cfg.SourceParallelism = 4
	}
	return &Importer{db: db, eng: eng, bus: bus, log: log, cfg: cfg}
}

// Request names one source to import and its identifier: a chain
// address, an extended public key, or an exchange account label.
type Request struct {
	Source     string
	Identifier string
}

// ImportAll runs the requests concurrently, bounded by
// SourceParallelism. Requests for the same source should not be mixed
// in one call; cursor commits are per account, not per source.
func (im *Importer) ImportAll(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.SourceParallelism)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := im.Import(gctx, req)
			if err != nil {
				return errors.WithMessagef(err, "import %s", req.Source)
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Import routes one request: extended keys fan out into child
// accounts, plain addresses and exchanges get a single account.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	info, err := im.eng.Registry().Lookup(req.Source)
	if err != nil {
		return nil, err
	}
	if info.SourceType == types.SourceBlockchain && isExtendedKey(req.Identifier) {
		return im.importExtendedKey(ctx, req.Source, req.Identifier)
	}
	userID, err := im.db.EnsureUser(ctx, store.DefaultUserName)
	if err != nil {
		return nil, err
	}
	acct, err := im.db.CreateOrGetAccount(ctx, types.Account{
		UserID:     userID,
		SourceName: req.Source,
		SourceType: info.SourceType,
		Identifier: strings.TrimSpace(req.Identifier),
	})
	if err != nil {
		return nil, err
	}
	return im.importAccount(ctx, acct)
}

// importAccount runs one account's streams to completion under a fresh
// session. Streams run concurrently; batch commits serialise on the
// session row. Any stream failure fails the session.
func (im *Importer) importAccount(ctx context.Context, acct types.Account) (*Result, error) {
	streams := im.streamsFor(acct.SourceName)
	resume := im.resumeCursors(ctx, acct.ID)

	session, err := im.db.StartSession(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	im.publish(event.KindImportStarted, acct, "", nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, stream := range streams {
		stream := stream
		g.Go(func() error {
			return im.runStream(gctx, acct, session.ID, stream, resume[stream])
		})
	}
	if err := g.Wait(); err != nil {
		if ferr := im.db.FailSession(ctx, session.ID, err.Error()); ferr != nil {
			im.log.Error("failing session", zap.String("session", session.ID), zap.Error(ferr))
		}
		im.publish(event.KindImportFailed, acct, "", map[string]any{"error": err.Error()})
		return nil, err
	}

	if err := im.db.CompleteSession(ctx, session.ID, nil); err != nil {
		return nil, err
	}
	final, err := im.db.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	im.publish(event.KindImportCompleted, acct, "", map[string]any{
		"imported": final.Imported, "skipped": final.Skipped,
	})
	return &Result{
		AccountID: acct.ID,
		SessionID: session.ID,
		Imported:  final.Imported,
		Skipped:   final.Skipped,
	}, nil
}

// runStream drains one engine stream, committing each batch with its
// cursor. Ordering within the stream is the cursor's correctness
// contract, so commits happen inline, never in a worker.
func (im *Importer) runStream(ctx context.Context, acct types.Account, sessionID, stream string, resume *types.Cursor) error {
	items := im.eng.Stream(ctx, engine.StreamRequest{
		Source:    acct.SourceName,
		AccountID: acct.ID,
		Address:   acct.Identifier,
		Stream:    stream,
		Resume:    resume,
	})
	for item := range items {
		if item.Err != nil {
			return item.Err
		}
		batch := item.Batch
		records := toRawRecords(acct, batch, stream)
		cursor := batch.Cursor
		if _, _, err := im.db.CommitBatch(ctx, sessionID, records, stream, &cursor); err != nil {
			return err
		}
		if batch.IsComplete {
			return nil
		}
	}
	return ctx.Err()
}

func toRawRecords(acct types.Account, batch *provider.BatchResult, stream string) []types.RawRecord {
	out := make([]types.RawRecord, 0, len(batch.Records))
	for _, rec := range batch.Records {
		out = append(out, types.RawRecord{
			AccountID:      acct.ID,
			ProviderName:   batch.Cursor.Meta.ProviderName,
			SourceType:     acct.SourceType,
			EventID:        rec.EventID,
			ExternalID:     rec.ExternalID,
			ProviderData:   rec.Raw,
			NormalizedData: rec.Normalized,
			StreamType:     stream,
			CreatedAt:      time.Now().UTC(),
		})
	}
	return out
}

// resumeCursors loads the latest session's per-stream cursors, if any.
func (im *Importer) resumeCursors(ctx context.Context, accountID int64) map[string]*types.Cursor {
	last, err := im.db.LatestSession(ctx, accountID)
	if err != nil || last == nil {
		return nil
	}
	return last.CursorsByStream
}

// streamsFor unions the streams every provider of the source offers.
// Single-stream sources fall back to the normal stream.
func (im *Importer) streamsFor(source string) []string {
	cands := im.eng.Registry().CandidatesFor(source, provider.OpStreamTransactions)
	seen := map[string]bool{}
	var streams []string
	for _, meta := range cands {
		for _, s := range meta.Capabilities.Streams {
			if !seen[s] {
				seen[s] = true
				streams = append(streams, s)
			}
		}
	}
	if len(streams) == 0 {
		streams = []string{types.StreamNormal}
	}
	return streams
}

func (im *Importer) publish(kind event.Kind, acct types.Account, stream string, fields map[string]any) {
	if im.bus == nil {
		return
	}
	_ = im.bus.Publish(event.Event{
		Kind:      kind,
		AccountID: acct.ID,
		Stream:    stream,
		At:        time.Now().UTC(),
		Fields:    fields,
	})
}
