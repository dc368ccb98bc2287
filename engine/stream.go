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

package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

// StreamRequest describes one resumable stream.
type StreamRequest struct {
	Source    string
	AccountID int64
	Address   string
	Stream    string
	Resume    *types.Cursor
}

// Stream fetches records with cascading failover. Batches are deduplicated
// against a fixed-size seen-set; empty non-completion batches are dropped;
// a completion batch is always yielded, even when empty after dedup, since
// it is the sole end-of-stream signal downstream. On a provider error the
// engine advances to the next compatible candidate, resuming from the last
// committed cursor with the new provider's replay window applied.
func (e *Engine) Stream(ctx context.Context, req StreamRequest) <-chan provider.StreamItem {
	out := make(chan provider.StreamItem)
	go e.runStream(ctx, req, out)
	return out
}

func (e *Engine) runStream(ctx context.Context, req StreamRequest, out chan<- provider.StreamItem) {
	defer close(out)

	cands := e.candidates(req.Source, provider.OpStreamTransactions)
	if len(cands) == 0 {
		e.emit(ctx, out, provider.StreamItem{Err: errors.Wrapf(provider.ErrUnknownSource,
			"no streaming providers for source %q", req.Source)})
		return
	}

	cursor := req.Resume
	var (
		lastErr    error
		compatible bool
		seen       *dedupWindow
	)

	for _, meta := range cands {
		if ctx.Err() != nil {
			e.emit(ctx, out, provider.StreamItem{Err: ctx.Err()})
			return
		}
		if _, ok := canProviderResume(cursor, meta); !ok {
			cursorType := ""
			if cursor != nil {
				cursorType = string(cursor.Primary.Type)
			}
			e.log.Debug("provider cannot resume cursor",
				zap.String("provider", meta.Name), zap.String("cursorType", cursorType))
			continue
		}
		compatible = true

		if err := e.tracker.Breaker(meta.Key()).Allow(); err != nil {
			lastErr = err
			continue
		}
		client, err := e.client(meta.Name)
		if err != nil {
			lastErr = err
			continue
		}

		if seen == nil {
			size := e.cfg.DedupWindow
			if w := windowFor(meta.Capabilities.ReplayWindow); w > size {
				size = w
			}
			seen = newDedupWindow(size)
			if cursor != nil && cursor.LastRecordID != "" {
				seen.Seen(cursor.LastRecordID)
			}
		}

		// Hand-off: when this provider is not the cursor's last producer,
		// re-apply its replay window to the transferable position so the
		// seam is redelivered, and let the dedup window absorb it.
		streamCursor := cursor
		if cursor != nil && cursor.Meta.ProviderName != meta.Name {
			shifted := client.ApplyReplayWindow(*cursor)
			streamCursor = &shifted
			e.bus.Publish(event.Event{
				Kind:      event.KindProviderTransition,
				AccountID: req.AccountID,
				Provider:  meta.Name,
				Stream:    req.Stream,
				At:        e.clock.Now(),
				Fields:    map[string]any{"from": cursor.Meta.ProviderName},
			})
		}

		done, newCursor, err := e.consume(ctx, client, meta, req, streamCursor, seen, out)
		cursor = newCursor
		if done {
			return
		}
		if err != nil {
			lastErr = err
			e.recordFailure(meta, err)
			continue
		}
	}

	if !compatible {
		e.emit(ctx, out, provider.StreamItem{Err: errors.Wrapf(provider.ErrNoCompatibleProviders,
			"stream %s for account %d", req.Stream, req.AccountID)})
		return
	}
	e.emit(ctx, out, provider.StreamItem{Err: errors.Wrapf(provider.ErrAllProvidersFailed,
		"stream %s for account %d: last error: %v", req.Stream, req.AccountID, lastErr)})
}

// consume drains one provider's stream, yielding deduplicated batches.
// It returns done=true when the stream completed (or the context ended),
// otherwise the error that tripped this provider and the last committed
// cursor to resume from.
func (e *Engine) consume(ctx context.Context, client provider.Client, meta provider.Metadata,
	req StreamRequest, resume *types.Cursor, seen *dedupWindow, out chan<- provider.StreamItem,
) (done bool, cursor *types.Cursor, err error) {
	cursor = resume
	start := time.Now()
	limiter := e.limiter(meta)
	items := client.StreamTransactions(ctx, req.Address, req.Stream, resume)
	for {
		// The channel is unbuffered, so the client fetches the next
		// page only once the previous batch is taken. Gating the take
		// on the provider's token buckets paces the page fetches.
		if err := limiter.Wait(ctx); err != nil {
			e.emit(ctx, out, provider.StreamItem{Err: err})
			return true, cursor, nil
		}
		item, ok := <-items
		if !ok {
			break
		}
		if item.Err != nil {
			return false, cursor, item.Err
		}
		batch := item.Batch
		e.tracker.Success(meta.Key(), time.Since(start))
		start = time.Now()

		batch.Fetched = len(batch.Records)
		kept := batch.Records[:0]
		for _, rec := range batch.Records {
			if !seen.Seen(rec.EventID) {
				kept = append(kept, rec)
			}
		}
		batch.Records = kept
		batch.Yielded = len(kept)
		cursor = &batch.Cursor

		// Even when the new provider's first batch lies entirely within
		// the replay window, the cursor advanced; only silent empties are
		// dropped.
		if batch.Yielded == 0 && !batch.IsComplete {
			continue
		}
		if !e.emit(ctx, out, provider.StreamItem{Batch: batch}) {
			return true, cursor, nil
		}
		if batch.IsComplete {
			return true, cursor, nil
		}
	}
	if ctx.Err() != nil {
		e.emit(ctx, out, provider.StreamItem{Err: ctx.Err()})
		return true, cursor, nil
	}
	// The provider closed its stream without a completion batch; treat it
	// as a transient failure and fail over.
	return false, cursor, errors.Errorf("provider %s: stream ended without completion", meta.Name)
}

// emit sends an item unless the context has ended. The return reports
// whether the item was delivered.
func (e *Engine) emit(ctx context.Context, out chan<- provider.StreamItem, item provider.StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
