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
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

// fakeClient scripts StreamTransactions yields and records the cursors it
// was asked to resume from.
type fakeClient struct {
	meta   provider.Metadata
	script func(resume *types.Cursor) []provider.StreamItem

	balances    []provider.Balance
	balancesErr error

	mu           sync.Mutex
	resumes      []*types.Cursor
	balanceCalls int
}

func (f *fakeClient) Metadata() provider.Metadata { return f.meta }

func (f *fakeClient) GetAddressBalances(ctx context.Context, address string) ([]provider.Balance, error) {
	f.mu.Lock()
	f.balanceCalls++
	f.mu.Unlock()
	return f.balances, f.balancesErr
}

func (f *fakeClient) GetAddressTokenBalances(ctx context.Context, address string, tokens []provider.TokenRef) ([]provider.Balance, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (f *fakeClient) HasAddressTransactions(ctx context.Context, address string) (bool, error) {
	return len(f.balances) > 0, f.balancesErr
}

func (f *fakeClient) StreamTransactions(ctx context.Context, address, stream string, resume *types.Cursor) <-chan provider.StreamItem {
	f.mu.Lock()
	f.resumes = append(f.resumes, resume)
	f.mu.Unlock()

	ch := make(chan provider.StreamItem)
	go func() {
		defer close(ch)
		for _, item := range f.script(resume) {
			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (f *fakeClient) ExtractCursors(rec provider.Record) []types.CursorValue { return nil }

func (f *fakeClient) ApplyReplayWindow(c types.Cursor) types.Cursor {
	return provider.ShiftCursor(c, f.meta.Capabilities.ReplayWindow)
}

func (f *fakeClient) IsHealthy(ctx context.Context) bool { return true }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func chainMeta(name string, priority int, cursorTypes ...types.CursorType) provider.Metadata {
	return provider.Metadata{
		Name:       name,
		Blockchain: "bitcoin",
		Priority:   priority,
		Capabilities: provider.Capabilities{
			SupportedOperations: []provider.OpKind{
				provider.OpStreamTransactions, provider.OpGetAddressBalances,
			},
			SupportedCursorTypes: cursorTypes,
			PreferredCursorType:  cursorTypes[0],
			ReplayWindow:         types.ReplayWindow{Blocks: 2},
			Streams:              []string{"normal"},
		},
	}
}

func record(id string) provider.Record {
	return provider.Record{EventID: id, ExternalID: id, Stream: "normal", Raw: []byte(`{}`)}
}

func blockCursor(providerName string, height int64, complete bool) types.Cursor {
	return types.Cursor{
		Primary: types.CursorValue{
			Type:  types.CursorBlockNumber,
			Value: strconv.FormatInt(height, 10),
		},
		Meta: types.CursorMeta{ProviderName: providerName, IsComplete: complete},
	}
}

func batchItem(providerName string, height int64, complete bool, ids ...string) provider.StreamItem {
	recs := make([]provider.Record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, record(id))
	}
	return provider.StreamItem{Batch: &provider.BatchResult{
		Records:    recs,
		Cursor:     blockCursor(providerName, height, complete),
		IsComplete: complete,
	}}
}

func newTestEngine(t *testing.T, bus *event.Bus, clients ...*fakeClient) *Engine {
	t.Helper()
	registry := provider.NewRegistry(nil)
	eng := New(registry, bus, nil, nil, Config{DedupWindow: 32})
	for _, c := range clients {
		registry.Register(c.meta, nil)
		eng.UseClient(c)
	}
	return eng
}

func drain(t *testing.T, ch <-chan provider.StreamItem) (batches []*provider.BatchResult, err error) {
	t.Helper()
	for item := range ch {
		if item.Err != nil {
			return batches, item.Err
		}
		batches = append(batches, item.Batch)
	}
	return batches, nil
}

func eventIDs(b *provider.BatchResult) []string {
	var ids []string
	for _, r := range b.Records {
		ids = append(ids, r.EventID)
	}
	return ids
}

func TestStreamFailoverDeduplicatesSeam(t *testing.T) {
	primary := &fakeClient{
		meta: chainMeta("chain-a", 10, types.CursorPageToken, types.CursorBlockNumber),
		script: func(resume *types.Cursor) []provider.StreamItem {
			return []provider.StreamItem{
				batchItem("chain-a", 100, false, "tx1", "tx2"),
				batchItem("chain-a", 200, false, "tx3", "tx4"),
				{Err: errors.New("upstream 502")},
			}
		},
	}
	fallback := &fakeClient{
		meta: chainMeta("chain-b", 5, types.CursorBlockNumber),
		script: func(resume *types.Cursor) []provider.StreamItem {
			// Resuming from the shifted cursor redelivers the seam.
			return []provider.StreamItem{
				batchItem("chain-b", 300, true, "tx3", "tx4", "tx5"),
			}
		},
	}
	bus := event.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(16)
	eng := newTestEngine(t, bus, primary, fallback)

	batches, err := drain(t, eng.Stream(context.Background(), StreamRequest{
		Source: "bitcoin", AccountID: 1, Address: "bc1qaddr", Stream: "normal",
	}))
	require.NoError(t, err)
	require.Len(t, batches, 3)

	assert.Equal(t, []string{"tx1", "tx2"}, eventIDs(batches[0]))
	assert.Equal(t, []string{"tx3", "tx4"}, eventIDs(batches[1]))

	// The fallback's first batch overlaps the replay seam; only the new
	// record survives dedup, and the batch still closes the stream.
	last := batches[2]
	assert.Equal(t, []string{"tx5"}, eventIDs(last))
	assert.Equal(t, 3, last.Fetched)
	assert.Equal(t, 1, last.Yielded)
	assert.True(t, last.IsComplete)
	assert.Equal(t, "chain-b", last.Cursor.Meta.ProviderName)

	// The hand-off re-applied the fallback's replay window to the last
	// committed position (block 200 - 2).
	require.Len(t, fallback.resumes, 1)
	require.NotNil(t, fallback.resumes[0])
	assert.Equal(t, "198", fallback.resumes[0].Primary.Value)

	ev := <-sub.Chan()
	assert.Equal(t, event.KindProviderTransition, ev.Kind)
	assert.Equal(t, "chain-b", ev.Provider)
	assert.Equal(t, "chain-a", ev.Fields["from"])
}

func TestStreamNoCompatibleProviders(t *testing.T) {
	c := &fakeClient{
		meta: chainMeta("chain-a", 10, types.CursorBlockNumber),
		script: func(*types.Cursor) []provider.StreamItem {
			t.Error("incompatible provider must not be streamed")
			return nil
		},
	}
	eng := newTestEngine(t, nil, c)

	// A foreign page token with no universal alternatives cannot seed
	// any candidate.
	resume := &types.Cursor{
		Primary: types.CursorValue{
			Type: types.CursorPageToken, Value: "opaque", ProviderName: "someone-else",
		},
		Meta: types.CursorMeta{ProviderName: "someone-else"},
	}
	_, err := drain(t, eng.Stream(context.Background(), StreamRequest{
		Source: "bitcoin", Address: "bc1qaddr", Stream: "normal", Resume: resume,
	}))
	assert.ErrorIs(t, err, provider.ErrNoCompatibleProviders)
}

func TestStreamAllProvidersFailed(t *testing.T) {
	fail := func(*types.Cursor) []provider.StreamItem {
		return []provider.StreamItem{{Err: errors.New("boom")}}
	}
	a := &fakeClient{meta: chainMeta("chain-a", 10, types.CursorBlockNumber), script: fail}
	b := &fakeClient{meta: chainMeta("chain-b", 5, types.CursorBlockNumber), script: fail}
	eng := newTestEngine(t, nil, a, b)

	_, err := drain(t, eng.Stream(context.Background(), StreamRequest{
		Source: "bitcoin", Address: "bc1qaddr", Stream: "normal",
	}))
	assert.ErrorIs(t, err, provider.ErrAllProvidersFailed)
	assert.Len(t, a.resumes, 1)
	assert.Len(t, b.resumes, 1)
}

func TestStreamSkipsOpenCircuit(t *testing.T) {
	a := &fakeClient{
		meta: chainMeta("chain-a", 10, types.CursorBlockNumber),
		script: func(*types.Cursor) []provider.StreamItem {
			t.Error("gated provider must not be called")
			return nil
		},
	}
	b := &fakeClient{
		meta: chainMeta("chain-b", 5, types.CursorBlockNumber),
		script: func(*types.Cursor) []provider.StreamItem {
			return []provider.StreamItem{batchItem("chain-b", 100, true, "tx1")}
		},
	}
	eng := newTestEngine(t, nil, a, b)
	for i := 0; i < 5; i++ {
		eng.Tracker().Failure(a.meta.Key(), errors.New("down"))
	}

	batches, err := drain(t, eng.Stream(context.Background(), StreamRequest{
		Source: "bitcoin", Address: "bc1qaddr", Stream: "normal",
	}))
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"tx1"}, eventIDs(batches[0]))
}

func TestStreamPacesFetchesByRateLimit(t *testing.T) {
	// Three batches against a 20 rps bucket with burst 1: the first
	// token is free, the other two takes must wait 50ms each.
	meta := chainMeta("chain-a", 10, types.CursorPageToken, types.CursorBlockNumber)
	meta.DefaultConfig.RateLimit = provider.RateLimitOptions{RequestsPerSecond: 20, BurstLimit: 1}
	client := &fakeClient{
		meta: meta,
		script: func(resume *types.Cursor) []provider.StreamItem {
			return []provider.StreamItem{
				batchItem("chain-a", 100, false, "tx1"),
				batchItem("chain-a", 200, false, "tx2"),
				batchItem("chain-a", 300, true, "tx3"),
			}
		},
	}
	eng := newTestEngine(t, nil, client)

	start := time.Now()
	batches, err := drain(t, eng.Stream(context.Background(), StreamRequest{
		Source: "bitcoin", AccountID: 1, Address: "bc1qaddr", Stream: "normal",
	}))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestStreamUnknownSource(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := drain(t, eng.Stream(context.Background(), StreamRequest{
		Source: "dogecoin", Address: "D6addr", Stream: "normal",
	}))
	assert.ErrorIs(t, err, provider.ErrUnknownSource)
}

func TestExecuteFailoverAndCache(t *testing.T) {
	a := &fakeClient{
		meta:        chainMeta("chain-a", 10, types.CursorBlockNumber),
		balancesErr: &provider.HTTPError{Provider: "chain-a", StatusCode: 503},
	}
	b := &fakeClient{
		meta:     chainMeta("chain-b", 5, types.CursorBlockNumber),
		balances: []provider.Balance{{Asset: types.NewCurrency("BTC"), Amount: d("0.5")}},
	}
	eng := newTestEngine(t, nil, a, b)
	ctx := context.Background()

	got, err := eng.GetAddressBalances(ctx, "bitcoin", "bc1qaddr")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Amount.Equal(d("0.5")))
	assert.Equal(t, 1, a.balanceCalls)
	assert.Equal(t, 1, b.balanceCalls)

	// The second identical call is served from the response cache.
	_, err = eng.GetAddressBalances(ctx, "bitcoin", "bc1qaddr")
	require.NoError(t, err)
	assert.Equal(t, 1, a.balanceCalls)
	assert.Equal(t, 1, b.balanceCalls)
}
