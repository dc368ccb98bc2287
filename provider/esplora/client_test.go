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

package esplora

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

// fakeEsplora serves a newest-first transaction list the way the real
// API does: /txs/chain pages from the tip, /txs/chain/{txid} pages
// strictly older than txid.
type fakeEsplora struct {
	txs []esploraTx
}

func (f *fakeEsplora) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/txs/chain") {
			http.NotFound(w, r)
			return
		}
		from := 0
		if i := strings.Index(r.URL.Path, "/txs/chain/"); i >= 0 {
			after := r.URL.Path[i+len("/txs/chain/"):]
			for j, tx := range f.txs {
				if tx.Txid == after {
					from = j + 1
					break
				}
			}
		}
		page := f.txs[from:]
		if len(page) > pageSize {
			page = page[:pageSize]
		}
		_ = json.NewEncoder(w).Encode(page)
	})
}

func confirmedTx(txid string, height int64) esploraTx {
	var tx esploraTx
	tx.Txid = txid
	tx.Status.Confirmed = true
	tx.Status.BlockHeight = height
	tx.Status.BlockTime = 1700000000 + height
	return tx
}

func newTestClient(baseURL string) *Client {
	return &Client{
		meta: provider.Metadata{
			Name:         providerName,
			Blockchain:   "bitcoin",
			BaseURL:      baseURL,
			Capabilities: capabilities,
		},
		http: provider.NewHTTPClient(baseURL, time.Second, zap.NewNop()),
		log:  zap.NewNop(),
	}
}

func collectBatches(t *testing.T, c *Client, resume *types.Cursor) []provider.BatchResult {
	t.Helper()
	var out []provider.BatchResult
	for item := range c.StreamTransactions(context.Background(), "bc1qaddr", types.StreamNormal, resume) {
		require.NoError(t, item.Err)
		out = append(out, *item.Batch)
	}
	require.NotEmpty(t, out)
	return out
}

func TestStreamResumeFetchesNewTransactions(t *testing.T) {
	api := &fakeEsplora{txs: []esploraTx{
		confirmedTx("txB", 101),
		confirmedTx("txA", 100),
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	c := newTestClient(srv.URL)

	batches := collectBatches(t, c, nil)
	require.Len(t, batches, 1)
	first := batches[0]
	assert.True(t, first.IsComplete)
	require.Len(t, first.Records, 2)
	assert.Equal(t, "txB", first.Records[0].EventID)
	assert.Equal(t, "txA", first.Records[1].EventID)

	// The page token points at the oldest seen transaction for deep
	// paging; the hash boundary points at the newest so the next run
	// knows where already-stored history begins.
	assert.Equal(t, "txA", first.Cursor.Primary.Value)
	boundary, ok := first.Cursor.Alternative(types.CursorTxHash)
	require.True(t, ok)
	assert.Equal(t, "txB", boundary.Value)

	// A transaction confirms after the first import.
	api.txs = append([]esploraTx{confirmedTx("txC", 102)}, api.txs...)

	cur := first.Cursor
	batches = collectBatches(t, c, &cur)
	require.Len(t, batches, 1)
	second := batches[0]
	assert.True(t, second.IsComplete)
	require.Len(t, second.Records, 1)
	assert.Equal(t, "txC", second.Records[0].EventID)
	assert.Equal(t, int64(3), second.Cursor.TotalFetched)
	boundary, ok = second.Cursor.Alternative(types.CursorTxHash)
	require.True(t, ok)
	assert.Equal(t, "txC", boundary.Value)
}

func TestStreamResumeIdleCarriesBoundary(t *testing.T) {
	api := &fakeEsplora{txs: []esploraTx{
		confirmedTx("txB", 101),
		confirmedTx("txA", 100),
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	c := newTestClient(srv.URL)

	first := collectBatches(t, c, nil)[0]

	// Nothing new: the walk stops at its own boundary immediately and
	// the boundary survives for the run after this one.
	cur := first.Cursor
	second := collectBatches(t, c, &cur)[0]
	assert.True(t, second.IsComplete)
	assert.Empty(t, second.Records)
	boundary, ok := second.Cursor.Alternative(types.CursorTxHash)
	require.True(t, ok)
	assert.Equal(t, "txB", boundary.Value)
}

func TestStreamIncompleteResumeKeepsPaging(t *testing.T) {
	api := &fakeEsplora{txs: []esploraTx{
		confirmedTx("txC", 102),
		confirmedTx("txB", 101),
		confirmedTx("txA", 100),
	}}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	c := newTestClient(srv.URL)

	// A mid-walk cursor keeps deep-paging older history instead of
	// restarting at the tip.
	resume := &types.Cursor{
		Primary: types.CursorValue{
			Type:         types.CursorPageToken,
			Value:        "txC",
			ProviderName: providerName,
		},
		LastRecordID: "txC",
		TotalFetched: 1,
		Meta:         types.CursorMeta{ProviderName: providerName},
	}
	batch := collectBatches(t, c, resume)[0]
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "txB", batch.Records[0].EventID)
	assert.Equal(t, "txA", batch.Records[1].EventID)
}
