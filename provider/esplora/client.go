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

// Package esplora implements a Bitcoin provider against the Esplora
// HTTP API (blockstream.info and compatible instances). Esplora pages
// address history newest first, so an incremental import walks from
// the tip back until it meets the transaction hash recorded by the
// previous run.
package esplora

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

const (
	providerName = "esplora"
	pageSize     = 25 // fixed by the API
)

var capabilities = provider.Capabilities{
	SupportedOperations: []provider.OpKind{
		provider.OpGetAddressBalances,
		provider.OpHasAddressTransactions,
		provider.OpStreamTransactions,
	},
	SupportedCursorTypes: []types.CursorType{types.CursorPageToken, types.CursorTxHash},
	PreferredCursorType:  types.CursorPageToken,
	ReplayWindow:         types.ReplayWindow{Records: 2 * pageSize},
	Streams:              []string{types.StreamNormal},
}

// Register wires both public Esplora instances into the registry.
// They speak the same API, so either can resume the other's stream
// from the shared txHash cursor.
func Register(reg *provider.Registry) {
	registerInstance(reg, providerName, "https://blockstream.info/api", 10)
	registerInstance(reg, "mempool", "https://mempool.space/api", 5)
}

func registerInstance(reg *provider.Registry, name, baseURL string, priority int) {
	meta := provider.Metadata{
		Name:         name,
		Blockchain:   "bitcoin",
		BaseURL:      baseURL,
		Capabilities: capabilities,
		DefaultConfig: provider.ClientConfig{
			RateLimit: provider.RateLimitOptions{RequestsPerSecond: 4, BurstLimit: 4},
			Retries:   2,
			Timeout:   30 * time.Second,
		},
		Priority: priority,
	}
	reg.Register(meta, func(meta provider.Metadata, cfg provider.ClientConfig, log *zap.Logger) (provider.Client, error) {
		return &Client{
			meta: meta,
			http: provider.NewHTTPClient(meta.BaseURL, cfg.Timeout, log),
			log:  log,
		}, nil
	})
}

type Client struct {
	meta provider.Metadata
	http *provider.HTTPClient
	log  *zap.Logger
}

func (c *Client) Metadata() provider.Metadata { return c.meta }

type addressStats struct {
	ChainStats struct {
		FundedSum int64 `json:"funded_txo_sum"`
		SpentSum  int64 `json:"spent_txo_sum"`
		TxCount   int64 `json:"tx_count"`
	} `json:"chain_stats"`
}

func (c *Client) GetAddressBalances(ctx context.Context, address string) ([]provider.Balance, error) {
	var stats addressStats
	if err := c.http.GetJSON(ctx, "/address/"+url.PathEscape(address), nil, &stats); err != nil {
		return nil, err
	}
	sats := stats.ChainStats.FundedSum - stats.ChainStats.SpentSum
	return []provider.Balance{{
		Asset:  types.NewCurrency("BTC"),
		Amount: satsToBTC(sats),
	}}, nil
}

func (c *Client) GetAddressTokenBalances(ctx context.Context, address string, tokens []provider.TokenRef) ([]provider.Balance, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (c *Client) HasAddressTransactions(ctx context.Context, address string) (bool, error) {
	var stats addressStats
	if err := c.http.GetJSON(ctx, "/address/"+url.PathEscape(address), nil, &stats); err != nil {
		return false, err
	}
	return stats.ChainStats.TxCount > 0, nil
}

type esploraTx struct {
	Txid   string `json:"txid"`
	Fee    int64  `json:"fee"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		Prevout struct {
			Address string `json:"scriptpubkey_address"`
			Value   int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
}

func (c *Client) StreamTransactions(ctx context.Context, address, stream string, resume *types.Cursor) <-chan provider.StreamItem {
	out := make(chan provider.StreamItem)
	go func() {
		defer close(out)
		c.stream(ctx, address, resume, out)
	}()
	return out
}

func (c *Client) stream(ctx context.Context, address string, resume *types.Cursor, out chan<- provider.StreamItem) {
	lastSeen := ""
	stopAt := ""
	if resume != nil {
		if v, ok := resume.Alternative(types.CursorPageToken); ok &&
			v.ProviderName == c.meta.Name && !resume.Meta.IsComplete {
			// Mid-walk resume: keep paging older history from where the
			// interrupted walk stopped.
			lastSeen = v.Value
		} else if v, ok := resume.Alternative(types.CursorTxHash); ok {
			// Completed or foreign cursor. The hash marks the newest
			// transaction already stored, so a finished walk must not
			// page past its own tail into ever-older history; walk from
			// the tip down to the boundary instead.
			stopAt = v.Value
		}
	}

	// The first transaction of a tip walk becomes the boundary the next
	// incremental import stops at.
	newest := ""
	fromTip := lastSeen == ""

	total := resumeTotal(resume)
	for {
		path := "/address/" + url.PathEscape(address) + "/txs/chain"
		if lastSeen != "" {
			path += "/" + url.PathEscape(lastSeen)
		}
		var page []esploraTx
		if err := c.http.GetJSON(ctx, path, nil, &page); err != nil {
			out <- provider.StreamItem{Err: err}
			return
		}
		if fromTip && newest == "" && len(page) > 0 {
			newest = page[0].Txid
		}

		var records []provider.Record
		done := len(page) < pageSize
		for _, tx := range page {
			if stopAt != "" && tx.Txid == stopAt {
				done = true
				break
			}
			rec, err := c.toRecord(address, tx)
			if err != nil {
				out <- provider.StreamItem{Err: err}
				return
			}
			records = append(records, rec)
			lastSeen = tx.Txid
		}
		total += len(records)

		// Intermediate batches carry the last stored hash so another
		// provider can take over at the seam; the completion batch
		// carries the tip boundary for the next incremental run.
		boundary := lastSeen
		if done {
			if newest != "" {
				boundary = newest
			} else if stopAt != "" {
				boundary = stopAt
			}
		}
		batch := provider.BatchResult{
			Records:    records,
			IsComplete: done,
			Cursor:     c.cursorAt(lastSeen, boundary, total, done),
		}
		select {
		case out <- provider.StreamItem{Batch: &batch}:
		case <-ctx.Done():
			return
		}
		if done {
			return
		}
	}
}

func (c *Client) toRecord(address string, tx esploraTx) (provider.Record, error) {
	var in, outSats int64
	for _, vin := range tx.Vin {
		if vin.Prevout.Address == address {
			outSats += vin.Prevout.Value
		}
	}
	for _, vout := range tx.Vout {
		if vout.Address == address {
			in += vout.Value
		}
	}
	// Net effect on the address; the fee leaves separately when this
	// address funded the transaction.
	net := in - outSats
	amount := satsToBTC(net)
	fee := decimal.Zero
	if outSats > 0 {
		fee = satsToBTC(tx.Fee)
		amount = amount.Add(fee)
	}

	status := "success"
	if !tx.Status.Confirmed {
		status = "pending"
	}
	norm := types.NormalizedRow{
		TxHash:    tx.Txid,
		Height:    tx.Status.BlockHeight,
		Timestamp: tx.Status.BlockTime,
		Status:    status,
		Amount:    amount,
		Asset:     "BTC",
		Fee:       fee,
		FeeAsset:  "BTC",
		RowType:   "transaction",
	}
	if norm.Timestamp == 0 {
		norm.Timestamp = time.Now().Unix()
	}
	normJSON, err := json.Marshal(norm)
	if err != nil {
		return provider.Record{}, err
	}
	rawJSON, err := json.Marshal(tx)
	if err != nil {
		return provider.Record{}, err
	}
	return provider.Record{
		EventID:    tx.Txid,
		ExternalID: tx.Txid,
		Stream:     types.StreamNormal,
		Raw:        rawJSON,
		Normalized: normJSON,
	}, nil
}

func (c *Client) cursorAt(lastSeen, boundary string, total int, complete bool) types.Cursor {
	cur := types.Cursor{
		Primary: types.CursorValue{
			Type:         types.CursorPageToken,
			Value:        lastSeen,
			ProviderName: c.meta.Name,
		},
		LastRecordID: lastSeen,
		TotalFetched: int64(total),
		Meta: types.CursorMeta{
			ProviderName: c.meta.Name,
			UpdatedAt:    time.Now().UTC(),
			IsComplete:   complete,
		},
	}
	if boundary != "" {
		cur.Alternatives = []types.CursorValue{
			{Type: types.CursorTxHash, Value: boundary},
		}
	}
	return cur
}

func (c *Client) ExtractCursors(rec provider.Record) []types.CursorValue {
	var norm types.NormalizedRow
	if err := json.Unmarshal(rec.Normalized, &norm); err != nil {
		return nil
	}
	return []types.CursorValue{
		{Type: types.CursorPageToken, Value: norm.TxHash, ProviderName: c.meta.Name},
		{Type: types.CursorTxHash, Value: norm.TxHash},
	}
}

func (c *Client) ApplyReplayWindow(cur types.Cursor) types.Cursor {
	return provider.ShiftCursor(cur, capabilities.ReplayWindow)
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	var height int64
	err := c.http.GetJSON(ctx, "/blocks/tip/height", nil, &height)
	return err == nil && height > 0
}

func satsToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

func resumeTotal(resume *types.Cursor) int {
	if resume == nil {
		return 0
	}
	return int(resume.TotalFetched)
}
