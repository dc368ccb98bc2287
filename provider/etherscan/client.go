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

// Package etherscan implements an Ethereum provider over the Etherscan
// account API. It serves three streams: external transactions, ERC-20
// transfers and internal (trace) transfers. All streams page by block
// number ascending, so the cursor transfers cleanly to any provider
// that can seek by block.
package etherscan

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

const (
	providerName = "etherscan"
	pageSize     = 100
	apiKeyEnv    = "ETHERSCAN_API_KEY"
)

var capabilities = provider.Capabilities{
	SupportedOperations: []provider.OpKind{
		provider.OpGetAddressBalances,
		provider.OpGetAddressTokenBalances,
		provider.OpHasAddressTransactions,
		provider.OpStreamTransactions,
	},
	SupportedCursorTypes: []types.CursorType{types.CursorBlockNumber, types.CursorTxHash},
	PreferredCursorType:  types.CursorBlockNumber,
	ReplayWindow:         types.ReplayWindow{Blocks: 128},
	Streams:              []string{types.StreamNormal, types.StreamToken, types.StreamInternal},
}

var streamActions = map[string]string{
	types.StreamNormal:   "txlist",
	types.StreamToken:    "tokentx",
	types.StreamInternal: "txlistinternal",
}

func Register(reg *provider.Registry) {
	meta := provider.Metadata{
		Name:           providerName,
		Blockchain:     "ethereum",
		BaseURL:        "https://api.etherscan.io/api",
		RequiresAPIKey: true,
		APIKeyEnvVar:   apiKeyEnv,
		Capabilities:   capabilities,
		DefaultConfig: provider.ClientConfig{
			RateLimit: provider.RateLimitOptions{RequestsPerSecond: 5, BurstLimit: 5},
			Retries:   2,
			Timeout:   30 * time.Second,
		},
		Priority: 10,
	}
	reg.Register(meta, func(meta provider.Metadata, cfg provider.ClientConfig, log *zap.Logger) (provider.Client, error) {
		key := os.Getenv(apiKeyEnv)
		if key == "" {
			return nil, errors.Errorf("etherscan: %s not set", apiKeyEnv)
		}
		return &Client{
			meta:   meta,
			apiKey: key,
			http:   provider.NewHTTPClient(meta.BaseURL, cfg.Timeout, log),
			log:    log,
		}, nil
	})
}

type Client struct {
	meta   provider.Metadata
	apiKey string
	http   *provider.HTTPClient
	log    *zap.Logger
}

func (c *Client) Metadata() provider.Metadata { return c.meta }

// envelope is the uniform Etherscan response wrapper. status "0" with
// "No transactions found" is an empty result, not an error.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) query(ctx context.Context, params url.Values, out any) error {
	params.Set("module", "account")
	params.Set("apikey", c.apiKey)
	var env envelope
	if err := c.http.GetJSON(ctx, "", params, &env); err != nil {
		return err
	}
	if env.Status != "1" {
		if strings.Contains(env.Message, "No transactions found") {
			return nil
		}
		return errors.Errorf("etherscan: %s: %s", env.Message, string(env.Result))
	}
	return json.Unmarshal(env.Result, out)
}

func (c *Client) GetAddressBalances(ctx context.Context, address string) ([]provider.Balance, error) {
	params := url.Values{"action": {"balance"}, "address": {address}, "tag": {"latest"}}
	var wei string
	if err := c.query(ctx, params, &wei); err != nil {
		return nil, err
	}
	amount, err := weiToEth(wei, 18)
	if err != nil {
		return nil, err
	}
	return []provider.Balance{{Asset: types.NewCurrency("ETH"), Amount: amount}}, nil
}

// GetAddressTokenBalances queries one tokenbalance per known contract;
// Etherscan has no bulk endpoint on the free tier. Zero positions are
// dropped.
func (c *Client) GetAddressTokenBalances(ctx context.Context, address string, tokens []provider.TokenRef) ([]provider.Balance, error) {
	var out []provider.Balance
	for _, tok := range tokens {
		params := url.Values{
			"action":          {"tokenbalance"},
			"address":         {address},
			"contractaddress": {tok.Contract},
			"tag":             {"latest"},
		}
		var raw string
		if err := c.query(ctx, params, &raw); err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}
		amount, err := weiToEth(raw, tok.Decimals)
		if err != nil {
			return nil, errors.Wrapf(err, "token %s balance", tok.Symbol)
		}
		if amount.IsZero() {
			continue
		}
		out = append(out, provider.Balance{Asset: types.NewCurrency(tok.Symbol), Amount: amount})
	}
	return out, nil
}

func (c *Client) HasAddressTransactions(ctx context.Context, address string) (bool, error) {
	params := url.Values{
		"action": {"txlist"}, "address": {address},
		"page": {"1"}, "offset": {"1"}, "sort": {"asc"},
	}
	var txs []normalTx
	if err := c.query(ctx, params, &txs); err != nil {
		return false, err
	}
	return len(txs) > 0, nil
}

type normalTx struct {
	Hash             string `json:"hash"`
	BlockNumber      string `json:"blockNumber"`
	TransactionIndex string `json:"transactionIndex"`
	TimeStamp        string `json:"timeStamp"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	GasUsed          string `json:"gasUsed"`
	GasPrice         string `json:"gasPrice"`
	IsError          string `json:"isError"`
	ContractAddress  string `json:"contractAddress"`
	TokenSymbol      string `json:"tokenSymbol"`
	TokenDecimal     string `json:"tokenDecimal"`
}

func (c *Client) StreamTransactions(ctx context.Context, address, stream string, resume *types.Cursor) <-chan provider.StreamItem {
	out := make(chan provider.StreamItem)
	go func() {
		defer close(out)
		c.stream(ctx, address, stream, resume, out)
	}()
	return out
}

func (c *Client) stream(ctx context.Context, address, stream string, resume *types.Cursor, out chan<- provider.StreamItem) {
	action, ok := streamActions[stream]
	if !ok {
		out <- provider.StreamItem{Err: errors.Errorf("etherscan: unknown stream %q", stream)}
		return
	}

	startBlock := int64(0)
	total := int64(0)
	if resume != nil {
		total = resume.TotalFetched
		if v, ok := resume.Alternative(types.CursorBlockNumber); ok {
			if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				startBlock = n
			}
		}
	}

	page := 1
	ordHash := ""
	ordinal := 0
	for {
		params := url.Values{
			"action":     {action},
			"address":    {address},
			"startblock": {strconv.FormatInt(startBlock, 10)},
			"endblock":   {"999999999"},
			"page":       {strconv.Itoa(page)},
			"offset":     {strconv.Itoa(pageSize)},
			"sort":       {"asc"},
		}
		var txs []normalTx
		if err := c.query(ctx, params, &txs); err != nil {
			out <- provider.StreamItem{Err: err}
			return
		}

		var records []provider.Record
		lastBlock := startBlock
		lastHash := ""
		for _, tx := range txs {
			// Ordinal within the hash: the token and internal streams
			// can carry several rows per transaction, and each needs
			// its own event id.
			if tx.Hash == ordHash {
				ordinal++
			} else {
				ordHash, ordinal = tx.Hash, 0
			}
			rec, block, err := c.toRecord(address, stream, tx, ordinal)
			if err != nil {
				out <- provider.StreamItem{Err: err}
				return
			}
			records = append(records, rec)
			lastBlock = block
			lastHash = tx.Hash
		}
		total += int64(len(records))
		done := len(txs) < pageSize

		batch := provider.BatchResult{
			Records:    records,
			IsComplete: done,
			Cursor:     c.cursorAt(lastBlock, lastHash, total, done),
		}
		select {
		case out <- provider.StreamItem{Batch: &batch}:
		case <-ctx.Done():
			return
		}
		if done {
			return
		}
		// Advance by block when possible; page deeper only while a
		// single block holds more rows than one page.
		if lastBlock > startBlock {
			startBlock = lastBlock
			page = 1
		} else {
			page++
		}
	}
}

func (c *Client) toRecord(address, stream string, tx normalTx, ordinal int) (provider.Record, int64, error) {
	block, err := strconv.ParseInt(tx.BlockNumber, 10, 64)
	if err != nil {
		return provider.Record{}, 0, errors.Wrapf(err, "tx %s: block number", tx.Hash)
	}
	ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return provider.Record{}, 0, errors.Wrapf(err, "tx %s: timestamp", tx.Hash)
	}
	txIndex, _ := strconv.Atoi(tx.TransactionIndex)

	decimals := 18
	asset := "ETH"
	if stream == types.StreamToken {
		asset = tx.TokenSymbol
		if d, err := strconv.Atoi(tx.TokenDecimal); err == nil {
			decimals = d
		}
	}
	amount, err := weiToEth(tx.Value, decimals)
	if err != nil {
		return provider.Record{}, 0, errors.Wrapf(err, "tx %s: value", tx.Hash)
	}

	outgoing := strings.EqualFold(tx.From, address)
	if outgoing {
		amount = amount.Neg()
	}
	fee := decimal.Zero
	if outgoing && stream == types.StreamNormal {
		gasUsed, err1 := decimal.NewFromString(tx.GasUsed)
		gasPrice, err2 := decimal.NewFromString(tx.GasPrice)
		if err1 == nil && err2 == nil {
			fee = gasUsed.Mul(gasPrice).Shift(-18)
		}
	}
	status := "success"
	if tx.IsError == "1" {
		status = "failed"
	}

	norm := types.NormalizedRow{
		TxHash:        tx.Hash,
		Height:        block,
		TxIndex:       txIndex,
		Timestamp:     ts,
		Status:        status,
		Amount:        amount,
		Asset:         asset,
		Fee:           fee,
		FeeAsset:      "ETH",
		RowType:       "transaction",
		TokenContract: tx.ContractAddress,
	}
	normJSON, err := json.Marshal(norm)
	if err != nil {
		return provider.Record{}, 0, err
	}
	rawJSON, err := json.Marshal(tx)
	if err != nil {
		return provider.Record{}, 0, err
	}
	// One hash can carry several rows: one per stream, and within the
	// token and internal streams one per transfer. Scope the event id
	// by stream and ordinal so every leg survives the unique
	// constraint.
	return provider.Record{
		EventID:    tx.Hash + ":" + stream + ":" + strconv.Itoa(ordinal),
		ExternalID: tx.Hash,
		Stream:     stream,
		Raw:        rawJSON,
		Normalized: normJSON,
	}, block, nil
}

func (c *Client) cursorAt(block int64, lastHash string, total int64, complete bool) types.Cursor {
	cur := types.Cursor{
		Primary: types.CursorValue{
			Type:  types.CursorBlockNumber,
			Value: strconv.FormatInt(block, 10),
		},
		LastRecordID: lastHash,
		TotalFetched: total,
		Meta: types.CursorMeta{
			ProviderName: providerName,
			UpdatedAt:    time.Now().UTC(),
			IsComplete:   complete,
		},
	}
	if lastHash != "" {
		cur.Alternatives = []types.CursorValue{
			{Type: types.CursorTxHash, Value: lastHash},
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
		{Type: types.CursorBlockNumber, Value: strconv.FormatInt(norm.Height, 10)},
		{Type: types.CursorTxHash, Value: norm.TxHash},
	}
}

func (c *Client) ApplyReplayWindow(cur types.Cursor) types.Cursor {
	return provider.ShiftCursor(cur, capabilities.ReplayWindow)
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	params := url.Values{"module": {"proxy"}, "action": {"eth_blockNumber"}, "apikey": {c.apiKey}}
	var resp struct {
		Result string `json:"result"`
	}
	if err := c.http.GetJSON(ctx, "", params, &resp); err != nil {
		return false
	}
	return resp.Result != ""
}

// weiToEth scales an integer base-unit string down by the asset's
// decimals.
func weiToEth(value string, decimals int) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(int32(-decimals)), nil
}
