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

// Package coinbase implements an exchange provider over the Coinbase
// v2 API. Coinbase reports a send's amount gross of the network fee;
// the matching interpretation strategy splits it back apart. The
// stream walks every wallet of the authenticated user, paging each by
// the API's opaque starting_after token.
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	providerName = "coinbase"
	pageSize     = 100
	apiKeyEnv    = "COINBASE_API_KEY"
	apiSecretEnv = "COINBASE_SECRET"
	apiVersion   = "2024-01-01"
)

var capabilities = provider.Capabilities{
	SupportedOperations: []provider.OpKind{
		provider.OpGetAddressBalances,
		provider.OpStreamTransactions,
	},
	SupportedCursorTypes: []types.CursorType{types.CursorPageToken, types.CursorTimestamp},
	PreferredCursorType:  types.CursorPageToken,
	ReplayWindow:         types.ReplayWindow{Minutes: 30},
	Streams:              []string{types.StreamLedger},
}

func Register(reg *provider.Registry) {
	meta := provider.Metadata{
		Name:           providerName,
		Exchange:       "coinbase",
		BaseURL:        "https://api.coinbase.com",
		RequiresAPIKey: true,
		APIKeyEnvVar:   apiKeyEnv,
		Capabilities:   capabilities,
		DefaultConfig: provider.ClientConfig{
			RateLimit: provider.RateLimitOptions{RequestsPerSecond: 3, BurstLimit: 3},
			Retries:   2,
			Timeout:   30 * time.Second,
		},
		Priority: 10,
	}
	reg.Register(meta, func(meta provider.Metadata, cfg provider.ClientConfig, log *zap.Logger) (provider.Client, error) {
		key, secret := os.Getenv(apiKeyEnv), os.Getenv(apiSecretEnv)
		if key == "" || secret == "" {
			return nil, errors.Errorf("coinbase: %s and %s must be set", apiKeyEnv, apiSecretEnv)
		}
		return &Client{
			meta:   meta,
			apiKey: key,
			secret: []byte(secret),
			http:   provider.NewHTTPClient(meta.BaseURL, cfg.Timeout, log),
			log:    log,
		}, nil
	})
}

type Client struct {
	meta   provider.Metadata
	apiKey string
	secret []byte
	http   *provider.HTTPClient
	log    *zap.Logger
}

func (c *Client) Metadata() provider.Metadata { return c.meta }

// get performs a signed GET. CB-ACCESS-SIGN is
// hex(HMAC-SHA256(timestamp + method + path, secret)).
func (c *Client) get(ctx context.Context, path string, out any) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ts + "GET" + path))
	sign := hex.EncodeToString(mac.Sum(nil))

	// Signed per request; the shared header set would leak a stale
	// signature into the next call.
	signed := provider.NewHTTPClient(c.meta.BaseURL, 0, c.log)
	signed.SetHeader("CB-ACCESS-KEY", c.apiKey)
	signed.SetHeader("CB-ACCESS-SIGN", sign)
	signed.SetHeader("CB-ACCESS-TIMESTAMP", ts)
	signed.SetHeader("CB-VERSION", apiVersion)
	return signed.GetJSON(ctx, path, nil, out)
}

type money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type account struct {
	ID      string `json:"id"`
	Balance money  `json:"balance"`
}

type page[T any] struct {
	Pagination struct {
		NextStartingAfter *string `json:"next_starting_after"`
	} `json:"pagination"`
	Data []T `json:"data"`
}

func (c *Client) accounts(ctx context.Context) ([]account, error) {
	var all []account
	after := ""
	for {
		path := "/v2/accounts?limit=" + strconv.Itoa(pageSize)
		if after != "" {
			path += "&starting_after=" + url.QueryEscape(after)
		}
		var resp page[account]
		if err := c.get(ctx, path, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Data...)
		if resp.Pagination.NextStartingAfter == nil {
			return all, nil
		}
		after = *resp.Pagination.NextStartingAfter
	}
}

func (c *Client) GetAddressBalances(ctx context.Context, _ string) ([]provider.Balance, error) {
	accounts, err := c.accounts(ctx)
	if err != nil {
		return nil, err
	}
	totals := map[types.Currency]decimal.Decimal{}
	for _, a := range accounts {
		if a.Balance.Amount.IsZero() {
			continue
		}
		cur := types.NewCurrency(a.Balance.Currency)
		totals[cur] = totals[cur].Add(a.Balance.Amount)
	}
	balances := make([]provider.Balance, 0, len(totals))
	for cur, amount := range totals {
		balances = append(balances, provider.Balance{Asset: cur, Amount: amount})
	}
	return balances, nil
}

func (c *Client) GetAddressTokenBalances(ctx context.Context, _ string, _ []provider.TokenRef) ([]provider.Balance, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (c *Client) HasAddressTransactions(ctx context.Context, _ string) (bool, error) {
	return false, provider.ErrUnsupportedOperation
}

type transaction struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Amount    money  `json:"amount"`
	CreatedAt string `json:"created_at"`
	Network   struct {
		Hash           string `json:"hash"`
		TransactionFee *money `json:"transaction_fee"`
	} `json:"network"`
}

func (c *Client) StreamTransactions(ctx context.Context, _, stream string, resume *types.Cursor) <-chan provider.StreamItem {
	out := make(chan provider.StreamItem)
	go func() {
		defer close(out)
		c.stream(ctx, resume, out)
	}()
	return out
}

// The page token carries both positions: "walletID|startingAfter".
func (c *Client) stream(ctx context.Context, resume *types.Cursor, out chan<- provider.StreamItem) {
	skipWallet, after := "", ""
	total := int64(0)
	if resume != nil {
		total = resume.TotalFetched
		if v, ok := resume.Alternative(types.CursorPageToken); ok && v.ProviderName == providerName {
			if wallet, rest, found := strings.Cut(v.Value, "|"); found {
				skipWallet, after = wallet, rest
			}
		}
	}

	wallets, err := c.accounts(ctx)
	if err != nil {
		out <- provider.StreamItem{Err: err}
		return
	}

	started := skipWallet == ""
	lastTS := int64(0)
	for wi, wallet := range wallets {
		if !started {
			if wallet.ID != skipWallet {
				continue
			}
			started = true
		} else {
			after = ""
		}
		for {
			path := "/v2/accounts/" + url.PathEscape(wallet.ID) + "/transactions?limit=" + strconv.Itoa(pageSize)
			if after != "" {
				path += "&starting_after=" + url.QueryEscape(after)
			}
			var resp page[transaction]
			if err := c.get(ctx, path, &resp); err != nil {
				out <- provider.StreamItem{Err: err}
				return
			}

			var records []provider.Record
			lastID := ""
			for _, tx := range resp.Data {
				rec, ts, err := toRecord(tx)
				if err != nil {
					out <- provider.StreamItem{Err: err}
					return
				}
				records = append(records, rec)
				lastID = tx.ID
				if ts > lastTS {
					lastTS = ts
				}
			}
			total += int64(len(records))

			morePages := resp.Pagination.NextStartingAfter != nil
			lastWallet := wi == len(wallets)-1
			done := !morePages && lastWallet
			if morePages {
				after = *resp.Pagination.NextStartingAfter
			}

			batch := provider.BatchResult{
				Records:    records,
				IsComplete: done,
				Cursor:     cursorAt(wallet.ID, after, lastID, lastTS, total, done),
			}
			select {
			case out <- provider.StreamItem{Batch: &batch}:
			case <-ctx.Done():
				return
			}
			if done {
				return
			}
			if !morePages {
				break
			}
		}
	}
}

func cursorAt(walletID, after, lastID string, lastTS, total int64, complete bool) types.Cursor {
	cur := types.Cursor{
		Primary: types.CursorValue{
			Type:         types.CursorPageToken,
			Value:        walletID + "|" + after,
			ProviderName: providerName,
		},
		LastRecordID: lastID,
		TotalFetched: total,
		Meta: types.CursorMeta{
			ProviderName: providerName,
			UpdatedAt:    time.Now().UTC(),
			IsComplete:   complete,
		},
	}
	if lastTS > 0 {
		cur.Alternatives = []types.CursorValue{
			{Type: types.CursorTimestamp, Value: strconv.FormatInt(lastTS, 10)},
		}
	}
	return cur
}

func toRecord(tx transaction) (provider.Record, int64, error) {
	created, err := time.Parse(time.RFC3339, tx.CreatedAt)
	if err != nil {
		return provider.Record{}, 0, errors.Wrapf(err, "tx %s: created_at", tx.ID)
	}

	norm := types.NormalizedRow{
		TxHash:    tx.Network.Hash,
		Timestamp: created.Unix(),
		Status:    mapStatus(tx.Status),
		Amount:    tx.Amount.Amount,
		Asset:     tx.Amount.Currency,
		RowType:   tx.Type,
	}
	if fee := tx.Network.TransactionFee; fee != nil {
		norm.Fee = fee.Amount
		norm.FeeAsset = fee.Currency
	}
	normJSON, err := json.Marshal(norm)
	if err != nil {
		return provider.Record{}, 0, err
	}
	rawJSON, err := json.Marshal(tx)
	if err != nil {
		return provider.Record{}, 0, err
	}
	return provider.Record{
		EventID:    tx.ID,
		ExternalID: tx.ID,
		Stream:     types.StreamLedger,
		Raw:        rawJSON,
		Normalized: normJSON,
	}, created.Unix(), nil
}

func mapStatus(status string) string {
	switch status {
	case "completed":
		return "success"
	case "pending", "waiting_for_clearing", "waiting_for_signature":
		return "pending"
	default:
		return "failed"
	}
}

func (c *Client) ExtractCursors(rec provider.Record) []types.CursorValue {
	var norm types.NormalizedRow
	if err := json.Unmarshal(rec.Normalized, &norm); err != nil {
		return nil
	}
	return []types.CursorValue{
		{Type: types.CursorTimestamp, Value: strconv.FormatInt(norm.Timestamp, 10)},
	}
}

func (c *Client) ApplyReplayWindow(cur types.Cursor) types.Cursor {
	return provider.ShiftCursor(cur, capabilities.ReplayWindow)
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	var resp struct {
		Data struct {
			ISO string `json:"iso"`
		} `json:"data"`
	}
	plain := provider.NewHTTPClient(c.meta.BaseURL, 0, c.log)
	if err := plain.GetJSON(ctx, "/v2/time", nil, &resp); err != nil {
		return false
	}
	return resp.Data.ISO != ""
}
