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

// Package kraken implements an exchange provider over the Kraken REST
// API. The ledger endpoint is the source of truth: every balance
// mutation (trade legs, deposits, withdrawals, standalone fee rows)
// appears exactly once, correlated by refid.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"sort"
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
	providerName = "kraken"
	pageSize     = 50 // fixed by the Ledgers endpoint
	apiKeyEnv    = "KRAKEN_API_KEY"
	apiSecretEnv = "KRAKEN_SECRET"
)

// Kraken's legacy asset codes.
var assetAliases = map[string]string{
	"XXBT": "BTC", "XBT": "BTC", "XETH": "ETH", "XXRP": "XRP",
	"XLTC": "LTC", "XXLM": "XLM", "XXMR": "XMR", "XZEC": "ZEC",
	"ZUSD": "USD", "ZEUR": "EUR", "ZGBP": "GBP", "ZCAD": "CAD",
	"ZJPY": "JPY", "ZAUD": "AUD", "ZCHF": "CHF",
}

var capabilities = provider.Capabilities{
	SupportedOperations: []provider.OpKind{
		provider.OpGetAddressBalances,
		provider.OpStreamTransactions,
	},
	SupportedCursorTypes: []types.CursorType{types.CursorTimestamp},
	PreferredCursorType:  types.CursorTimestamp,
	ReplayWindow:         types.ReplayWindow{Minutes: 15},
	Streams:              []string{types.StreamLedger},
}

func Register(reg *provider.Registry) {
	meta := provider.Metadata{
		Name:           providerName,
		Exchange:       "kraken",
		BaseURL:        "https://api.kraken.com",
		RequiresAPIKey: true,
		APIKeyEnvVar:   apiKeyEnv,
		Capabilities:   capabilities,
		DefaultConfig: provider.ClientConfig{
			RateLimit: provider.RateLimitOptions{RequestsPerSecond: 1, BurstLimit: 2},
			Retries:   2,
			Timeout:   30 * time.Second,
		},
		Priority: 10,
	}
	reg.Register(meta, func(meta provider.Metadata, cfg provider.ClientConfig, log *zap.Logger) (provider.Client, error) {
		key, secret := os.Getenv(apiKeyEnv), os.Getenv(apiSecretEnv)
		if key == "" || secret == "" {
			return nil, errors.Errorf("kraken: %s and %s must be set", apiKeyEnv, apiSecretEnv)
		}
		secretBytes, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, errors.Wrap(err, "kraken: decode secret")
		}
		return &Client{
			meta:   meta,
			apiKey: key,
			secret: secretBytes,
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

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// private posts a signed request. API-Sign is
// HMAC-SHA512(path + SHA256(nonce + body), secret).
func (c *Client) private(ctx context.Context, path string, form url.Values, out any) error {
	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	form.Set("nonce", nonce)
	body := form.Encode()

	inner := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var env envelope
	err := c.http.PostForm(ctx, path, form, map[string]string{
		"API-Key":  c.apiKey,
		"API-Sign": sign,
	}, &env)
	if err != nil {
		return err
	}
	if len(env.Error) > 0 {
		return errors.Errorf("kraken: %s", strings.Join(env.Error, "; "))
	}
	return json.Unmarshal(env.Result, out)
}

func (c *Client) GetAddressBalances(ctx context.Context, _ string) ([]provider.Balance, error) {
	var result map[string]decimal.Decimal
	if err := c.private(ctx, "/0/private/Balance", url.Values{}, &result); err != nil {
		return nil, err
	}
	balances := make([]provider.Balance, 0, len(result))
	for code, amount := range result {
		balances = append(balances, provider.Balance{
			Asset:  types.NewCurrency(normalizeAsset(code)),
			Amount: amount,
		})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
	return balances, nil
}

func (c *Client) GetAddressTokenBalances(ctx context.Context, _ string, _ []provider.TokenRef) ([]provider.Balance, error) {
	return nil, provider.ErrUnsupportedOperation
}

func (c *Client) HasAddressTransactions(ctx context.Context, _ string) (bool, error) {
	return false, provider.ErrUnsupportedOperation
}

type ledgerEntry struct {
	RefID  string          `json:"refid"`
	Time   float64         `json:"time"`
	Type   string          `json:"type"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
}

type ledgersResult struct {
	Ledger map[string]ledgerEntry `json:"ledger"`
	Count  int                    `json:"count"`
}

func (c *Client) StreamTransactions(ctx context.Context, _, stream string, resume *types.Cursor) <-chan provider.StreamItem {
	out := make(chan provider.StreamItem)
	go func() {
		defer close(out)
		c.stream(ctx, resume, out)
	}()
	return out
}

func (c *Client) stream(ctx context.Context, resume *types.Cursor, out chan<- provider.StreamItem) {
	start := int64(0)
	total := int64(0)
	if resume != nil {
		total = resume.TotalFetched
		if v, ok := resume.Alternative(types.CursorTimestamp); ok {
			if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				start = n
			}
		}
	}

	offset := 0
	lastTS := start
	for {
		form := url.Values{"ofs": {strconv.Itoa(offset)}}
		if start > 0 {
			form.Set("start", strconv.FormatInt(start, 10))
		}
		var result ledgersResult
		if err := c.private(ctx, "/0/private/Ledgers", form, &result); err != nil {
			out <- provider.StreamItem{Err: err}
			return
		}

		entries := sortedEntries(result.Ledger)
		var records []provider.Record
		for _, e := range entries {
			rec, err := toRecord(e.id, e.entry)
			if err != nil {
				out <- provider.StreamItem{Err: err}
				return
			}
			records = append(records, rec)
			if ts := int64(e.entry.Time); ts > lastTS {
				lastTS = ts
			}
		}
		total += int64(len(records))
		offset += len(entries)
		done := len(entries) < pageSize

		batch := provider.BatchResult{
			Records:    records,
			IsComplete: done,
			Cursor: types.Cursor{
				Primary: types.CursorValue{
					Type:  types.CursorTimestamp,
					Value: strconv.FormatInt(lastTS, 10),
				},
				LastRecordID: lastRecordID(entries),
				TotalFetched: total,
				Meta: types.CursorMeta{
					ProviderName: providerName,
					UpdatedAt:    time.Now().UTC(),
					IsComplete:   done,
				},
			},
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

type keyedEntry struct {
	id    string
	entry ledgerEntry
}

// sortedEntries flattens the keyed ledger map into time order. Kraken
// returns a map, so ordering must be reimposed.
func sortedEntries(ledger map[string]ledgerEntry) []keyedEntry {
	out := make([]keyedEntry, 0, len(ledger))
	for id, e := range ledger {
		out = append(out, keyedEntry{id: id, entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].entry.Time != out[j].entry.Time {
			return out[i].entry.Time < out[j].entry.Time
		}
		return out[i].id < out[j].id
	})
	return out
}

func lastRecordID(entries []keyedEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].id
}

func toRecord(id string, e ledgerEntry) (provider.Record, error) {
	norm := types.NormalizedRow{
		Timestamp:     int64(e.Time),
		Amount:        e.Amount,
		Asset:         normalizeAsset(e.Asset),
		Fee:           e.Fee,
		FeeAsset:      normalizeAsset(e.Asset),
		CorrelationID: e.RefID,
		RowType:       e.Type,
	}
	normJSON, err := json.Marshal(norm)
	if err != nil {
		return provider.Record{}, err
	}
	rawJSON, err := json.Marshal(e)
	if err != nil {
		return provider.Record{}, err
	}
	return provider.Record{
		EventID:    id,
		ExternalID: id,
		Stream:     types.StreamLedger,
		Raw:        rawJSON,
		Normalized: normJSON,
	}, nil
}

func normalizeAsset(code string) string {
	if mapped, ok := assetAliases[code]; ok {
		return mapped
	}
	// Staking suffixes: ATOM.S, ETH2.S.
	return strings.TrimSuffix(code, ".S")
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
		Result struct {
			Unixtime int64 `json:"unixtime"`
		} `json:"result"`
	}
	if err := c.http.GetJSON(ctx, "/0/public/Time", nil, &resp); err != nil {
		return false
	}
	return resp.Result.Unixtime > 0
}
