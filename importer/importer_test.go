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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/engine"
	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func TestIsExtendedKey(t *testing.T) {
	for _, key := range []string{
		"xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz",
		"ypub6Ww3ibxVfGzLrAH1PNcjyAWenMTbbAosGNB6VvmSEgytSER9azLDWCxoJwW7Ke7icmizBMXrzBx9979FfaHxHcrArf3zbeJJJUZPf663zsP",
		"zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs",
		"tpubD6NzVbkrYhZ4XgiXtGrdW5XDAPFCL9h7we1vwNCpn8tGbBcgfVYjXyhWo4E1xkh56hjod1RhGjxbaTLV3X4FyWuejifB9jusQ46QzG87VKp",
		"  xpub6CUGRUo",
	} {
		assert.True(t, isExtendedKey(key), key)
	}
	for _, id := range []string{
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		"0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		"kraken",
		"",
	} {
		assert.False(t, isExtendedKey(id), id)
	}
}

func TestNetParamsFor(t *testing.T) {
	assert.Equal(t, &chaincfg.MainNetParams, netParamsFor("xpub6CUGRUo"))
	assert.Equal(t, &chaincfg.MainNetParams, netParamsFor("zpub6rFR7y4"))
	assert.Equal(t, &chaincfg.TestNet3Params, netParamsFor("tpubD6NzVbk"))
	assert.Equal(t, &chaincfg.TestNet3Params, netParamsFor("vpub5SLqN2b"))
}

func TestParseCSVTime(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"2023-11-14 22:13:20", 1700000000},
		{"2023-11-14T22:13:20", 1700000000},
		{"2023-11-14T22:13:20Z", 1700000000},
		{"2023-11-14", 1699920000},
	} {
		got, err := parseCSVTime(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseCSVTime("14/11/2023")
	assert.Error(t, err)
}

func TestCSVRowToRaw(t *testing.T) {
	acct := types.Account{ID: 3, SourceName: "kraken"}
	cols := map[string]int{
		"txid": 0, "refid": 1, "ordertxid": 2, "time": 3,
		"type": 4, "asset": 5, "amount": 6, "fee": 7,
	}

	rec := []string{"L1", "R1", "", "2023-11-14 22:13:20", "Withdrawal", "BTC", "-0.00648264", "0.0004"}
	raw, ts, err := csvRowToRaw(acct, cols, rec, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts)
	assert.Equal(t, int64(3), raw.AccountID)
	assert.Equal(t, "L1", raw.EventID)

	var norm types.NormalizedRow
	require.NoError(t, json.Unmarshal(raw.NormalizedData, &norm))
	assert.Equal(t, "R1", norm.CorrelationID)
	assert.Equal(t, "withdrawal", norm.RowType)
	assert.True(t, norm.Amount.Equal(decimalFromString(t, "-0.00648264")))
	assert.True(t, norm.Fee.Equal(decimalFromString(t, "0.0004")))

	// A row without a txid gets a digest id, stable across re-reads.
	rec[0] = ""
	again1, _, err := csvRowToRaw(acct, cols, rec, 2)
	require.NoError(t, err)
	again2, _, err := csvRowToRaw(acct, cols, rec, 2)
	require.NoError(t, err)
	assert.Equal(t, again1.EventID, again2.EventID)
	assert.Contains(t, again1.EventID, "csv-")
}

const krakenLedgerCSV = `txid,refid,time,type,asset,amount,fee
L1,R1,2023-11-14 22:13:20,withdrawal,BTC,-0.00648264,0
L2,R1,2023-11-14 22:13:20,fee,BTC,-0.0004,0
L3,R2,2023-11-15 10:00:00,deposit,USD,500,0
`

func TestImportCSV(t *testing.T) {
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	path := filepath.Join(t.TempDir(), "ledgers.csv")
	require.NoError(t, os.WriteFile(path, []byte(krakenLedgerCSV), 0o600))

	im := New(db, nil, event.NewBus(), Config{}, zap.NewNop())
	ctx := context.Background()

	res, err := im.ImportCSV(ctx, "kraken", path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Imported)
	assert.EqualValues(t, 0, res.Skipped)

	acct, err := db.GetAccount(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Equal(t, types.SourceExchangeCSV, acct.SourceType)
	assert.Equal(t, "kraken-csv", acct.Identifier)

	session, err := db.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, session.Status)
	cur := session.CursorsByStream[types.StreamLedger]
	require.NotNil(t, cur)
	assert.Equal(t, types.CursorTimestamp, cur.Primary.Type)
	assert.Equal(t, "1700042400", cur.Primary.Value)
	assert.True(t, cur.Meta.IsComplete)

	// Re-importing the same file is a no-op.
	res, err = im.ImportCSV(ctx, "kraken", path)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Imported)
	assert.EqualValues(t, 3, res.Skipped)

	pending, err := db.PendingRaw(ctx, res.AccountID)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestImportCSVMissingColumn(t *testing.T) {
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("time,asset\n2023-11-14,BTC\n"), 0o600))

	im := New(db, nil, event.NewBus(), Config{}, zap.NewNop())
	_, err = im.ImportCSV(context.Background(), "kraken", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount")

	// The failed ingest marks its session failed, blocking processing
	// until a successful import.
	acct, err := db.CreateOrGetAccount(context.Background(), types.Account{
		UserID: 1, SourceName: "kraken", SourceType: types.SourceExchangeCSV, Identifier: "kraken-csv",
	})
	require.NoError(t, err)
	blocked, err := db.ProcessingBlocked(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.True(t, blocked)
}

// balanceClient serves canned live balances for verification tests.
type balanceClient struct {
	meta   provider.Metadata
	native []provider.Balance
	tokens []provider.Balance

	mu        sync.Mutex
	tokenReqs [][]provider.TokenRef
}

func (c *balanceClient) Metadata() provider.Metadata { return c.meta }

func (c *balanceClient) GetAddressBalances(ctx context.Context, address string) ([]provider.Balance, error) {
	return c.native, nil
}

func (c *balanceClient) GetAddressTokenBalances(ctx context.Context, address string, tokens []provider.TokenRef) ([]provider.Balance, error) {
	c.mu.Lock()
	c.tokenReqs = append(c.tokenReqs, tokens)
	c.mu.Unlock()
	return c.tokens, nil
}

func (c *balanceClient) HasAddressTransactions(ctx context.Context, address string) (bool, error) {
	return true, nil
}

func (c *balanceClient) StreamTransactions(ctx context.Context, address, stream string, resume *types.Cursor) <-chan provider.StreamItem {
	ch := make(chan provider.StreamItem)
	close(ch)
	return ch
}

func (c *balanceClient) ExtractCursors(rec provider.Record) []types.CursorValue { return nil }
func (c *balanceClient) ApplyReplayWindow(cur types.Cursor) types.Cursor        { return cur }
func (c *balanceClient) IsHealthy(ctx context.Context) bool                     { return true }

func TestVerifyBalanceIncludesTokens(t *testing.T) {
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	uid, err := db.EnsureUser(ctx, store.DefaultUserName)
	require.NoError(t, err)
	acct, err := db.CreateOrGetAccount(ctx, types.Account{
		UserID: uid, SourceName: "ethereum", SourceType: types.SourceBlockchain,
		Identifier: "0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, db.UpsertTransactions(ctx, acct.ID, []types.UniversalTransaction{
		{
			ExternalID: "0xaaa", Source: "ethereum", SourceType: types.SourceBlockchain,
			Datetime: now, Timestamp: now.Unix(), Status: types.TxSuccess, Operation: types.OpDeposit,
			Movements: types.Movements{Inflows: []types.AssetMovement{
				{Asset: "ETH", GrossAmount: decimalFromString(t, "2"), NetAmount: decimalFromString(t, "2")},
			}},
		},
		{
			ExternalID: "0xbbb", Source: "ethereum", SourceType: types.SourceBlockchain,
			Datetime: now, Timestamp: now.Unix(), Status: types.TxSuccess, Operation: types.OpDeposit,
			Movements: types.Movements{Inflows: []types.AssetMovement{
				{Asset: "UNI", GrossAmount: decimalFromString(t, "1.5"), NetAmount: decimalFromString(t, "1.5")},
			}},
		},
	}))

	// Two known contracts; the scam one must never reach the provider.
	require.NoError(t, db.PutTokenMeta(ctx, store.TokenMeta{
		Chain: "ethereum", Contract: "0xuni", Symbol: "UNI", Decimals: 18,
	}))
	require.NoError(t, db.PutTokenMeta(ctx, store.TokenMeta{
		Chain: "ethereum", Contract: "0xbad", Symbol: "FREE-AIRDROP", Decimals: 18, Scam: true,
	}))

	client := &balanceClient{
		meta: provider.Metadata{
			Name:       "ethscan",
			Blockchain: "ethereum",
			Capabilities: provider.Capabilities{
				SupportedOperations: []provider.OpKind{
					provider.OpGetAddressBalances,
					provider.OpGetAddressTokenBalances,
				},
			},
		},
		native: []provider.Balance{{Asset: "ETH", Amount: decimalFromString(t, "2")}},
		tokens: []provider.Balance{{Asset: "UNI", Amount: decimalFromString(t, "1.5")}},
	}
	reg := provider.NewRegistry(nil)
	reg.Register(client.meta, nil)
	eng := engine.New(reg, nil, nil, nil, engine.Config{})
	eng.UseClient(client)

	im := New(db, eng, event.NewBus(), Config{}, zap.NewNop())
	checks, err := im.VerifyBalance(ctx, acct.ID)
	require.NoError(t, err)

	require.Len(t, checks, 2)
	assert.Equal(t, types.NewCurrency("ETH"), checks[0].Asset)
	assert.True(t, checks[0].Match)
	assert.Equal(t, types.NewCurrency("UNI"), checks[1].Asset)
	assert.True(t, checks[1].Match)

	require.Len(t, client.tokenReqs, 1)
	require.Len(t, client.tokenReqs[0], 1)
	assert.Equal(t, "0xuni", client.tokenReqs[0][0].Contract)
}
