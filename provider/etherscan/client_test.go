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

package etherscan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

const testAddress = "0x1111111111111111111111111111111111111111"

func newTestClient(baseURL string) *Client {
	return &Client{
		meta: provider.Metadata{
			Name:         providerName,
			Blockchain:   "ethereum",
			BaseURL:      baseURL,
			Capabilities: capabilities,
		},
		apiKey: "test",
		http:   provider.NewHTTPClient(baseURL, time.Second, zap.NewNop()),
		log:    zap.NewNop(),
	}
}

func writeEnvelope(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(envelope{Status: "1", Message: "OK", Result: raw})
}

func TestStreamInternalTransfersGetDistinctEventIDs(t *testing.T) {
	// One contract call that moved value twice: the trace rows share
	// the hash and carry no transactionIndex.
	transfers := []normalTx{
		{Hash: "0xabc", BlockNumber: "100", TimeStamp: "1700000000",
			From: "0x2222", To: testAddress, Value: "1000000000000000000", IsError: "0"},
		{Hash: "0xabc", BlockNumber: "100", TimeStamp: "1700000000",
			From: "0x3333", To: testAddress, Value: "500000000000000000", IsError: "0"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "txlistinternal", r.URL.Query().Get("action"))
		writeEnvelope(w, transfers)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var records []provider.Record
	for item := range c.StreamTransactions(context.Background(), testAddress, types.StreamInternal, nil) {
		require.NoError(t, item.Err)
		records = append(records, item.Batch.Records...)
	}

	require.Len(t, records, 2)
	assert.Equal(t, "0xabc:internal:0", records[0].EventID)
	assert.Equal(t, "0xabc:internal:1", records[1].EventID)
	assert.Equal(t, "0xabc", records[0].ExternalID)
	assert.Equal(t, "0xabc", records[1].ExternalID)
}

func TestGetAddressTokenBalances(t *testing.T) {
	balances := map[string]string{
		"0xuni":  "1500000000000000000", // 1.5 at 18 decimals
		"0xusdc": "0",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tokenbalance", r.URL.Query().Get("action"))
		require.Equal(t, testAddress, r.URL.Query().Get("address"))
		raw, ok := balances[r.URL.Query().Get("contractaddress")]
		require.True(t, ok)
		writeEnvelope(w, raw)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.GetAddressTokenBalances(context.Background(), testAddress, []provider.TokenRef{
		{Contract: "0xuni", Symbol: "UNI", Decimals: 18},
		{Contract: "0xusdc", Symbol: "USDC", Decimals: 6},
	})
	require.NoError(t, err)

	// Zero positions are dropped; the rest are scaled by decimals.
	require.Len(t, got, 1)
	assert.Equal(t, types.NewCurrency("UNI"), got[0].Asset)
	assert.True(t, got[0].Amount.Equal(decimal.RequireFromString("1.5")))
}

func TestTokenBalancesDeclaredInCapabilities(t *testing.T) {
	assert.True(t, capabilities.SupportsOperation(provider.OpGetAddressTokenBalances))
}
