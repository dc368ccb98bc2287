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

package processor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

func TestSuspiciousSymbol(t *testing.T) {
	for _, sym := range []string{
		"Visit site.com to claim", "AIRDROP", "www.free-eth.net",
		"t.me/freetokens", "REWARDTOKEN.XYZ", strings.Repeat("A", 21),
	} {
		assert.True(t, suspiciousSymbol(sym), "symbol %q should be flagged", sym)
	}
	for _, sym := range []string{"BTC", "ETH", "UNI", "USDC", "1INCH", "SHIB"} {
		assert.False(t, suspiciousSymbol(sym), "symbol %q should pass", sym)
	}
}

func TestAllBelowDust(t *testing.T) {
	dust := d("0.0001")

	assert.True(t, allBelowDust([]types.AssetMovement{
		{Asset: types.NewCurrency("BTC"), NetAmount: d("0.00000546")},
	}, dust))

	// One inflow at or above the threshold keeps the transaction.
	assert.False(t, allBelowDust([]types.AssetMovement{
		{Asset: types.NewCurrency("BTC"), NetAmount: d("0.00000546")},
		{Asset: types.NewCurrency("BTC"), NetAmount: d("0.0001")},
	}, dust))

	// Fiat is never dust regardless of magnitude.
	assert.False(t, allBelowDust([]types.AssetMovement{
		{Asset: types.NewCurrency("USD"), NetAmount: d("0.00001")},
	}, dust))

	assert.False(t, allBelowDust(nil, dust))
}

func newTestFilter(t *testing.T, dust string) (*ScamFilter, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f, err := NewScamFilter(db, d(dust), zap.NewNop())
	require.NoError(t, err)
	return f, db
}

func inflowTx(asset, net string) *types.UniversalTransaction {
	return &types.UniversalTransaction{
		Movements: types.Movements{
			Inflows: []types.AssetMovement{{
				Asset:       types.NewCurrency(asset),
				GrossAmount: d(net),
				NetAmount:   d(net),
			}},
		},
	}
}

func TestFilterOnlyExcludesPureInflows(t *testing.T) {
	f, _ := newTestFilter(t, "0.0001")
	ctx := context.Background()

	// An outflow of a scam-looking symbol is still the holder's own action.
	tx := &types.UniversalTransaction{
		Movements: types.Movements{
			Outflows: []types.AssetMovement{{
				Asset:       types.NewCurrency("VISIT-CLAIM.COM"),
				GrossAmount: d("1"),
				NetAmount:   d("1"),
			}},
		},
	}
	v, err := f.Check(ctx, "ethereum", tx, Group{})
	require.NoError(t, err)
	assert.Equal(t, VerdictKeep, v)

	v, err = f.Check(ctx, "ethereum", &types.UniversalTransaction{}, Group{})
	require.NoError(t, err)
	assert.Equal(t, VerdictKeep, v)
}

func TestFilterScamSymbolAndDust(t *testing.T) {
	f, _ := newTestFilter(t, "0.0001")
	ctx := context.Background()

	v, err := f.Check(ctx, "ethereum", inflowTx("CLAIM-ETH.IO", "500"), Group{})
	require.NoError(t, err)
	assert.Equal(t, VerdictScamSymbol, v)

	v, err = f.Check(ctx, "bitcoin", inflowTx("BTC", "0.00000546"), Group{})
	require.NoError(t, err)
	assert.Equal(t, VerdictDust, v)

	v, err = f.Check(ctx, "bitcoin", inflowTx("BTC", "0.5"), Group{})
	require.NoError(t, err)
	assert.Equal(t, VerdictKeep, v)
}

func TestFilterZeroDustThresholdDisablesDust(t *testing.T) {
	f, _ := newTestFilter(t, "0")

	v, err := f.Check(context.Background(), "bitcoin", inflowTx("BTC", "0.00000001"), Group{})
	require.NoError(t, err)
	assert.Equal(t, VerdictKeep, v)
}

func TestFilterTokenVerdictPersists(t *testing.T) {
	f, db := newTestFilter(t, "0.0001")
	ctx := context.Background()

	g := Group{Rows: []Row{row(1, types.NormalizedRow{
		TxHash:        "0xaa",
		Asset:         "Visit eth-drop.xyz",
		TokenContract: "0xBAD",
	})}}
	v, err := f.Check(ctx, "ethereum", inflowTx("Visit eth-drop.xyz", "99999"), g)
	require.NoError(t, err)
	assert.Equal(t, VerdictScamToken, v)

	// The verdict was judged once and written through to the store.
	meta, ok, err := db.GetTokenMeta(ctx, "ethereum", "0xBAD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta.Scam)

	// A stored verdict wins over the current symbol: the same contract
	// stays flagged even if a later row carries an innocent symbol.
	g2 := Group{Rows: []Row{row(2, types.NormalizedRow{
		TxHash:        "0xbb",
		Asset:         "UNI",
		TokenContract: "0xBAD",
	})}}
	v, err = f.Check(ctx, "ethereum", inflowTx("UNI", "99999"), g2)
	require.NoError(t, err)
	assert.Equal(t, VerdictScamToken, v)
}
