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

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

// Symbols carrying these fragments are airdropped bait, not assets.
var scamSymbolFragments = []string{
	"claim", "visit", "airdrop", "reward", ".com", ".io", ".xyz",
	"www.", "http", "t.me/",
}

const tokenCacheSize = 4096

// ScamFilter classifies unsolicited inflows as excluded before they
// reach the transaction table. Verdicts for token contracts are
// memoised in an LRU backed by the token_metadata table, so a contract
// is judged once per chain.
type ScamFilter struct {
	db    *store.DB
	log   *zap.Logger
	dust  decimal.Decimal
	cache *lru.Cache[string, store.TokenMeta]
}

// NewScamFilter builds a filter with the given dust threshold. A zero
// threshold disables dust exclusion.
func NewScamFilter(db *store.DB, dust decimal.Decimal, log *zap.Logger) (*ScamFilter, error) {
	cache, err := lru.New[string, store.TokenMeta](tokenCacheSize)
	if err != nil {
		return nil, err
	}
	return &ScamFilter{db: db, log: log, dust: dust, cache: cache}, nil
}

// Verdict names why a transaction was excluded. Empty means keep.
type Verdict string

const (
	VerdictKeep       Verdict = ""
	VerdictScamToken  Verdict = "scam_token"
	VerdictScamSymbol Verdict = "scam_symbol"
	VerdictDust       Verdict = "dust"
)

// Check classifies a built transaction. Only pure inflows can be
// excluded; anything the account holder initiated (outflows, trades)
// is always kept regardless of amounts involved.
func (f *ScamFilter) Check(ctx context.Context, chain string, tx *types.UniversalTransaction, g Group) (Verdict, error) {
	if len(tx.Movements.Outflows) > 0 || len(tx.Movements.Inflows) == 0 {
		return VerdictKeep, nil
	}
	for _, r := range g.Rows {
		if r.Norm.TokenContract == "" {
			continue
		}
		meta, err := f.tokenMeta(ctx, chain, r.Norm.TokenContract, r.Norm.Asset)
		if err != nil {
			return VerdictKeep, err
		}
		if meta.Scam {
			return VerdictScamToken, nil
		}
	}
	for _, in := range tx.Movements.Inflows {
		if suspiciousSymbol(string(in.Asset)) {
			return VerdictScamSymbol, nil
		}
	}
	if f.dust.IsPositive() && allBelowDust(tx.Movements.Inflows, f.dust) {
		return VerdictDust, nil
	}
	return VerdictKeep, nil
}

// tokenMeta resolves contract metadata through the LRU, falling back to
// the store, and judging fresh contracts by their symbol.
func (f *ScamFilter) tokenMeta(ctx context.Context, chain, contract, symbol string) (store.TokenMeta, error) {
	key := chain + ":" + contract
	if m, ok := f.cache.Get(key); ok {
		return m, nil
	}
	m, ok, err := f.db.GetTokenMeta(ctx, chain, contract)
	if err != nil {
		return store.TokenMeta{}, err
	}
	if !ok {
		m = store.TokenMeta{
			Chain:    chain,
			Contract: contract,
			Symbol:   symbol,
			Scam:     suspiciousSymbol(symbol),
		}
		if err := f.db.PutTokenMeta(ctx, m); err != nil {
			return store.TokenMeta{}, err
		}
		if m.Scam {
			f.log.Debug("token contract flagged as scam",
				zap.String("chain", chain),
				zap.String("contract", contract),
				zap.String("symbol", symbol))
		}
	}
	f.cache.Add(key, m)
	return m, nil
}

func suspiciousSymbol(symbol string) bool {
	s := strings.ToLower(symbol)
	if len(s) > 20 {
		return true
	}
	for _, frag := range scamSymbolFragments {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

func allBelowDust(inflows []types.AssetMovement, dust decimal.Decimal) bool {
	for _, in := range inflows {
		if in.Asset.IsFiat() {
			return false
		}
		if in.NetAmount.GreaterThanOrEqual(dust) {
			return false
		}
	}
	return len(inflows) > 0
}
