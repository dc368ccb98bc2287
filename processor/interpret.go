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
	"github.com/pkg/errors"

	"github.com/jbelanger/exitbook-sub011/types"
)

// Interpretation is the money view of one group: what entered, what
// left, and what it cost. Amounts are always positive; direction lives
// in the inflow/outflow split.
type Interpretation struct {
	Inflows  []types.AssetMovement
	Outflows []types.AssetMovement
	Fees     []types.Fee
}

// Strategy turns a correlated group of rows into movements and fees.
// Each source registers the strategy matching how its API reports
// amounts relative to fees.
type Strategy interface {
	Interpret(g Group) (Interpretation, error)
}

// standardAmounts handles ledgers where row amounts are already net and
// fees are separate, either as a fee field on the row or as a dedicated
// fee row. Kraken's ledger works this way.
type standardAmounts struct{}

func (standardAmounts) Interpret(g Group) (Interpretation, error) {
	var out Interpretation
	for _, r := range g.Rows {
		asset := types.NewCurrency(r.Norm.Asset)
		if r.Norm.RowType == "fee" {
			out.Fees = append(out.Fees, types.Fee{
				Asset:      asset,
				Amount:     r.Norm.Amount.Abs(),
				Scope:      types.FeeScopePlatform,
				Settlement: types.FeeSettleBalance,
			})
			continue
		}
		amt := r.Norm.Amount.Abs()
		mv := types.AssetMovement{Asset: asset, GrossAmount: amt, NetAmount: amt}
		if r.Norm.Amount.IsNegative() {
			out.Outflows = mergeMovement(out.Outflows, mv)
		} else {
			out.Inflows = mergeMovement(out.Inflows, mv)
		}
		if r.Norm.Fee.IsPositive() {
			out.Fees = append(out.Fees, types.Fee{
				Asset:      feeAsset(r, asset),
				Amount:     r.Norm.Fee,
				Scope:      types.FeeScopePlatform,
				Settlement: types.FeeSettleBalance,
			})
		}
	}
	out.Fees = dedupFees(out.Fees)
	return out, nil
}

// coinbaseGrossAmounts handles ledgers where a withdrawal row's amount
// already includes the fee. The movement is split back into gross and
// net so the fee is never double counted: net = |amount| − fee, and the
// fee settles on chain out of the gross amount. Only withdrawal row
// types are gross-inclusive; a trade leg's fee is a plain platform
// charge against the balance.
type coinbaseGrossAmounts struct{}

// withdrawalRow matches the provider row classifications whose amount
// is gross of the network fee.
func withdrawalRow(rowType string) bool {
	switch rowType {
	case "send", "withdrawal", "fiat_withdrawal", "exchange_withdrawal", "pro_withdrawal":
		return true
	}
	return false
}

func (coinbaseGrossAmounts) Interpret(g Group) (Interpretation, error) {
	var out Interpretation
	for _, r := range g.Rows {
		asset := types.NewCurrency(r.Norm.Asset)
		amt := r.Norm.Amount.Abs()
		if withdrawalRow(r.Norm.RowType) && r.Norm.Amount.IsNegative() && r.Norm.Fee.IsPositive() {
			net := amt.Sub(r.Norm.Fee)
			if net.IsNegative() {
				return out, errors.Errorf("fee %s exceeds gross amount %s", r.Norm.Fee, amt)
			}
			out.Outflows = mergeMovement(out.Outflows, types.AssetMovement{
				Asset: asset, GrossAmount: amt, NetAmount: net,
			})
			out.Fees = append(out.Fees, types.Fee{
				Asset:      feeAsset(r, asset),
				Amount:     r.Norm.Fee,
				Scope:      types.FeeScopePlatform,
				Settlement: types.FeeSettleOnChain,
			})
			continue
		}
		mv := types.AssetMovement{Asset: asset, GrossAmount: amt, NetAmount: amt}
		if r.Norm.Amount.IsNegative() {
			out.Outflows = mergeMovement(out.Outflows, mv)
		} else {
			out.Inflows = mergeMovement(out.Inflows, mv)
		}
		if r.Norm.Fee.IsPositive() {
			out.Fees = append(out.Fees, types.Fee{
				Asset:      feeAsset(r, asset),
				Amount:     r.Norm.Fee,
				Scope:      types.FeeScopePlatform,
				Settlement: types.FeeSettleBalance,
			})
		}
	}
	out.Fees = dedupFees(out.Fees)
	return out, nil
}

// onchainAmounts handles chain explorers, where the transfer amount is
// what actually moved (net) and the network fee is paid on top of it.
// Outgoing: gross = net + fee when the fee is paid in the moved asset.
// Incoming rows never charge this account a fee.
type onchainAmounts struct{}

func (onchainAmounts) Interpret(g Group) (Interpretation, error) {
	var out Interpretation
	for _, r := range g.Rows {
		asset := types.NewCurrency(r.Norm.Asset)
		amt := r.Norm.Amount.Abs()
		if amt.IsZero() {
			// A zero-value row that still paid gas: a contract call
			// whose transfers show up on another stream of this hash.
			if r.Norm.Fee.IsPositive() {
				out.Fees = append(out.Fees, types.Fee{
					Asset:      feeAsset(r, asset),
					Amount:     r.Norm.Fee,
					Scope:      types.FeeScopeNetwork,
					Settlement: types.FeeSettleOnChain,
				})
			}
			continue
		}
		if !r.Norm.Amount.IsNegative() {
			out.Inflows = mergeMovement(out.Inflows, types.AssetMovement{
				Asset: asset, GrossAmount: amt, NetAmount: amt,
			})
			continue
		}
		fa := feeAsset(r, asset)
		gross := amt
		if r.Norm.Fee.IsPositive() && fa == asset {
			gross = amt.Add(r.Norm.Fee)
		}
		out.Outflows = mergeMovement(out.Outflows, types.AssetMovement{
			Asset: asset, GrossAmount: gross, NetAmount: amt,
		})
		if r.Norm.Fee.IsPositive() {
			out.Fees = append(out.Fees, types.Fee{
				Asset:      fa,
				Amount:     r.Norm.Fee,
				Scope:      types.FeeScopeNetwork,
				Settlement: types.FeeSettleOnChain,
			})
		}
	}
	out.Fees = dedupFees(out.Fees)
	return out, nil
}

func feeAsset(r Row, fallback types.Currency) types.Currency {
	if r.Norm.FeeAsset != "" {
		return types.NewCurrency(r.Norm.FeeAsset)
	}
	return fallback
}

// mergeMovement folds a movement into an existing same-asset entry so
// a group yields at most one movement per asset per direction.
func mergeMovement(list []types.AssetMovement, mv types.AssetMovement) []types.AssetMovement {
	for i := range list {
		if list[i].Asset == mv.Asset {
			list[i].GrossAmount = list[i].GrossAmount.Add(mv.GrossAmount)
			list[i].NetAmount = list[i].NetAmount.Add(mv.NetAmount)
			return list
		}
	}
	return append(list, mv)
}

// dedupFees drops repeats of the identical fee. Multi-stream chain
// sources report the same gas on every row of one hash; only the first
// occurrence survives.
func dedupFees(fees []types.Fee) []types.Fee {
	if len(fees) < 2 {
		return fees
	}
	seen := map[string]bool{}
	out := fees[:0]
	for _, f := range fees {
		k := string(f.Asset) + ":" + f.Amount.String() + ":" + string(f.Settlement)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
	}
	return out
}
