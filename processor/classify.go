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

import "github.com/jbelanger/exitbook-sub011/types"

// classify derives the operation from the fund flow of a group, not
// from provider labels. Provider row types only break ties where the
// flow alone is ambiguous (rewards look like plain deposits).
func classify(interp Interpretation, g Group) types.Operation {
	in, out := len(interp.Inflows) > 0, len(interp.Outflows) > 0

	switch {
	case in && out:
		if sameAssets(interp) {
			return types.OpTransfer
		}
		if hasFiat(interp.Outflows) {
			return types.OpBuy
		}
		if hasFiat(interp.Inflows) {
			return types.OpSell
		}
		return types.OpSwap
	case in:
		if isReward(g) {
			return types.OpStakeRwd
		}
		return types.OpDeposit
	case out:
		return types.OpWithdrawal
	default:
		return types.OpFeeOnly
	}
}

func hasFiat(moves []types.AssetMovement) bool {
	for _, m := range moves {
		if m.Asset.IsFiat() {
			return true
		}
	}
	return false
}

func sameAssets(interp Interpretation) bool {
	for _, in := range interp.Inflows {
		found := false
		for _, out := range interp.Outflows {
			if in.Asset == out.Asset {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return len(interp.Inflows) > 0
}

func isReward(g Group) bool {
	for _, r := range g.Rows {
		switch r.Norm.RowType {
		case "reward", "staking", "staking_reward":
			return true
		}
	}
	return false
}
