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

package types

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AssetMovement is one gross/net flow of a single asset within a
// transaction. Gross is what the venue debits or credits; Net is what
// appears on-chain. Net must not exceed Gross for outflows.
type AssetMovement struct {
	Asset         Currency         `json:"asset"`
	GrossAmount   decimal.Decimal  `json:"grossAmount"`
	NetAmount     decimal.Decimal  `json:"netAmount"`
	PriceAtTxTime *Money           `json:"priceAtTxTime,omitempty"`
}

// FeeScope says why a fee was charged; FeeSettlement says how it was
// funded. The two axes are independent.
type FeeScope string

const (
	FeeScopeNetwork  FeeScope = "network"
	FeeScopePlatform FeeScope = "platform"
	FeeScopeSpread   FeeScope = "spread"
	FeeScopeTax      FeeScope = "tax"
	FeeScopeOther    FeeScope = "other"
)

type FeeSettlement string

const (
	FeeSettleOnChain  FeeSettlement = "onChain"  // carved from the transfer amount
	FeeSettleBalance  FeeSettlement = "balance"  // deducted from a balance row
	FeeSettleExternal FeeSettlement = "external" // paid outside the venue
)

// Fee is one fee leg of a transaction.
type Fee struct {
	Asset         Currency        `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Scope         FeeScope        `json:"scope"`
	Settlement    FeeSettlement   `json:"settlement"`
	PriceAtTxTime *Money          `json:"priceAtTxTime,omitempty"`
}

// TxStatus is the confirmation state of a transaction.
type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
	TxPending TxStatus = "pending"
)

// Operation classifies the economic event. Category is the coarse bucket
// (transfer, trade, staking, fee); Type refines it (deposit, withdrawal,
// buy, sell, reward...).
type Operation struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// Common operation values produced by the classifier.
var (
	OpDeposit    = Operation{Category: "transfer", Type: "deposit"}
	OpWithdrawal = Operation{Category: "transfer", Type: "withdrawal"}
	OpTransfer   = Operation{Category: "transfer", Type: "transfer"}
	OpBuy        = Operation{Category: "trade", Type: "buy"}
	OpSell       = Operation{Category: "trade", Type: "sell"}
	OpSwap       = Operation{Category: "trade", Type: "swap"}
	OpStakeRwd   = Operation{Category: "staking", Type: "reward"}
	OpFeeOnly    = Operation{Category: "fee", Type: "fee"}
)

// Movements groups the in and out flows of a transaction.
type Movements struct {
	Inflows  []AssetMovement `json:"inflows"`
	Outflows []AssetMovement `json:"outflows"`
}

// BlockchainInfo is set for on-chain transactions.
type BlockchainInfo struct {
	Name      string `json:"name"`
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	Confirmed bool   `json:"confirmed"`
}

// UniversalTransaction is the canonical, source-agnostic economic event.
// The upsert key is (Source, ExternalID).
type UniversalTransaction struct {
	ID         int64           `json:"id"`
	ExternalID string          `json:"externalId"`
	Source     string          `json:"source"`
	SourceType SourceType      `json:"sourceType"`
	Datetime   time.Time       `json:"datetime"`
	Timestamp  int64           `json:"timestamp"`
	Status     TxStatus        `json:"status"`
	Operation  Operation       `json:"operation"`
	Movements  Movements       `json:"movements"`
	Fees       []Fee           `json:"fees"`
	Blockchain *BlockchainInfo `json:"blockchain,omitempty"`
	Note       string          `json:"note,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// CheckMovements validates the structural invariants of the movement legs:
// net never exceeds gross on outflows, and trades reference at least two
// distinct currencies.
func (tx *UniversalTransaction) CheckMovements() error {
	for _, out := range tx.Movements.Outflows {
		if out.NetAmount.GreaterThan(out.GrossAmount) {
			return errors.Errorf("outflow %s: net %s exceeds gross %s",
				out.Asset, out.NetAmount, out.GrossAmount)
		}
	}
	if tx.Operation.Category == "trade" {
		assets := map[Currency]bool{}
		for _, m := range tx.Movements.Inflows {
			assets[m.Asset] = true
		}
		for _, m := range tx.Movements.Outflows {
			assets[m.Asset] = true
		}
		if len(assets) < 2 {
			return errors.Errorf("trade %s references fewer than two currencies", tx.ExternalID)
		}
	}
	return nil
}

// CheckConservation verifies the transfer conservation law. Per asset the
// slack between gross and net on the outflow side must be covered by the
// on-chain fees, exactly once: Σoutflow.gross − Σoutflow.net − ΣonChainFees
// is zero within tol (a fraction of the moved amount). Balance-settled fees
// take no part; they are deducted from a separate ledger row, never from
// the transfer amount.
func (tx *UniversalTransaction) CheckConservation(tol decimal.Decimal) error {
	slack := map[Currency]decimal.Decimal{}
	moved := map[Currency]decimal.Decimal{}
	for _, m := range tx.Movements.Outflows {
		slack[m.Asset] = slack[m.Asset].Add(m.GrossAmount.Sub(m.NetAmount))
		moved[m.Asset] = moved[m.Asset].Add(m.GrossAmount.Abs())
	}
	for _, m := range tx.Movements.Inflows {
		// Inflow slack is the venue haircut on a deposit.
		slack[m.Asset] = slack[m.Asset].Add(m.GrossAmount.Sub(m.NetAmount))
		moved[m.Asset] = moved[m.Asset].Add(m.GrossAmount.Abs())
	}
	for _, f := range tx.Fees {
		if f.Settlement != FeeSettleOnChain {
			continue
		}
		// A gas fee paid in an asset that is not itself moved (token
		// transfer funded by the chain's native coin) has no gross/net
		// slack to cover.
		if _, ok := moved[f.Asset]; !ok {
			continue
		}
		slack[f.Asset] = slack[f.Asset].Sub(f.Amount)
	}
	for asset, residue := range slack {
		if residue.IsZero() {
			continue
		}
		if residue.Abs().GreaterThan(moved[asset].Mul(tol)) {
			return errors.Errorf("asset %s does not balance: residue %s", asset, residue)
		}
	}
	return nil
}
