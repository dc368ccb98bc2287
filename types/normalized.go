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
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// NormalizedRow is the validated projection every provider client writes
// into RawRecord.NormalizedData. It is the one shape the processor reads;
// provider dialects end at the client boundary.
type NormalizedRow struct {
	// TxHash, Height and TxIndex order and correlate on-chain rows.
	TxHash  string `json:"txHash,omitempty"`
	Height  int64  `json:"height,omitempty"`
	TxIndex int    `json:"txIndex,omitempty"`

	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status,omitempty"` // success|failed|pending, default success

	// Amount is signed: negative leaves the account. Semantics (gross vs
	// net) depend on the source's interpretation strategy.
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`

	Fee      decimal.Decimal `json:"fee,omitempty"`
	FeeAsset string          `json:"feeAsset,omitempty"`

	// CorrelationID ties the ledger rows of one economic event together
	// (Kraken refid, Coinbase transaction id). OrderID groups trade fills.
	CorrelationID string `json:"correlationId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`

	// RowType is the provider's own row classification: withdrawal,
	// deposit, trade, fee, transaction, reward, ...
	RowType string `json:"rowType,omitempty"`

	// Token transfers carry the contract for metadata lookup.
	TokenContract string `json:"tokenContract,omitempty"`
}

// DecodeNormalizedRow validates a persisted normalized payload. Blockchain
// rows fail fast when the payload is missing or structurally invalid; no
// silent fallbacks.
func DecodeNormalizedRow(data json.RawMessage) (NormalizedRow, error) {
	var row NormalizedRow
	if len(data) == 0 {
		return row, errors.New("normalized data missing")
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, errors.Wrap(err, "decode normalized row")
	}
	if row.Asset == "" {
		return row, errors.New("normalized row: asset missing")
	}
	if row.Timestamp <= 0 {
		return row, errors.New("normalized row: timestamp missing")
	}
	if row.Status == "" {
		row.Status = string(TxSuccess)
	}
	return row, nil
}
