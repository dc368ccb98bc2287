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
	"time"
)

// SourceType classifies where a raw record came from.
type SourceType string

const (
	SourceBlockchain  SourceType = "blockchain"
	SourceExchangeAPI SourceType = "exchangeApi"
	SourceExchangeCSV SourceType = "exchangeCsv"
)

// Stream names for sources that expose several record streams. Single
// stream sources use StreamNormal.
const (
	StreamNormal   = "normal"
	StreamToken    = "token"
	StreamInternal = "internal"
	StreamLedger   = "ledger"
)

// ProcessingStatus tracks whether a raw record has been turned into
// transactions yet.
type ProcessingStatus string

const (
	ProcessingPending ProcessingStatus = "pending"
	ProcessingDone    ProcessingStatus = "processed"
)

// RawRecord is an append-once row captured from a provider. ProviderData
// and NormalizedData are immutable once written; reprocessing only ever
// reads them. (AccountID, ProviderName, EventID) is unique.
type RawRecord struct {
	ID             int64            `json:"id"`
	AccountID      int64            `json:"accountId"`
	ProviderName   string           `json:"providerName"`
	SourceType     SourceType       `json:"sourceType"`
	EventID        string           `json:"eventId"`    // stable provider-supplied key
	ExternalID     string           `json:"externalId"` // provider record id
	ProviderData   json.RawMessage  `json:"providerData"`
	NormalizedData json.RawMessage  `json:"normalizedData,omitempty"`
	StreamType     string           `json:"streamType"`
	CreatedAt      time.Time        `json:"createdAt"`
	Processed      ProcessingStatus `json:"processed"`
}
