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

import "time"

// CursorType identifies the pagination scheme a cursor value belongs to.
// PageToken values are provider-scoped; the remaining types are universal
// and transferable between providers.
type CursorType string

const (
	CursorPageToken   CursorType = "pageToken"
	CursorBlockNumber CursorType = "blockNumber"
	CursorTimestamp   CursorType = "timestamp"
	CursorTxHash      CursorType = "txHash"
)

// Transferable reports whether a cursor of this type can seed a different
// provider than the one that produced it.
func (t CursorType) Transferable() bool { return t != CursorPageToken }

// CursorValue is one concrete paging position.
type CursorValue struct {
	Type  CursorType `json:"type"`
	Value string     `json:"value"`
	// ProviderName scopes pageToken values to their producer. Empty for
	// transferable cursor types.
	ProviderName string `json:"providerName,omitempty"`
}

// CursorMeta records provenance of the latest committed position.
type CursorMeta struct {
	ProviderName string    `json:"providerName"`
	UpdatedAt    time.Time `json:"updatedAt"`
	IsComplete   bool      `json:"isComplete,omitempty"`
}

// Cursor is the resumable paging state for one (account, stream) pair.
// Primary is the producing provider's preferred token; Alternatives carry
// universal positions extracted from the last record so another provider
// can take over mid-stream.
type Cursor struct {
	Primary      CursorValue   `json:"primary"`
	Alternatives []CursorValue `json:"alternatives,omitempty"`
	LastRecordID string        `json:"lastRecordId,omitempty"`
	TotalFetched int64         `json:"totalFetched"`
	Meta         CursorMeta    `json:"meta"`
}

// Alternative returns the first alternative of the given type.
func (c *Cursor) Alternative(t CursorType) (CursorValue, bool) {
	if c.Primary.Type == t {
		return c.Primary, true
	}
	for _, a := range c.Alternatives {
		if a.Type == t {
			return a, true
		}
	}
	return CursorValue{}, false
}

// ReplayWindow is the backward shift applied to a transferable cursor when
// a new provider takes over, guaranteeing at-least-once delivery across the
// seam. Exactly one field is normally set, per the provider's native unit.
type ReplayWindow struct {
	Blocks  int64 `json:"blocks,omitempty"`
	Minutes int64 `json:"minutes,omitempty"`
	Records int64 `json:"records,omitempty"`
}
