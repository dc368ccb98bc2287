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

// Package event implements the in-process pub/sub bus connecting the
// ingestion pipeline to its consumers (TUI, log sink or nothing).
package event

import "time"

// Kind names the envelope type on the wire.
type Kind string

const (
	KindImportStarted      Kind = "import.started"
	KindImportCompleted    Kind = "import.completed"
	KindImportFailed       Kind = "import.failed"
	KindBatchStarted       Kind = "process.batch.started"
	KindBatchCompleted     Kind = "process.batch.completed"
	KindCircuitOpen        Kind = "provider.circuit_open"
	KindProviderTransition Kind = "provider.transition"
)

// Event is the envelope delivered to subscribers. Publish order is
// preserved per AccountID; consumers cannot backpressure the pipeline.
type Event struct {
	Kind      Kind           `json:"kind"`
	AccountID int64          `json:"accountId,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Stream    string         `json:"stream,omitempty"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}
