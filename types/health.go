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

// CircuitState is the failure-gating state of one provider circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "halfOpen"
)

// ProviderHealth is the persisted health snapshot for one
// (blockchain, providerName) key.
type ProviderHealth struct {
	ProviderKey         string       `json:"providerKey"`
	IsHealthy           bool         `json:"isHealthy"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	TotalSuccesses      int64        `json:"totalSuccesses"`
	TotalFailures       int64        `json:"totalFailures"`
	AvgResponseMs       float64      `json:"avgResponseMs"`
	LastError           string       `json:"lastError,omitempty"`
	LastCheckedAt       time.Time    `json:"lastCheckedAt"`
	CircuitState        CircuitState `json:"circuitState"`
	// OpenUntil is set while the circuit is open.
	OpenUntil time.Time `json:"openUntil,omitempty"`
}
