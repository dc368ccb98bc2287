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

// Package provider defines the uniform interface spoken by all data source
// clients and the registry they are dispatched through.
package provider

import (
	"context"
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub011/types"
)

// OpKind tags the uniform operations a client may support.
type OpKind string

const (
	OpGetAddressBalances      OpKind = "getAddressBalances"
	OpGetAddressTokenBalances OpKind = "getAddressTokenBalances"
	OpHasAddressTransactions  OpKind = "hasAddressTransactions"
	OpStreamTransactions      OpKind = "streamTransactions"
)

// Operation is a tagged one-shot or streaming request.
type Operation struct {
	Kind    OpKind
	Address string
	Stream  string     // stream type for OpStreamTransactions
	Tokens  []TokenRef // contracts for OpGetAddressTokenBalances
}

// CacheKey returns the response-cache key for idempotent one-shot
// operations, or "" when the operation must not be cached.
func (op Operation) CacheKey() string {
	switch op.Kind {
	case OpGetAddressBalances, OpHasAddressTransactions:
		return string(op.Kind) + ":" + op.Address
	case OpGetAddressTokenBalances:
		// The token set is part of the identity, or a balance cached
		// for a shorter contract list would shadow a wider query.
		key := string(op.Kind) + ":" + op.Address
		for _, tok := range op.Tokens {
			key += ":" + tok.Contract
		}
		return key
	}
	return ""
}

// TokenRef identifies one token contract for balance queries, with the
// decimals needed to scale the raw amount.
type TokenRef struct {
	Contract string
	Symbol   string
	Decimals int
}

// Balance is one asset position returned by a balance operation.
type Balance struct {
	Asset  types.Currency  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Record is a typed provider record: the verbatim payload plus its
// schema-validated projection.
type Record struct {
	EventID    string          `json:"eventId"`
	ExternalID string          `json:"externalId"`
	Stream     string          `json:"stream"`
	Raw        json.RawMessage `json:"raw"`
	Normalized json.RawMessage `json:"normalized"`
}

// BatchResult is one yield of a streaming operation. A batch with
// IsComplete set is the sole end-of-stream signal; it is delivered even
// when Records is empty.
type BatchResult struct {
	Records    []Record
	Cursor     types.Cursor
	IsComplete bool

	// Fetched and Yielded report the duplicate suppression applied by the
	// failover engine: Fetched is the raw record count received from the
	// provider, Yielded what survived the dedup window. Zero until the
	// engine has seen the batch.
	Fetched int
	Yielded int
}

// StreamItem wraps each streaming yield as a batch or a terminal error.
type StreamItem struct {
	Batch *BatchResult
	Err   error
}

// RateLimitOptions configures the per-provider token buckets. Unset
// windows impose no limit; the tightest configured bucket wins.
type RateLimitOptions struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	RequestsPerHour   float64 `yaml:"requestsPerHour"`
	BurstLimit        int     `yaml:"burstLimit"`
}

// ClientConfig is the per-provider execution tuning.
type ClientConfig struct {
	RateLimit RateLimitOptions `yaml:"rateLimit"`
	Retries   int              `yaml:"retries"`
	Timeout   time.Duration    `yaml:"timeout"`
}

// Capabilities declares what a provider can do. The engine scores
// candidates by capability match and rejects cursor hand-offs the
// provider cannot resume from.
type Capabilities struct {
	SupportedOperations  []OpKind
	SupportedCursorTypes []types.CursorType
	PreferredCursorType  types.CursorType
	ReplayWindow         types.ReplayWindow
	Streams              []string
}

// OperationSet returns the supported operations as a set.
func (c Capabilities) OperationSet() mapset.Set[OpKind] {
	return mapset.NewSet(c.SupportedOperations...)
}

// CursorTypeSet returns the supported cursor types as a set.
func (c Capabilities) CursorTypeSet() mapset.Set[types.CursorType] {
	return mapset.NewSet(c.SupportedCursorTypes...)
}

// SupportsOperation reports whether the provider implements op.
func (c Capabilities) SupportsOperation(op OpKind) bool {
	return c.OperationSet().Contains(op)
}

// Metadata is the declarative description a provider registers with.
type Metadata struct {
	Name           string
	Blockchain     string // set for chain explorers
	Exchange       string // set for exchange APIs
	BaseURL        string
	RequiresAPIKey bool
	APIKeyEnvVar   string
	Capabilities   Capabilities
	DefaultConfig  ClientConfig
	// Priority orders otherwise equal candidates; higher wins.
	Priority int
}

// Key returns the circuit/health key for this provider.
func (m Metadata) Key() string {
	source := m.Blockchain
	if source == "" {
		source = m.Exchange
	}
	return source + ":" + m.Name
}

// SourceType reports whether this provider feeds a blockchain or an
// exchange account.
func (m Metadata) SourceType() types.SourceType {
	if m.Blockchain != "" {
		return types.SourceBlockchain
	}
	return types.SourceExchangeAPI
}

// Client is the uniform operation surface of one provider. Clients are
// pure over HTTP plus schema validation; gating (rate limits, circuit,
// cache) lives in the engine, not here.
type Client interface {
	Metadata() Metadata

	// One-shot operations.
	GetAddressBalances(ctx context.Context, address string) ([]Balance, error)
	GetAddressTokenBalances(ctx context.Context, address string, tokens []TokenRef) ([]Balance, error)
	HasAddressTransactions(ctx context.Context, address string) (bool, error)

	// StreamTransactions pages records for one stream, resuming from an
	// optional cursor. Each yield is a batch or a terminal error; the
	// stream ends after a batch with IsComplete or an error.
	StreamTransactions(ctx context.Context, address, stream string, resume *types.Cursor) <-chan StreamItem

	// ExtractCursors derives all cursor positions carried by a record:
	// the provider's native token plus the universal alternatives.
	ExtractCursors(rec Record) []types.CursorValue

	// ApplyReplayWindow shifts a transferable cursor backward by this
	// provider's replay window.
	ApplyReplayWindow(c types.Cursor) types.Cursor

	// IsHealthy is a cheap liveness probe against the provider API.
	IsHealthy(ctx context.Context) bool
}

// Execute dispatches a one-shot operation against a client. Streaming
// operations are routed through StreamTransactions instead.
func Execute(ctx context.Context, c Client, op Operation) (any, error) {
	switch op.Kind {
	case OpGetAddressBalances:
		return c.GetAddressBalances(ctx, op.Address)
	case OpGetAddressTokenBalances:
		return c.GetAddressTokenBalances(ctx, op.Address, op.Tokens)
	case OpHasAddressTransactions:
		return c.HasAddressTransactions(ctx, op.Address)
	}
	return nil, &OpError{Provider: c.Metadata().Name, Op: op.Kind, Err: ErrUnsupportedOperation}
}
