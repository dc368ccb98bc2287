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

package gate

import (
	"sync"
	"time"

	"github.com/jbelanger/exitbook-sub011/internal/clock"
	"github.com/jbelanger/exitbook-sub011/types"
)

// responseAlpha is the EWMA smoothing factor for response times.
const responseAlpha = 0.2

// Tracker aggregates per-provider health: success/failure counters, a
// response-time EWMA and the circuit breaker, keyed by
// (source, providerName).
type Tracker struct {
	cfg   BreakerConfig
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	breaker *Breaker

	mu                  sync.Mutex
	consecutiveFailures int
	totalSuccesses      int64
	totalFailures       int64
	avgResponseMs       float64
	lastError           string
	lastCheckedAt       time.Time
}

// NewTracker creates a tracker whose breakers use cfg and clk.
func NewTracker(cfg BreakerConfig, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.System{}
	}
	return &Tracker{cfg: cfg, clock: clk, entries: make(map[string]*entry)}
}

// Breaker returns the circuit for a provider key, creating it on first use.
func (t *Tracker) Breaker(key string) *Breaker {
	return t.entry(key).breaker
}

func (t *Tracker) entry(key string) *entry {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[key]; ok {
		return e
	}
	e = &entry{breaker: NewBreaker(t.cfg, t.clock)}
	t.entries[key] = e
	return e
}

// Success records a successful call and its latency. It also informs the
// circuit.
func (t *Tracker) Success(key string, elapsed time.Duration) {
	e := t.entry(key)
	e.breaker.Success()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.totalSuccesses++
	ms := float64(elapsed.Milliseconds())
	if e.avgResponseMs == 0 {
		e.avgResponseMs = ms
	} else {
		e.avgResponseMs += responseAlpha * (ms - e.avgResponseMs)
	}
	e.lastCheckedAt = t.clock.Now()
}

// Failure records a failed call. It returns true when the failure opened
// the circuit, so the caller can publish a circuit-open event.
func (t *Tracker) Failure(key string, err error) (opened bool) {
	e := t.entry(key)
	opened = e.breaker.Failure()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	e.totalFailures++
	if err != nil {
		e.lastError = err.Error()
	}
	e.lastCheckedAt = t.clock.Now()
	return opened
}

// Health snapshots the current state for a provider key.
func (t *Tracker) Health(key string) types.ProviderHealth {
	e := t.entry(key)
	state := e.breaker.State()
	e.mu.Lock()
	defer e.mu.Unlock()
	return types.ProviderHealth{
		ProviderKey:         key,
		IsHealthy:           state == types.CircuitClosed && e.consecutiveFailures == 0,
		ConsecutiveFailures: e.consecutiveFailures,
		TotalSuccesses:      e.totalSuccesses,
		TotalFailures:       e.totalFailures,
		AvgResponseMs:       e.avgResponseMs,
		LastError:           e.lastError,
		LastCheckedAt:       e.lastCheckedAt,
		CircuitState:        state,
		OpenUntil:           e.breaker.OpenUntil(),
	}
}

// Restore seeds a provider entry from a persisted snapshot, so circuit
// cooldowns survive restarts.
func (t *Tracker) Restore(h types.ProviderHealth) {
	e := t.entry(h.ProviderKey)
	e.mu.Lock()
	e.consecutiveFailures = h.ConsecutiveFailures
	e.totalSuccesses = h.TotalSuccesses
	e.totalFailures = h.TotalFailures
	e.avgResponseMs = h.AvgResponseMs
	e.lastError = h.LastError
	e.lastCheckedAt = h.LastCheckedAt
	e.mu.Unlock()
	if h.CircuitState == types.CircuitOpen && t.clock.Now().Before(h.OpenUntil) {
		e.breaker.mu.Lock()
		e.breaker.state = types.CircuitOpen
		e.breaker.openUntil = h.OpenUntil
		e.breaker.mu.Unlock()
	}
}

// Snapshot returns the health of every tracked provider.
func (t *Tracker) Snapshot() []types.ProviderHealth {
	t.mu.RLock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	out := make([]types.ProviderHealth, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.Health(k))
	}
	return out
}

// Score rates a provider for candidate ordering: health multiplied by the
// circuit state. An open circuit scores zero so the engine skips it unless
// nothing else remains.
func (t *Tracker) Score(key string) float64 {
	h := t.Health(key)
	score := 1.0
	total := h.TotalSuccesses + h.TotalFailures
	if total > 0 {
		score = float64(h.TotalSuccesses) / float64(total)
	}
	switch h.CircuitState {
	case types.CircuitOpen:
		return 0
	case types.CircuitHalfOpen:
		score *= 0.5
	}
	return score
}
