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
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

// BreakerConfig tunes one circuit.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int
	// ErrorRateCap opens the circuit when the moving error rate over the
	// last WindowSize outcomes exceeds it. Zero disables the rate check.
	ErrorRateCap float64
	WindowSize   int
	// Cooldown is how long the circuit stays open before admitting a
	// half-open probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches the engine defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	ErrorRateCap:     0.5,
	WindowSize:       20,
	Cooldown:         60 * time.Second,
}

// Breaker is the circuit breaker for one (source, provider) key.
//
// closed --(threshold failures or rate cap)--> open
// open --(cooldown elapsed)--> halfOpen, admitting exactly one probe
// halfOpen --(probe success)--> closed, --(probe failure)--> open
type Breaker struct {
	cfg   BreakerConfig
	clock clock.Clock

	mu          sync.Mutex
	state       types.CircuitState
	openUntil   time.Time
	consecutive int
	window      []bool // true = failure, ring buffer
	windowPos   int
	windowFill  int
	probing     bool
}

// NewBreaker creates a closed breaker. A nil clk uses the system clock.
func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultBreakerConfig.WindowSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clk,
		state:  types.CircuitClosed,
		window: make([]bool, cfg.WindowSize),
	}
}

// Allow reports whether a request may proceed. While open it returns
// ErrCircuitOpen until the cooldown elapses, then admits a single probe in
// the half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case types.CircuitClosed:
		return nil
	case types.CircuitOpen:
		if b.clock.Now().Before(b.openUntil) {
			return provider.ErrCircuitOpen
		}
		b.state = types.CircuitHalfOpen
		b.probing = true
		return nil
	case types.CircuitHalfOpen:
		if b.probing {
			return provider.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.record(false)
	if b.state == types.CircuitHalfOpen {
		b.state = types.CircuitClosed
		b.probing = false
		b.resetWindow()
	}
}

// Failure records a failed call, opening the circuit if the consecutive
// threshold or the moving error-rate cap is crossed. It returns true when
// this call transitioned the circuit to open.
func (b *Breaker) Failure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	b.record(true)

	if b.state == types.CircuitHalfOpen {
		b.open()
		return true
	}
	if b.state != types.CircuitClosed {
		return false
	}
	if b.consecutive >= b.cfg.FailureThreshold {
		b.open()
		return true
	}
	if b.cfg.ErrorRateCap > 0 && b.windowFill == len(b.window) {
		failures := 0
		for _, f := range b.window {
			if f {
				failures++
			}
		}
		if float64(failures)/float64(len(b.window)) > b.cfg.ErrorRateCap {
			b.open()
			return true
		}
	}
	return false
}

// State returns the current circuit state, accounting for an elapsed
// cooldown.
func (b *Breaker) State() types.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == types.CircuitOpen && !b.clock.Now().Before(b.openUntil) {
		return types.CircuitHalfOpen
	}
	return b.state
}

// OpenUntil returns the cooldown deadline while the circuit is open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}

func (b *Breaker) open() {
	b.state = types.CircuitOpen
	b.openUntil = b.clock.Now().Add(b.cfg.Cooldown)
	b.probing = false
}

func (b *Breaker) record(failure bool) {
	b.window[b.windowPos] = failure
	b.windowPos = (b.windowPos + 1) % len(b.window)
	if b.windowFill < len(b.window) {
		b.windowFill++
	}
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowPos, b.windowFill = 0, 0
	b.consecutive = 0
}
