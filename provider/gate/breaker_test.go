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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbelanger/exitbook-sub011/internal/clock"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *clock.Simulated) {
	clk := clock.NewSimulated(time.Unix(1700000000, 0))
	return NewBreaker(cfg, clk), clk
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	require.NoError(t, b.Allow())
	assert.False(t, b.Failure())
	assert.False(t, b.Failure())
	assert.True(t, b.Failure(), "third consecutive failure opens the circuit")

	assert.Equal(t, types.CircuitOpen, b.State())
	assert.ErrorIs(t, b.Allow(), provider.ErrCircuitOpen)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	b.Failure()
	b.Failure()
	b.Success()
	assert.False(t, b.Failure())
	assert.False(t, b.Failure())
	assert.Equal(t, types.CircuitClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	b.Failure()
	require.True(t, b.Failure())
	deadline := b.OpenUntil()
	assert.Equal(t, clk.Now().Add(time.Minute), deadline)

	// Still cooling down.
	clk.Run(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), provider.ErrCircuitOpen)

	// Cooldown elapsed: exactly one probe is admitted, concurrent
	// requests keep seeing an open circuit.
	clk.Run(31 * time.Second)
	assert.Equal(t, types.CircuitHalfOpen, b.State())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), provider.ErrCircuitOpen)

	b.Success()
	assert.Equal(t, types.CircuitClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})

	b.Failure()
	require.True(t, b.Failure())

	clk.Run(time.Minute)
	require.NoError(t, b.Allow())
	assert.True(t, b.Failure(), "failed probe reopens the circuit")
	assert.Equal(t, types.CircuitOpen, b.State())
	assert.Equal(t, clk.Now().Add(time.Minute), b.OpenUntil())
	assert.ErrorIs(t, b.Allow(), provider.ErrCircuitOpen)
}

func TestBreakerErrorRateCap(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 100, // keep the consecutive check out of the way
		ErrorRateCap:     0.5,
		WindowSize:       4,
		Cooldown:         time.Minute,
	})

	// Alternating outcomes keep the rate at the cap, which is not a
	// breach. The rate check needs a full window.
	b.Failure()
	b.Success()
	b.Failure()
	b.Success()
	assert.Equal(t, types.CircuitClosed, b.State())

	// 3 of the last 4 outcomes failed: over the cap.
	assert.False(t, b.Failure())
	assert.True(t, b.Failure())
	assert.Equal(t, types.CircuitOpen, b.State())
}

func TestBreakerRecoveryClearsWindow(t *testing.T) {
	b, clk := newTestBreaker(BreakerConfig{
		FailureThreshold: 2,
		ErrorRateCap:     0.5,
		WindowSize:       4,
		Cooldown:         time.Minute,
	})

	b.Failure()
	require.True(t, b.Failure())
	clk.Run(time.Minute)
	require.NoError(t, b.Allow())
	b.Success()

	// Old failures must not count against the recovered circuit.
	assert.False(t, b.Failure())
	assert.Equal(t, types.CircuitClosed, b.State())
}
