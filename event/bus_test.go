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

package event

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(16)
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(Event{
			Kind:      KindBatchStarted,
			AccountID: 7,
			Fields:    map[string]any{"seq": i},
		}))
	}

	for i := 0; i < 5; i++ {
		ev := <-sub.Chan()
		assert.Equal(t, KindBatchStarted, ev.Kind)
		assert.Equal(t, int64(7), ev.AccountID)
		assert.Equal(t, i, ev.Fields["seq"])
	}
}

func TestBusFansOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Subscribe(1)
	b := bus.Subscribe(1)
	require.NoError(t, bus.Publish(Event{Kind: KindImportStarted}))

	assert.Equal(t, KindImportStarted, (<-a.Chan()).Kind)
	assert.Equal(t, KindImportStarted, (<-b.Chan()).Kind)
}

func TestBusDetachesSlowConsumer(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	slow := bus.Subscribe(1)
	fast := bus.Subscribe(4)

	// First publish fills slow's buffer; the second finds it full and
	// must detach slow without stalling delivery to fast.
	require.NoError(t, bus.Publish(Event{Kind: KindImportStarted}))
	require.NoError(t, bus.Publish(Event{Kind: KindImportCompleted}))

	assert.ErrorIs(t, <-slow.Err(), ErrDetached)
	ev, ok := <-slow.Chan()
	require.True(t, ok, "buffered event survives detach")
	assert.Equal(t, KindImportStarted, ev.Kind)
	_, ok = <-slow.Chan()
	assert.False(t, ok)

	assert.Equal(t, KindImportStarted, (<-fast.Chan()).Kind)
	assert.Equal(t, KindImportCompleted, (<-fast.Chan()).Kind)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(4)
	sub.Unsubscribe()
	sub.Unsubscribe() // second call is a no-op

	require.NoError(t, bus.Publish(Event{Kind: KindImportStarted}))
	_, ok := <-sub.Chan()
	assert.False(t, ok)
	// A clean unsubscribe carries no error.
	err, ok := <-sub.Err()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	bus.Close()
	bus.Close() // idempotent

	assert.ErrorIs(t, bus.Publish(Event{Kind: KindImportFailed}), ErrBusClosed)

	_, ok := <-sub.Chan()
	assert.False(t, ok)

	late := bus.Subscribe(1)
	assert.ErrorIs(t, <-late.Err(), ErrBusClosed)
	_, ok = <-late.Chan()
	assert.False(t, ok)
}

func TestBusManySubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	subs := make([]*Subscription, 8)
	for i := range subs {
		subs[i] = bus.Subscribe(2)
	}
	require.NoError(t, bus.Publish(Event{
		Kind:     KindProviderTransition,
		Provider: "etherscan",
		Fields:   map[string]any{"from": "primary", "to": fmt.Sprintf("fallback-%d", 1)},
	}))
	for _, s := range subs {
		ev := <-s.Chan()
		assert.Equal(t, "etherscan", ev.Provider)
	}
}
