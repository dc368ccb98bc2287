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
	"sync"

	"github.com/pkg/errors"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event: bus closed")

// ErrDetached is delivered on a subscription's Err channel when the bus
// drops it for falling behind.
var ErrDetached = errors.New("event: slow consumer detached")

// Subscription is a live feed of events. The channel is closed when the
// subscription ends; Err reports why.
type Subscription struct {
	bus *Bus
	ch  chan Event
	err chan error

	errOnce sync.Once
}

// Chan returns the delivery channel.
func (s *Subscription) Chan() <-chan Event { return s.ch }

// Err reports the reason the subscription ended, if any.
func (s *Subscription) Err() <-chan error { return s.err }

// Unsubscribe removes the subscription. It is safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s, nil)
}

func (s *Subscription) fail(err error) {
	s.errOnce.Do(func() {
		if err != nil {
			s.err <- err
		}
		close(s.err)
	})
}

// Bus dispatches events to subscribers synchronously. Sends never block:
// each subscriber has a bounded buffer and a subscriber whose buffer is
// full is detached rather than stalling the pipeline. Publish order is the
// subscription channel order, so per-account ordering follows from each
// account pipeline publishing from a single goroutine.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a consumer with the given buffer size. A buffer of
// zero is rounded up to one; a completely unbuffered subscriber would be
// detached by its first missed event.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer), err: make(chan error, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.fail(ErrBusClosed)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish delivers the event to all live subscribers. Subscribers that
// cannot accept the event immediately are detached.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	var detached []*Subscription
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			detached = append(detached, sub)
		}
	}
	for _, sub := range detached {
		b.removeLocked(sub, ErrDetached)
	}
	return nil
}

// Close shuts the bus down. All subscription channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
		sub.fail(nil)
	}
	b.subs = nil
}

func (b *Bus) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.removeLocked(sub, reason)
}

func (b *Bus) removeLocked(sub *Subscription, reason error) {
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			sub.fail(reason)
			return
		}
	}
}
