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

package clock

import (
	"sync"
	"time"
)

// Simulated implements a virtual Clock for reproducible time-sensitive
// tests. The virtual clock does not advance on its own; call Run to advance
// it and execute the timers scheduled before the new time.
type Simulated struct {
	now       time.Time
	scheduled []*simTimer
	mu        sync.Mutex
	cond      *sync.Cond
	lastID    uint64
}

// simTimer implements Timer on the virtual clock.
type simTimer struct {
	do func()
	at time.Time
	id uint64
	s  *Simulated
}

// NewSimulated returns a simulated clock starting at the given time.
func NewSimulated(start time.Time) *Simulated {
	s := &Simulated{now: start}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run moves the clock forward by d, executing all timers due before then.
// Timer functions run on the calling goroutine.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	end := s.now.Add(d)
	var do []func()
	for len(s.scheduled) > 0 {
		ev := s.scheduled[0]
		if ev.at.After(end) {
			break
		}
		s.now = ev.at
		do = append(do, ev.do)
		s.scheduled = s.scheduled[1:]
	}
	s.now = end
	s.mu.Unlock()

	for _, fn := range do {
		fn()
	}
}

// ActiveTimers returns the number of timers that haven't fired.
func (s *Simulated) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// Now returns the current virtual time.
func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Sleep blocks until the clock has advanced by d.
func (s *Simulated) Sleep(d time.Duration) {
	<-s.After(d)
}

// After returns a channel which receives the virtual time after the clock
// has advanced by d.
func (s *Simulated) After(d time.Duration) <-chan time.Time {
	after := make(chan time.Time, 1)
	s.AfterFunc(d, func() {
		after <- s.now
	})
	return after
}

// AfterFunc runs fn after the clock has advanced by d. Unlike with the
// system clock, fn runs on the goroutine that calls Run.
func (s *Simulated) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.now.Add(d)
	s.lastID++
	ev := &simTimer{do: fn, at: at, id: s.lastID, s: s}
	l, h := 0, len(s.scheduled)
	for l != h {
		m := (l + h) / 2
		if at.Before(s.scheduled[m].at) || (at.Equal(s.scheduled[m].at) && ev.id < s.scheduled[m].id) {
			h = m
		} else {
			l = m + 1
		}
	}
	s.scheduled = append(s.scheduled, nil)
	copy(s.scheduled[l+1:], s.scheduled[l:])
	s.scheduled[l] = ev
	s.cond.Broadcast()
	return ev
}

func (ev *simTimer) Stop() bool {
	s := ev.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.scheduled {
		if s.scheduled[i] == ev {
			s.scheduled = append(s.scheduled[:i], s.scheduled[i+1:]...)
			s.cond.Broadcast()
			return true
		}
	}
	return false
}
