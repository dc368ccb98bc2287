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

// Package clock wraps the system clock behind an interface so that
// time-dependent state machines (circuit breaker, response cache) can be
// driven by a simulated clock in tests.
package clock

import "time"

// Clock makes it possible to replace the system clock with a simulated one.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable event returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// System implements Clock using the system clock.
type System struct{}

func (System) Now() time.Time                         { return time.Now() }
func (System) Sleep(d time.Duration)                  { time.Sleep(d) }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
