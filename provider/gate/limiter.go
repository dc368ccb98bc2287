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

// Package gate implements the per-provider admission layer: composed
// token buckets, a short-TTL response cache and the circuit breaker.
package gate

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/jbelanger/exitbook-sub011/provider"
)

// Limiter composes up to three token buckets (second, minute, hour
// windows). A request proceeds only once every configured bucket grants a
// token, so the tightest bucket wins.
type Limiter struct {
	buckets []*rate.Limiter
}

// NewLimiter builds a limiter from the provider's recognised options.
// Unset windows are skipped; a fully unset option set never blocks.
func NewLimiter(opts provider.RateLimitOptions) *Limiter {
	burst := opts.BurstLimit
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{}
	if opts.RequestsPerSecond > 0 {
		l.buckets = append(l.buckets, rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst))
	}
	if opts.RequestsPerMinute > 0 {
		l.buckets = append(l.buckets, rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), burst))
	}
	if opts.RequestsPerHour > 0 {
		l.buckets = append(l.buckets, rate.NewLimiter(rate.Limit(opts.RequestsPerHour/3600), burst))
	}
	return l
}

// Wait blocks until all buckets grant a token or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for _, b := range l.buckets {
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
