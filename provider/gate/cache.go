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
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ResponseCache memoises idempotent one-shot responses for a short TTL and
// collapses concurrent identical requests into a single upstream call.
type ResponseCache struct {
	lru *expirable.LRU[string, any]
	sf  singleflight.Group
}

// NewResponseCache creates a cache holding up to size entries for ttl.
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		lru: expirable.NewLRU[string, any](size, nil, ttl),
	}
}

// Do returns the cached value for key, or runs fetch once (collapsing
// concurrent callers) and caches its result. Errors are never cached.
func (c *ResponseCache) Do(key string, fetch func() (any, error)) (any, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	return v, err
}
