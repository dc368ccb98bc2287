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

// Package engine implements the multi-provider failover layer: candidate
// selection, one-shot routing with caching and circuit gating, and
// resumable streaming with cursor hand-off and deduplication.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/internal/clock"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/provider/gate"
)

// Config tunes the engine.
type Config struct {
	Breaker      gate.BreakerConfig
	CacheSize    int
	CacheTTL     time.Duration
	DedupWindow  int
	// Preferred maps a source name to a provider override honoured when
	// that provider supports the requested operation.
	Preferred map[string]string
}

// DefaultConfig is the engine's out-of-the-box tuning.
var DefaultConfig = Config{
	Breaker:     gate.DefaultBreakerConfig,
	CacheSize:   512,
	CacheTTL:    30 * time.Second,
	DedupWindow: defaultDedupWindow,
}

// Engine routes operations across the registered providers of a source.
// All long-lived state (health, circuits, buckets, caches, clients) hangs
// off the engine; there are no package-level singletons.
type Engine struct {
	registry *provider.Registry
	tracker  *gate.Tracker
	cache    *gate.ResponseCache
	bus      *event.Bus
	clock    clock.Clock
	log      *zap.Logger
	cfg      Config

	mu       sync.Mutex
	clients  map[string]provider.Client
	limiters map[string]*gate.Limiter
}

// New constructs an engine. A nil bus gets a detached private bus; a nil
// clock uses the system clock.
func New(registry *provider.Registry, bus *event.Bus, clk clock.Clock, log *zap.Logger, cfg Config) *Engine {
	if bus == nil {
		bus = event.NewBus()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig.CacheTTL
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig.DedupWindow
	}
	return &Engine{
		registry: registry,
		tracker:  gate.NewTracker(cfg.Breaker, clk),
		cache:    gate.NewResponseCache(cfg.CacheSize, cfg.CacheTTL),
		bus:      bus,
		clock:    clk,
		log:      log,
		cfg:      cfg,
		clients:  make(map[string]provider.Client),
		limiters: make(map[string]*gate.Limiter),
	}
}

// Tracker exposes provider health for persistence and reporting.
func (e *Engine) Tracker() *gate.Tracker { return e.tracker }

// Registry returns the provider registry the engine routes through.
func (e *Engine) Registry() *provider.Registry { return e.registry }

// UseClient injects a pre-built client, bypassing the registry factory.
// Tests and CSV importers use this.
func (e *Engine) UseClient(c provider.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c.Metadata().Name] = c
}

func (e *Engine) client(name string) (provider.Client, error) {
	e.mu.Lock()
	if c, ok := e.clients[name]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := e.registry.Build(name, nil, e.log)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.clients[name]; ok {
		return cached, nil
	}
	e.clients[name] = c
	return c, nil
}

func (e *Engine) limiter(meta provider.Metadata) *gate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[meta.Name]; ok {
		return l
	}
	l := gate.NewLimiter(meta.DefaultConfig.RateLimit)
	e.limiters[meta.Name] = l
	return l
}

// candidates returns the providers of source able to run op, ordered by
// score = health x circuit x priority, with a preferred provider moved to
// the front when it supports the operation.
func (e *Engine) candidates(source string, op provider.OpKind) []provider.Metadata {
	metas := e.registry.CandidatesFor(source, op)
	type scored struct {
		meta  provider.Metadata
		score float64
	}
	list := make([]scored, 0, len(metas))
	for _, m := range metas {
		s := e.tracker.Score(m.Key()) * float64(m.Priority+1)
		list = append(list, scored{meta: m, score: s})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	out := make([]provider.Metadata, 0, len(list))
	for _, s := range list {
		out = append(out, s.meta)
	}
	if pref := e.cfg.Preferred[source]; pref != "" {
		for i, m := range out {
			if m.Name == pref {
				out = append(out[:i], out[i+1:]...)
				out = append([]provider.Metadata{m}, out...)
				break
			}
		}
	}
	return out
}

// Execute runs a one-shot operation with failover. Candidates are tried in
// score order; transient failures are retried per provider, counted
// against the circuit, and the next candidate takes over. The first
// success wins. Idempotent operations are served from the response cache.
func (e *Engine) Execute(ctx context.Context, source string, op provider.Operation) (any, error) {
	cands := e.candidates(source, op.Kind)
	if len(cands) == 0 {
		return nil, errors.Wrapf(provider.ErrUnknownSource, "no providers for source %q op %s", source, op.Kind)
	}
	if key := op.CacheKey(); key != "" {
		return e.cache.Do(source+":"+key, func() (any, error) {
			return e.executeUncached(ctx, source, op, cands)
		})
	}
	return e.executeUncached(ctx, source, op, cands)
}

func (e *Engine) executeUncached(ctx context.Context, source string, op provider.Operation, cands []provider.Metadata) (any, error) {
	var lastErr error
	for _, meta := range cands {
		key := meta.Key()
		if err := e.tracker.Breaker(key).Allow(); err != nil {
			lastErr = err
			continue
		}
		client, err := e.client(meta.Name)
		if err != nil {
			lastErr = err
			continue
		}
		result, err := e.callOnce(ctx, client, meta, op)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.recordFailure(meta, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, errors.Wrapf(provider.ErrAllProvidersFailed, "op %s on %s: last error: %v", op.Kind, source, lastErr)
}

// callOnce executes one operation against one provider, with the
// provider's timeout and a bounded retry of transient failures.
func (e *Engine) callOnce(ctx context.Context, client provider.Client, meta provider.Metadata, op provider.Operation) (any, error) {
	var result any
	attempt := func() error {
		if err := e.limiter(meta).Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		callCtx := ctx
		if meta.DefaultConfig.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, meta.DefaultConfig.Timeout)
			defer cancel()
		}
		start := time.Now()
		v, err := provider.Execute(callCtx, client, op)
		if err != nil {
			if !provider.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		e.tracker.Success(meta.Key(), time.Since(start))
		result = v
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(meta.DefaultConfig.Retries)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) recordFailure(meta provider.Metadata, err error) {
	opened := e.tracker.Failure(meta.Key(), err)
	if opened {
		e.log.Warn("provider circuit opened",
			zap.String("provider", meta.Name), zap.Error(err))
		e.bus.Publish(event.Event{
			Kind:     event.KindCircuitOpen,
			Provider: meta.Name,
			At:       e.clock.Now(),
			Fields:   map[string]any{"error": err.Error()},
		})
	} else {
		e.log.Info("provider call failed, trying next candidate",
			zap.String("provider", meta.Name), zap.Error(err))
	}
}

// GetAddressBalances is a typed convenience over Execute.
func (e *Engine) GetAddressBalances(ctx context.Context, source, address string) ([]provider.Balance, error) {
	v, err := e.Execute(ctx, source, provider.Operation{Kind: provider.OpGetAddressBalances, Address: address})
	if err != nil {
		return nil, err
	}
	return v.([]provider.Balance), nil
}

// GetAddressTokenBalances is a typed convenience over Execute.
func (e *Engine) GetAddressTokenBalances(ctx context.Context, source, address string, tokens []provider.TokenRef) ([]provider.Balance, error) {
	v, err := e.Execute(ctx, source, provider.Operation{Kind: provider.OpGetAddressTokenBalances, Address: address, Tokens: tokens})
	if err != nil {
		return nil, err
	}
	return v.([]provider.Balance), nil
}

// HasAddressTransactions is a typed convenience over Execute.
func (e *Engine) HasAddressTransactions(ctx context.Context, source, address string) (bool, error) {
	v, err := e.Execute(ctx, source, provider.Operation{Kind: provider.OpHasAddressTransactions, Address: address})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}
