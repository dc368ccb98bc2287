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

package provider

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/types"
)

// Factory builds a client from its registered metadata and a merged
// configuration. API keys are read from the metadata's env var by the
// factory, never stored in config files.
type Factory func(meta Metadata, cfg ClientConfig, log *zap.Logger) (Client, error)

type registration struct {
	meta    Metadata
	factory Factory
}

// Registry maps provider names to their metadata and construction, and
// source names to the providers serving them. It replaces probing: an
// unknown source name is a typed error, not an exception experiment.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registration
	bySource  map[string][]string // source name -> provider names
	log       *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		providers: make(map[string]registration),
		bySource:  make(map[string][]string),
		log:       log,
	}
}

// Register adds a provider. Re-registering a name replaces the previous
// registration, which is what tests want.
func (r *Registry) Register(meta Metadata, factory Factory) {
	source := meta.Blockchain
	if source == "" {
		source = meta.Exchange
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[meta.Name]; !exists {
		r.bySource[source] = append(r.bySource[source], meta.Name)
	}
	r.providers[meta.Name] = registration{meta: meta, factory: factory}
}

// Metadata returns the registered metadata for a provider name.
func (r *Registry) Metadata(name string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[name]
	if !ok {
		return Metadata{}, errors.Wrapf(ErrUnknownSource, "provider %q", name)
	}
	return reg.meta, nil
}

// SourceInfo describes a known source name.
type SourceInfo struct {
	Name       string
	SourceType types.SourceType
	Providers  []string
}

// Lookup resolves a source name to its type and the providers serving it.
// Unknown names return ErrUnknownSource.
func (r *Registry) Lookup(source string) (SourceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, ok := r.bySource[source]
	if !ok || len(names) == 0 {
		return SourceInfo{}, errors.Wrapf(ErrUnknownSource, "source %q", source)
	}
	info := SourceInfo{Name: source, Providers: append([]string(nil), names...)}
	info.SourceType = r.providers[names[0]].meta.SourceType()
	return info, nil
}

// CandidatesFor returns the metadata of every provider of the source that
// supports the operation, ordered by descending priority (name as the
// tie-break, for deterministic failover order).
func (r *Registry) CandidatesFor(source string, op OpKind) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, name := range r.bySource[source] {
		meta := r.providers[name].meta
		if meta.Capabilities.SupportsOperation(op) {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Build constructs a client for the named provider, merging the registered
// default config with the supplied override.
func (r *Registry) Build(name string, override *ClientConfig, log *zap.Logger) (Client, error) {
	r.mu.RLock()
	reg, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSource, "provider %q", name)
	}
	cfg := reg.meta.DefaultConfig
	if override != nil {
		if override.Timeout > 0 {
			cfg.Timeout = override.Timeout
		}
		if override.Retries > 0 {
			cfg.Retries = override.Retries
		}
		if override.RateLimit != (RateLimitOptions{}) {
			cfg.RateLimit = override.RateLimit
		}
	}
	if log == nil {
		log = r.log
	}
	return reg.factory(reg.meta, cfg, log.With(zap.String("provider", name)))
}
