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

// Package config loads the YAML configuration file and its environment
// overrides. API credentials never appear in the file; providers read
// them from their well-known environment variables at construction.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jbelanger/exitbook-sub011/provider"
)

// Tolerance is a per-source conservation bound, as decimal strings.
type Tolerance struct {
	Warn  string `yaml:"warn"`
	Error string `yaml:"error"`
}

// Config is the full file shape.
type Config struct {
	// DatabasePath locates the sqlite file. ":memory:" is accepted.
	DatabasePath string `yaml:"databasePath"`

	// SourceParallelism bounds concurrent imports across sources.
	SourceParallelism int `yaml:"sourceParallelism"`

	// GapLimit for extended-key discovery.
	GapLimit int `yaml:"gapLimit"`

	// DedupWindow sizes the engine's seen-set. Zero keeps the default.
	DedupWindow int `yaml:"dedupWindow"`

	// DustThreshold excludes pure inflows below this amount.
	DustThreshold string `yaml:"dustThreshold"`

	// CacheTTL bounds the engine's idempotent response cache.
	CacheTTL time.Duration `yaml:"cacheTTL"`

	// Preferred pins a provider per source.
	Preferred map[string]string `yaml:"preferred"`

	// Tolerances by source name; "default" covers unlisted sources.
	Tolerances map[string]Tolerance `yaml:"tolerances"`

	// Providers overrides per-provider client settings by name.
	Providers map[string]provider.ClientConfig `yaml:"providers"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DatabasePath:      "exitbook.db",
		SourceParallelism: 4,
		GapLimit:          20,
		CacheTTL:          30 * time.Second,
	}
}

// Load reads path if it exists, then applies environment overrides.
// A missing file is not an error; the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, errors.Wrap(err, "read config")
		}
		return applyEnv(cfg), nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("EXITBOOK_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("EXITBOOK_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SourceParallelism = n
		}
	}
	if v := os.Getenv("EXITBOOK_GAP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GapLimit = n
		}
	}
	return cfg
}
