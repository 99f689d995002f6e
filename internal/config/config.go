// Package config loads tasksync's runtime configuration from a YAML file
// and lets CLI flags overlay it, mirroring flowctl's layered
// file-then-flags configuration idiom.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs needed to construct the component graph
// in internal/bootstrap.
type Config struct {
	// StorePath is the sqlite file backing the local store. Empty opens an
	// in-memory store.
	StorePath string `yaml:"store_path"`
	// WorkspaceID scopes which tasks this session synchronizes.
	WorkspaceID string `yaml:"workspace_id"`
	// SessionID is stamped on every queued offline operation so the server
	// can deduplicate across reconnects, per spec.md section 6.
	SessionID string `yaml:"session_id"`

	// TransportURL is the websocket endpoint to dial. When empty, or when
	// UseREST is set, the REST fallback channel is used instead against
	// RESTBaseURL.
	TransportURL  string        `yaml:"transport_url"`
	UseREST       bool          `yaml:"use_rest"`
	RESTBaseURL   string        `yaml:"rest_base_url"`
	RESTPollEvery time.Duration `yaml:"rest_poll_interval"`

	QueueMaxSize int `yaml:"queue_max_size"`

	PrefetchWorkers   int           `yaml:"prefetch_workers"`
	PrefetchCacheSize int           `yaml:"prefetch_cache_size"`
	PrefetchTTL       time.Duration `yaml:"prefetch_ttl"`
}

// Default returns a Config with the same constants spec.md names for an
// unconfigured deployment.
func Default() Config {
	return Config{
		StorePath:         "tasksync.db",
		WorkspaceID:       "default",
		SessionID:         "local",
		RESTBaseURL:       "http://localhost:8080",
		RESTPollEvery:     5 * time.Second,
		QueueMaxSize:      500,
		PrefetchWorkers:   4,
		PrefetchCacheSize: 256,
		PrefetchTTL:       5 * time.Minute,
	}
}

// Load reads path as YAML over top of Default(), so an omitted field keeps
// its default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Flags is the go-flags struct CLI invocations parse to overlay a loaded
// Config; zero values mean "not overridden" and are left untouched by
// Overlay.
type Flags struct {
	ConfigPath  string `long:"config" description:"path to a YAML config file" default:""`
	StorePath   string `long:"store" description:"override store_path"`
	WorkspaceID string `long:"workspace" description:"override workspace_id"`
	TransportURL string `long:"transport" description:"override transport_url"`
	UseREST     bool   `long:"rest" description:"force the REST fallback transport"`
}

// Overlay applies any non-zero fields of f onto cfg and returns the result.
func (f Flags) Overlay(cfg Config) Config {
	if f.StorePath != "" {
		cfg.StorePath = f.StorePath
	}
	if f.WorkspaceID != "" {
		cfg.WorkspaceID = f.WorkspaceID
	}
	if f.TransportURL != "" {
		cfg.TransportURL = f.TransportURL
	}
	if f.UseREST {
		cfg.UseREST = true
	}
	return cfg
}
