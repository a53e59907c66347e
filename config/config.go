// Package config loads the broker's YAML configuration file.
//
// Grounded on zeusync-zeusync/internal/core/npc/loader.go's LoadYAML
// pattern (yaml.NewDecoder over an *os.File), simplified to this module's
// single flat Config struct rather than that repo's per-entity loader
// registry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's external configuration surface, matching
// spec.md §6's enumerated fields plus the process-level settings the
// original spec left to its embedding application.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket listener binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AwarenessTTLMillis is how long a client's awareness entry is kept
	// after its last update before it's expired. spec.md §6 default: 30000.
	AwarenessTTLMillis int `yaml:"awareness_ttl_ms"`

	// ClientSendQueueCapacity bounds each client's outbound frame queue
	// before it's considered a slow consumer and disconnected. spec.md §6
	// default: 1024.
	ClientSendQueueCapacity int `yaml:"client_send_queue_capacity"`

	// StoreVersion is the on-disk/at-rest schema version this deployment
	// expects its store backend to speak. spec.md §6. main.go validates
	// this against store.Version before opening the configured backend,
	// so a config rolled back to an older schema fails to start rather
	// than silently misinterpreting newer on-disk data.
	StoreVersion int `yaml:"store_version"`

	// StoreFactory selects which UpdateStore backend to construct:
	// "file", "tempfile", "sql", "sqlite", or "firestore". spec.md §6.
	StoreFactory string `yaml:"store_factory"`

	// StorePath is the backend-specific location: a directory for file, a
	// DSN for sql, a file path for sqlite, a GCP project ID for firestore.
	// It is ignored for tempfile, which creates its own directory under
	// the OS temp dir.
	StorePath string `yaml:"store_path"`

	// AwarenessTickInterval is how often the broker sweeps every open room
	// for expired awareness entries.
	AwarenessTickIntervalMillis int `yaml:"awareness_tick_interval_ms"`
}

// Default returns a Config matching spec.md §6's stated defaults.
func Default() Config {
	return Config{
		ListenAddr:                  ":8080",
		AwarenessTTLMillis:          30000,
		ClientSendQueueCapacity:     1024,
		StoreVersion:                2,
		StoreFactory:                "tempfile",
		StorePath:                   "",
		AwarenessTickIntervalMillis: 5000,
	}
}

// Load reads and parses a YAML config file at path, filling in defaults
// for any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// AwarenessTTL returns AwarenessTTLMillis as a time.Duration.
func (c Config) AwarenessTTL() time.Duration {
	return time.Duration(c.AwarenessTTLMillis) * time.Millisecond
}

// AwarenessTickInterval returns AwarenessTickIntervalMillis as a
// time.Duration.
func (c Config) AwarenessTickInterval() time.Duration {
	return time.Duration(c.AwarenessTickIntervalMillis) * time.Millisecond
}
