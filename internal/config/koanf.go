// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/soundshelf/config.yaml",
	"/etc/soundshelf/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "SOUNDSHELF_CONFIG"

// Default returns a Config with all built-in defaults. These are applied
// first, then overridden by the config file and environment variables.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "",
			Token:   "",
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "/data/soundshelf.db",
			BusyTimeout: 5 * time.Second,
			Debug:       false,
		},
		Sync: SyncConfig{
			PageSize:          100,
			RetryAttempts:     3,
			RetryInitialDelay: 1 * time.Second,
			RetryMultiplier:   2.0,
			RetryMaxDelay:     30 * time.Second,
			PushMaxAttempts:   5,
			Interval:          0, // periodic sync disabled by default; SSE drives updates
		},
		SSE: SSEConfig{
			InitialBackoff:   1 * time.Second,
			MaxBackoff:       30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Covers: CoversConfig{
			Dir:           "/data/covers",
			MaxAttempts:   3,
			Retention:     7 * 24 * time.Hour,
			RatePerSecond: 4,
			BatchSize:     20,
		},
		HTTP: HTTPConfig{
			Host:    "127.0.0.1",
			Port:    8337,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML config file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// SERVER_URL -> server.url, SYNC_PAGE_SIZE -> sync.page_size, etc.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches for a config file, env var first, then the
// default paths. Returns "" if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names to koanf config paths.
// Unmapped variables are ignored so random environment noise never leaks
// into the configuration.
var envMappings = map[string]string{
	"server_url":     "server.url",
	"server_token":   "server.token",
	"server_timeout": "server.timeout",

	"database_path":         "database.path",
	"database_busy_timeout": "database.busy_timeout",
	"database_debug":        "database.debug",

	"sync_page_size":           "sync.page_size",
	"sync_retry_attempts":      "sync.retry_attempts",
	"sync_retry_initial_delay": "sync.retry_initial_delay",
	"sync_retry_multiplier":    "sync.retry_multiplier",
	"sync_retry_max_delay":     "sync.retry_max_delay",
	"sync_push_max_attempts":   "sync.push_max_attempts",
	"sync_interval":            "sync.interval",

	"sse_initial_backoff":   "sse.initial_backoff",
	"sse_max_backoff":       "sse.max_backoff",
	"sse_handshake_timeout": "sse.handshake_timeout",

	"covers_dir":             "covers.dir",
	"covers_max_attempts":    "covers.max_attempts",
	"covers_retention":       "covers.retention",
	"covers_rate_per_second": "covers.rate_per_second",
	"covers_batch_size":      "covers.batch_size",

	"http_host":    "http.host",
	"http_port":    "http.port",
	"http_timeout": "http.timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable name to its koanf path,
// or "" to skip it.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
