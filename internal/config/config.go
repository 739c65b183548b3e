// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package config loads and validates the daemon configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Soundshelf daemon.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig     `koanf:"sync"`
	SSE      SSEConfig      `koanf:"sse"`
	Covers   CoversConfig   `koanf:"covers"`
	HTTP     HTTPConfig     `koanf:"http"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig describes the remote audiobook server this client syncs with.
type ServerConfig struct {
	// URL is the base URL of the audiobook server, e.g. https://books.example.com.
	URL string `koanf:"url" validate:"required,url"`

	// Token is the bearer token used for authenticated requests.
	Token string `koanf:"token" validate:"required"`

	// Timeout bounds single-shot API requests. The SSE stream is exempt.
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig describes the local SQLite cache.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `koanf:"path" validate:"required"`

	// BusyTimeout is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY.
	BusyTimeout time.Duration `koanf:"busy_timeout"`

	// Debug logs every query at debug level.
	Debug bool `koanf:"debug"`
}

// SyncConfig tunes the pull/push engine.
type SyncConfig struct {
	// PageSize is the cursor-pagination page size for entity pulls.
	PageSize int `koanf:"page_size" validate:"min=1,max=1000"`

	// RetryAttempts is the number of pull attempts before giving up.
	RetryAttempts int `koanf:"retry_attempts" validate:"min=1"`

	// RetryInitialDelay is the first backoff delay between pull attempts.
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`

	// RetryMultiplier scales the delay after each failed attempt.
	RetryMultiplier float64 `koanf:"retry_multiplier" validate:"min=1"`

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `koanf:"retry_max_delay"`

	// PushMaxAttempts caps retries of a queued local mutation before it is
	// surfaced as permanently failed.
	PushMaxAttempts int `koanf:"push_max_attempts" validate:"min=1"`

	// Interval enables periodic background sync when non-zero.
	Interval time.Duration `koanf:"interval"`
}

// SSEConfig tunes the server-sent-events connection.
type SSEConfig struct {
	// InitialBackoff is the first reconnect delay after a dropped stream.
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// HandshakeTimeout bounds the initial streaming GET handshake.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// CoversConfig tunes background cover-image downloads.
type CoversConfig struct {
	// Dir is where downloaded cover images are persisted.
	Dir string `koanf:"dir" validate:"required"`

	// MaxAttempts caps retries per cover before the task is marked failed.
	MaxAttempts int `koanf:"max_attempts" validate:"min=1"`

	// Retention is how long completed download tasks are kept before purge.
	Retention time.Duration `koanf:"retention"`

	// RatePerSecond limits cover downloads to protect the image host.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gt=0"`

	// BatchSize is how many pending tasks are claimed per worker pass.
	BatchSize int `koanf:"batch_size" validate:"min=1"`
}

// HTTPConfig describes the local status/control HTTP server.
type HTTPConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`

	// Timeout bounds request handling on the status server.
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig mirrors logging.Config for koanf unmarshaling.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for structural and cross-field errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Sync.RetryInitialDelay <= 0 {
		return fmt.Errorf("sync.retry_initial_delay must be positive, got %s", c.Sync.RetryInitialDelay)
	}
	if c.Sync.RetryMaxDelay < c.Sync.RetryInitialDelay {
		return fmt.Errorf("sync.retry_max_delay (%s) must be >= sync.retry_initial_delay (%s)",
			c.Sync.RetryMaxDelay, c.Sync.RetryInitialDelay)
	}
	if c.SSE.MaxBackoff < c.SSE.InitialBackoff {
		return fmt.Errorf("sse.max_backoff (%s) must be >= sse.initial_backoff (%s)",
			c.SSE.MaxBackoff, c.SSE.InitialBackoff)
	}
	return nil
}
