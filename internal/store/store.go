// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package store implements the local embedded cache: bun over SQLite, with
// per-entity DAOs, the pending-operation outbox, the cover-download task
// queue, sync metadata, and the FTS5 search index tables.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/logging"
)

// Store owns the bun handle and exposes all local persistence operations.
type Store struct {
	db *bun.DB
}

// logQueryHook logs every query at debug level when database.debug is set.
type logQueryHook struct{}

func (*logQueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (*logQueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	logging.Debug().Str("query", event.Query).Msg("sqlite query")
}

// Open opens (creating if needed) the local SQLite database and bootstraps
// the schema. WAL mode allows concurrent reads during sync writes.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", cfg.Path, err)
	}

	// SQLite handles a single writer; more connections just contend.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if cfg.Debug {
		db.AddQueryHook(&logQueryHook{})
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=?", cfg.BusyTimeout.Milliseconds()); err != nil {
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := checkFTS5Support(db); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.createSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an existing bun handle. Used by tests with in-memory
// databases.
func NewWithDB(db *bun.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// checkFTS5Support verifies FTS5 is available in the SQLite build. Offline
// search depends on it.
func checkFTS5Support(db *bun.DB) error {
	if _, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS _fts5_check USING fts5(test)"); err != nil {
		return fmt.Errorf("FTS5 is not enabled in this SQLite build: %w", err)
	}
	_, _ = db.Exec("DROP TABLE IF EXISTS _fts5_check")
	return nil
}
