// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"fmt"

	"github.com/soundshelf/soundshelf/internal/models"
)

// createSchema bootstraps all tables and indexes. Every statement is
// idempotent so Open can run it unconditionally.
func (s *Store) createSchema(ctx context.Context) error {
	tableModels := []any{
		(*models.Book)(nil),
		(*models.Series)(nil),
		(*models.Contributor)(nil),
		(*models.Chapter)(nil),
		(*models.BookContributor)(nil),
		(*models.PendingOperation)(nil),
		(*models.CoverDownloadTask)(nil),
	}
	for _, model := range tableModels {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chapters_book_id ON chapters (book_id)`,
		`CREATE INDEX IF NOT EXISTS idx_book_contributors_contributor ON book_contributors (contributor_id)`,
		// The outbox coalescing invariant: at most one pending operation per
		// (entity_type, entity_id, op_type).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_ops_target ON pending_operations (entity_type, entity_id, op_type)`,
		`CREATE INDEX IF NOT EXISTS idx_cover_tasks_status ON cover_download_tasks (status)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS books_fts USING fts5(
			book_id UNINDEXED, title, subtitle, description, series_name, contributor_names
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS series_fts USING fts5(
			series_id UNINDEXED, name, description
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS contributors_fts USING fts5(
			contributor_id UNINDEXED, name, biography
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	return nil
}
