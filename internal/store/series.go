// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/soundshelf/soundshelf/internal/models"
)

// UpsertSeries inserts or replaces series by id.
func (s *Store) UpsertSeries(ctx context.Context, series []*models.Series) error {
	if len(series) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().
		Model(&series).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("description = EXCLUDED.description").
		Set("has_cover = EXCLUDED.has_cover").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert series: %w", err)
	}
	return nil
}

// DeleteSeriesByIDs removes series rows. Books referencing a deleted series
// keep their series_id; the server resolves dangling references on the next
// book update.
func (s *Store) DeleteSeriesByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.NewDelete().Model((*models.Series)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	return nil
}

// CountSeries returns the number of locally cached series.
func (s *Store) CountSeries(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*models.Series)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count series: %w", err)
	}
	return count, nil
}

// SetSeriesCoverPath records where a downloaded series cover was persisted.
func (s *Store) SetSeriesCoverPath(ctx context.Context, seriesID, path string) error {
	_, err := s.db.NewUpdate().
		Model((*models.Series)(nil)).
		Set("cover_path = ?", path).
		Where("id = ?", seriesID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set cover path for series %s: %w", seriesID, err)
	}
	return nil
}
