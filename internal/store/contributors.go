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

// UpsertContributors inserts or replaces contributors by id.
func (s *Store) UpsertContributors(ctx context.Context, contributors []*models.Contributor) error {
	if len(contributors) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().
		Model(&contributors).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("biography = EXCLUDED.biography").
		Set("has_cover = EXCLUDED.has_cover").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert contributors: %w", err)
	}
	return nil
}

// DeleteContributorsByIDs removes contributors and their junction rows.
func (s *Store) DeleteContributorsByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.BookContributor)(nil)).Where("contributor_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return fmt.Errorf("delete contributor junctions: %w", err)
		}
		if _, err := tx.NewDelete().Model((*models.Contributor)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return fmt.Errorf("delete contributors: %w", err)
		}
		return nil
	})
}

// CountContributors returns the number of locally cached contributors.
func (s *Store) CountContributors(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*models.Contributor)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count contributors: %w", err)
	}
	return count, nil
}

// SetContributorCoverPath records where a downloaded contributor photo was
// persisted.
func (s *Store) SetContributorCoverPath(ctx context.Context, contributorID, path string) error {
	_, err := s.db.NewUpdate().
		Model((*models.Contributor)(nil)).
		Set("cover_path = ?", path).
		Where("id = ?", contributorID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set cover path for contributor %s: %w", contributorID, err)
	}
	return nil
}
