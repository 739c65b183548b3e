// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/soundshelf/soundshelf/internal/models"
)

// EnqueueCoverTask records that an entity's cover should be downloaded. A
// task already queued for the same entity is left untouched, except that a
// failed or completed task is reset to pending so a fresh server-side cover
// gets fetched again.
func (s *Store) EnqueueCoverTask(ctx context.Context, entityType models.EntityType, entityID string) error {
	task := &models.CoverDownloadTask{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     models.CoverTaskPending,
		UpdatedAt:  time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(task).
		On("CONFLICT (entity_type, entity_id) DO UPDATE").
		Set("status = CASE WHEN ct.status IN ('completed', 'failed') THEN 'pending' ELSE ct.status END").
		Set("attempts = CASE WHEN ct.status IN ('completed', 'failed') THEN 0 ELSE ct.attempts END").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue cover task %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// ClaimPendingCoverTasks atomically moves up to limit pending tasks to
// in_progress and returns them, oldest-first.
func (s *Store) ClaimPendingCoverTasks(ctx context.Context, limit int) ([]*models.CoverDownloadTask, error) {
	var tasks []*models.CoverDownloadTask
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := tx.NewSelect().
			Model(&tasks).
			Where("status = ?", models.CoverTaskPending).
			Order("updated_at ASC").
			Limit(limit).
			Scan(ctx); err != nil {
			return fmt.Errorf("select pending cover tasks: %w", err)
		}
		now := time.Now().UTC()
		for _, task := range tasks {
			if _, err := tx.NewUpdate().
				Model((*models.CoverDownloadTask)(nil)).
				Set("status = ?", models.CoverTaskInProgress).
				Set("updated_at = ?", now).
				Where("entity_type = ? AND entity_id = ?", task.EntityType, task.EntityID).
				Exec(ctx); err != nil {
				return fmt.Errorf("claim cover task %s/%s: %w", task.EntityType, task.EntityID, err)
			}
			task.Status = models.CoverTaskInProgress
			task.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkCoverTaskCompleted finishes a task. The row stays until retention
// purges it so repeated pulls do not re-download the same cover.
func (s *Store) MarkCoverTaskCompleted(ctx context.Context, entityType models.EntityType, entityID string) error {
	return s.setCoverTaskStatus(ctx, entityType, entityID, models.CoverTaskCompleted)
}

// MarkCoverTaskFailed permanently fails a task (missing cover, attempts
// exhausted).
func (s *Store) MarkCoverTaskFailed(ctx context.Context, entityType models.EntityType, entityID string) error {
	return s.setCoverTaskStatus(ctx, entityType, entityID, models.CoverTaskFailed)
}

func (s *Store) setCoverTaskStatus(ctx context.Context, entityType models.EntityType, entityID string, status models.CoverTaskStatus) error {
	_, err := s.db.NewUpdate().
		Model((*models.CoverDownloadTask)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark cover task %s/%s %s: %w", entityType, entityID, status, err)
	}
	return nil
}

// RequeueCoverTask returns a task to pending after a transient failure and
// bumps its attempt counter, returning the new count.
func (s *Store) RequeueCoverTask(ctx context.Context, entityType models.EntityType, entityID string) (int, error) {
	_, err := s.db.NewUpdate().
		Model((*models.CoverDownloadTask)(nil)).
		Set("status = ?", models.CoverTaskPending).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue cover task %s/%s: %w", entityType, entityID, err)
	}
	var attempts int
	if err := s.db.NewRaw(
		"SELECT attempts FROM cover_download_tasks WHERE entity_type = ? AND entity_id = ?",
		entityType, entityID).Scan(ctx, &attempts); err != nil {
		return 0, fmt.Errorf("read attempts for cover task %s/%s: %w", entityType, entityID, err)
	}
	return attempts, nil
}

// ResetInProgressCoverTasks returns every in_progress task to pending.
// Called once at startup: an in_progress row at that point means the process
// died mid-download.
func (s *Store) ResetInProgressCoverTasks(ctx context.Context) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*models.CoverDownloadTask)(nil)).
		Set("status = ?", models.CoverTaskPending).
		Set("updated_at = ?", time.Now().UTC()).
		Where("status = ?", models.CoverTaskInProgress).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset in-progress cover tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeCompletedCoverTasks deletes completed tasks last touched before
// cutoff.
func (s *Store) PurgeCompletedCoverTasks(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*models.CoverDownloadTask)(nil)).
		Where("status = ? AND updated_at < ?", models.CoverTaskCompleted, cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge completed cover tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountCoverTasksByStatus reports queue depth per status, for the status
// endpoint and metrics.
func (s *Store) CountCoverTasksByStatus(ctx context.Context, status models.CoverTaskStatus) (int, error) {
	count, err := s.db.NewSelect().
		Model((*models.CoverDownloadTask)(nil)).
		Where("status = ?", status).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s cover tasks: %w", status, err)
	}
	return count, nil
}
