// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
	"github.com/soundshelf/soundshelf/internal/models"
)

// coverPollInterval bounds how long the worker idles before re-checking the
// task table when no enqueue nudge arrives.
const coverPollInterval = 30 * time.Second

// CoverDownloader drains the persisted cover-download task queue in the
// background. It is fully detached from the sync path: sync only enqueues
// tasks, and a missing or failing cover never affects sync results.
type CoverDownloader struct {
	client      APIClient
	store       Datastore
	dir         string
	maxAttempts int
	batchSize   int
	retention   time.Duration
	limiter     *rate.Limiter

	wake chan struct{}
}

// NewCoverDownloader creates a cover download worker.
func NewCoverDownloader(client APIClient, store Datastore, cfg config.CoversConfig) *CoverDownloader {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 4
	}
	return &CoverDownloader{
		client:      client,
		store:       store,
		dir:         cfg.Dir,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		retention:   cfg.Retention,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), 1),
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue records a cover download request and nudges the worker. Errors are
// logged, not returned: cover art is best-effort by contract.
func (d *CoverDownloader) Enqueue(ctx context.Context, entityType models.EntityType, entityID string) {
	if err := d.store.EnqueueCoverTask(ctx, entityType, entityID); err != nil {
		logging.Warn().Err(err).
			Str("entity_type", string(entityType)).
			Str("entity_id", entityID).
			Msg("failed to enqueue cover download")
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Serve runs the worker until ctx is canceled. It satisfies suture.Service.
func (d *CoverDownloader) Serve(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(coverPollInterval)
	defer ticker.Stop()

	for {
		if err := d.drainOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-ticker.C:
			if _, err := d.store.PurgeCompletedCoverTasks(ctx, time.Now().Add(-d.retention)); err != nil {
				logging.Warn().Err(err).Msg("cover task retention purge failed")
			}
		}
	}
}

// recover runs the crash-recovery pass: tasks stuck in_progress from a dead
// process go back to pending, and stale completed rows are purged.
func (d *CoverDownloader) recover(ctx context.Context) error {
	reset, err := d.store.ResetInProgressCoverTasks(ctx)
	if err != nil {
		return fmt.Errorf("reset stale cover tasks: %w", err)
	}
	if reset > 0 {
		logging.Info().Int("count", reset).Msg("requeued cover downloads interrupted by restart")
	}
	purged, err := d.store.PurgeCompletedCoverTasks(ctx, time.Now().Add(-d.retention))
	if err != nil {
		return fmt.Errorf("purge completed cover tasks: %w", err)
	}
	if purged > 0 {
		logging.Debug().Int("count", purged).Msg("purged completed cover tasks")
	}
	return nil
}

// drainOnce claims and processes batches until the pending queue is empty.
func (d *CoverDownloader) drainOnce(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tasks, err := d.store.ClaimPendingCoverTasks(ctx, d.batchSize)
		if err != nil {
			logging.Error().Err(err).Msg("failed to claim cover tasks")
			return nil
		}
		if len(tasks) == 0 {
			return nil
		}
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.process(ctx, task)
		}
	}
}

// process downloads one cover. A 404 permanently fails the task without
// noise: the server genuinely has no cover for the entity. Transient
// failures requeue until the attempt budget runs out.
func (d *CoverDownloader) process(ctx context.Context, task *models.CoverDownloadTask) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	data, err := d.client.DownloadCover(ctx, string(task.EntityType), task.EntityID)
	if err != nil {
		d.handleDownloadError(ctx, task, err)
		return
	}

	path, err := d.persist(task, data)
	if err != nil {
		logging.Error().Err(err).
			Str("entity_type", string(task.EntityType)).
			Str("entity_id", task.EntityID).
			Msg("failed to persist cover image")
		d.handleDownloadError(ctx, task, err)
		return
	}

	if err := d.recordCoverPath(ctx, task, path); err != nil {
		logging.Warn().Err(err).Str("entity_id", task.EntityID).Msg("failed to record cover path")
	}
	if err := d.store.MarkCoverTaskCompleted(ctx, task.EntityType, task.EntityID); err != nil {
		logging.Warn().Err(err).Str("entity_id", task.EntityID).Msg("failed to complete cover task")
		return
	}
	metrics.CoverDownloads.WithLabelValues("success").Inc()
}

func (d *CoverDownloader) handleDownloadError(ctx context.Context, task *models.CoverDownloadTask, err error) {
	if ctx.Err() != nil {
		// Shutdown mid-download; the in_progress row is recovered next start.
		return
	}
	if api.IsNotFound(err) {
		logging.Debug().
			Str("entity_type", string(task.EntityType)).
			Str("entity_id", task.EntityID).
			Msg("no cover available server-side")
		_ = d.store.MarkCoverTaskFailed(ctx, task.EntityType, task.EntityID)
		metrics.CoverDownloads.WithLabelValues("not_found").Inc()
		return
	}

	attempts, reqErr := d.store.RequeueCoverTask(ctx, task.EntityType, task.EntityID)
	if reqErr != nil {
		logging.Warn().Err(reqErr).Str("entity_id", task.EntityID).Msg("failed to requeue cover task")
		return
	}
	if attempts >= d.maxAttempts {
		logging.Warn().Err(err).
			Str("entity_type", string(task.EntityType)).
			Str("entity_id", task.EntityID).
			Int("attempts", attempts).
			Msg("cover download failed permanently")
		_ = d.store.MarkCoverTaskFailed(ctx, task.EntityType, task.EntityID)
		metrics.CoverDownloads.WithLabelValues("failed").Inc()
		return
	}
	logging.Debug().Err(err).
		Str("entity_id", task.EntityID).
		Int("attempts", attempts).
		Msg("cover download failed, requeued")
	metrics.CoverDownloads.WithLabelValues("retry").Inc()
}

// persist writes the image under dir/<entity_type>/<entity_id>.img.
func (d *CoverDownloader) persist(task *models.CoverDownloadTask, data []byte) (string, error) {
	kindDir := filepath.Join(d.dir, string(task.EntityType))
	if err := os.MkdirAll(kindDir, 0o755); err != nil {
		return "", fmt.Errorf("create cover dir: %w", err)
	}
	path := filepath.Join(kindDir, task.EntityID+".img")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write cover file: %w", err)
	}
	return path, nil
}

func (d *CoverDownloader) recordCoverPath(ctx context.Context, task *models.CoverDownloadTask, path string) error {
	switch task.EntityType {
	case models.EntityBook:
		return d.store.SetBookCoverPath(ctx, task.EntityID, path)
	case models.EntitySeries:
		return d.store.SetSeriesCoverPath(ctx, task.EntityID, path)
	case models.EntityContributor:
		return d.store.SetContributorCoverPath(ctx, task.EntityID, path)
	default:
		return fmt.Errorf("no cover path column for entity type %s", task.EntityType)
	}
}
