// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
	"github.com/soundshelf/soundshelf/internal/models"
)

// PullResult summarizes what one pull changed locally.
type PullResult struct {
	BooksUpserted        int64
	SeriesUpserted       int64
	ContributorsUpserted int64
	Deleted              int64
	Conflicts            int64
	LocalEditsPreserved  int64
}

// Puller downloads server-side entity state into the local cache. The three
// entity pullers run concurrently and fail fast: the first error cancels the
// others so a partial pull never advances the checkpoint.
type Puller struct {
	client   APIClient
	store    Datastore
	pageSize int

	// onProgress reports which entity set a puller is working on and how
	// many pages it has applied so far (0 at phase start). May be nil.
	onProgress func(phase Phase, page int)

	// enqueueCover registers a cover download for later. May be nil. Failures
	// are logged, never propagated: cover art must not fail a sync.
	enqueueCover func(ctx context.Context, entityType models.EntityType, entityID string)
}

// NewPuller creates a pull orchestrator over client and store.
func NewPuller(client APIClient, store Datastore, pageSize int, onProgress func(Phase, int), enqueueCover func(context.Context, models.EntityType, string)) *Puller {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Puller{
		client:       client,
		store:        store,
		pageSize:     pageSize,
		onProgress:   onProgress,
		enqueueCover: enqueueCover,
	}
}

// PullAll pulls books, series, and contributors concurrently. A nil
// updatedAfter requests a full pull; otherwise only records changed after
// the timestamp are fetched.
func (p *Puller) PullAll(ctx context.Context, updatedAfter *time.Time) (*PullResult, error) {
	result := &PullResult{}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.pullBooks(ctx, updatedAfter, result) })
	g.Go(func() error { return p.pullSeries(ctx, updatedAfter, result) })
	g.Go(func() error { return p.pullContributors(ctx, updatedAfter, result) })

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Puller) reportProgress(phase Phase, page int) {
	if p.onProgress != nil {
		p.onProgress(phase, page)
	}
}

func (p *Puller) pullBooks(ctx context.Context, updatedAfter *time.Time, result *PullResult) error {
	p.reportProgress(PhaseSyncingBooks, 0)

	pageNum := 0
	cursor := ""
	for {
		page, err := p.client.GetBooks(ctx, api.PageRequest{
			Limit:        p.pageSize,
			Cursor:       cursor,
			UpdatedAfter: updatedAfter,
		})
		if err != nil {
			return fmt.Errorf("pull books: %w", err)
		}
		metrics.SyncPagesPulled.WithLabelValues("book").Inc()

		if err := p.applyBookPage(ctx, page, result); err != nil {
			return err
		}
		pageNum++
		p.reportProgress(PhaseSyncingBooks, pageNum)

		if !page.HasMore || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// applyBookPage applies one page: deletions first so a record that was
// deleted and re-created lands in its final state, then conflict-aware
// upserts.
func (p *Puller) applyBookPage(ctx context.Context, page *api.BookPage, result *PullResult) error {
	if len(page.DeletedIDs) > 0 {
		if err := p.store.DeleteBooksByIDs(ctx, page.DeletedIDs); err != nil {
			return fmt.Errorf("apply book deletions: %w", err)
		}
		atomic.AddInt64(&result.Deleted, int64(len(page.DeletedIDs)))
		metrics.SyncEntitiesDeleted.WithLabelValues("book").Add(float64(len(page.DeletedIDs)))
	}

	if len(page.Items) == 0 {
		return nil
	}

	ids := make([]string, 0, len(page.Items))
	for _, record := range page.Items {
		ids = append(ids, record.ID)
	}
	existing, err := p.store.GetBooksByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load existing books: %w", err)
	}

	upserts := make([]*models.Book, 0, len(page.Items))
	applied := make([]api.BookRecord, 0, len(page.Items))
	for _, record := range page.Items {
		book, keep := p.resolveBook(record, existing[record.ID], result)
		if !keep {
			continue
		}
		upserts = append(upserts, book)
		applied = append(applied, record)
	}

	if len(upserts) > 0 {
		if err := p.store.UpsertBooks(ctx, upserts); err != nil {
			return fmt.Errorf("apply book upserts: %w", err)
		}
		atomic.AddInt64(&result.BooksUpserted, int64(len(upserts)))
		metrics.SyncEntitiesUpserted.WithLabelValues("book").Add(float64(len(upserts)))
	}

	for _, record := range applied {
		if err := p.applyBookDependents(ctx, record); err != nil {
			return err
		}
		if record.HasCover && p.enqueueCover != nil {
			p.enqueueCover(ctx, models.EntityBook, record.ID)
		}
	}
	return nil
}

// resolveBook decides how a server record interacts with the local row.
// Returns keep=false when a local unpushed edit is newer than the server
// version, in which case the server record is dropped for this pull.
func (p *Puller) resolveBook(record api.BookRecord, local *models.Book, result *PullResult) (*models.Book, bool) {
	book := bookFromRecord(record)

	if local == nil || local.SyncState == models.SyncStateSynced {
		return book, true
	}

	// Local row carries unpushed edits (not_synced) or an already flagged
	// conflict. The local edit wins while it is at least as fresh as the
	// server version.
	if !record.UpdatedAt.After(local.LastModified) {
		atomic.AddInt64(&result.LocalEditsPreserved, 1)
		logging.Debug().
			Str("book_id", record.ID).
			Time("server_updated_at", record.UpdatedAt).
			Time("local_modified", local.LastModified).
			Msg("preserving local edit over older server version")
		return nil, false
	}

	// Server is newer than the pending local edit: the server version wins,
	// and the collision is flagged for the product layer.
	serverUpdatedAt := record.UpdatedAt
	book.SyncState = models.SyncStateConflict
	book.LastModified = local.LastModified
	book.ConflictServerUpdatedAt = &serverUpdatedAt
	atomic.AddInt64(&result.Conflicts, 1)
	metrics.SyncConflictsDetected.Inc()
	logging.Warn().
		Str("book_id", record.ID).
		Time("server_updated_at", record.UpdatedAt).
		Time("local_modified", local.LastModified).
		Msg("conflict: server version newer than unpushed local edit")
	return book, true
}

// applyBookDependents replaces the chapters and contributor links of one
// pulled book.
func (p *Puller) applyBookDependents(ctx context.Context, record api.BookRecord) error {
	chapters := make([]*models.Chapter, 0, len(record.Chapters))
	for _, ch := range record.Chapters {
		chapters = append(chapters, &models.Chapter{
			ID:      ch.ID,
			BookID:  record.ID,
			Index:   ch.Index,
			Title:   ch.Title,
			StartMs: ch.StartMs,
			EndMs:   ch.EndMs,
		})
	}
	if err := p.store.ReplaceChapters(ctx, record.ID, chapters); err != nil {
		return fmt.Errorf("replace chapters for book %s: %w", record.ID, err)
	}

	links := make([]*models.BookContributor, 0, len(record.Contributors))
	for _, contributor := range record.Contributors {
		links = append(links, &models.BookContributor{
			BookID:        record.ID,
			ContributorID: contributor.ID,
			Role:          models.ContributorRole(contributor.Role),
		})
	}
	if err := p.store.ReplaceBookContributors(ctx, record.ID, links); err != nil {
		return fmt.Errorf("replace contributors for book %s: %w", record.ID, err)
	}
	return nil
}

func (p *Puller) pullSeries(ctx context.Context, updatedAfter *time.Time, result *PullResult) error {
	p.reportProgress(PhaseSyncingSeries, 0)

	pageNum := 0
	cursor := ""
	for {
		page, err := p.client.GetSeries(ctx, api.PageRequest{
			Limit:        p.pageSize,
			Cursor:       cursor,
			UpdatedAfter: updatedAfter,
		})
		if err != nil {
			return fmt.Errorf("pull series: %w", err)
		}
		metrics.SyncPagesPulled.WithLabelValues("series").Inc()

		if len(page.DeletedIDs) > 0 {
			if err := p.store.DeleteSeriesByIDs(ctx, page.DeletedIDs); err != nil {
				return fmt.Errorf("apply series deletions: %w", err)
			}
			atomic.AddInt64(&result.Deleted, int64(len(page.DeletedIDs)))
			metrics.SyncEntitiesDeleted.WithLabelValues("series").Add(float64(len(page.DeletedIDs)))
		}

		if len(page.Items) > 0 {
			series := make([]*models.Series, 0, len(page.Items))
			for _, record := range page.Items {
				series = append(series, &models.Series{
					ID:          record.ID,
					Name:        record.Name,
					Description: record.Description,
					HasCover:    record.HasCover,
					UpdatedAt:   record.UpdatedAt,
				})
			}
			if err := p.store.UpsertSeries(ctx, series); err != nil {
				return fmt.Errorf("apply series upserts: %w", err)
			}
			atomic.AddInt64(&result.SeriesUpserted, int64(len(series)))
			metrics.SyncEntitiesUpserted.WithLabelValues("series").Add(float64(len(series)))

			if p.enqueueCover != nil {
				for _, record := range page.Items {
					if record.HasCover {
						p.enqueueCover(ctx, models.EntitySeries, record.ID)
					}
				}
			}
		}
		pageNum++
		p.reportProgress(PhaseSyncingSeries, pageNum)

		if !page.HasMore || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (p *Puller) pullContributors(ctx context.Context, updatedAfter *time.Time, result *PullResult) error {
	p.reportProgress(PhaseSyncingContributors, 0)

	pageNum := 0
	cursor := ""
	for {
		page, err := p.client.GetContributors(ctx, api.PageRequest{
			Limit:        p.pageSize,
			Cursor:       cursor,
			UpdatedAfter: updatedAfter,
		})
		if err != nil {
			return fmt.Errorf("pull contributors: %w", err)
		}
		metrics.SyncPagesPulled.WithLabelValues("contributor").Inc()

		if len(page.DeletedIDs) > 0 {
			if err := p.store.DeleteContributorsByIDs(ctx, page.DeletedIDs); err != nil {
				return fmt.Errorf("apply contributor deletions: %w", err)
			}
			atomic.AddInt64(&result.Deleted, int64(len(page.DeletedIDs)))
			metrics.SyncEntitiesDeleted.WithLabelValues("contributor").Add(float64(len(page.DeletedIDs)))
		}

		if len(page.Items) > 0 {
			contributors := make([]*models.Contributor, 0, len(page.Items))
			for _, record := range page.Items {
				contributors = append(contributors, &models.Contributor{
					ID:        record.ID,
					Name:      record.Name,
					Biography: record.Biography,
					HasCover:  record.HasCover,
					UpdatedAt: record.UpdatedAt,
				})
			}
			if err := p.store.UpsertContributors(ctx, contributors); err != nil {
				return fmt.Errorf("apply contributor upserts: %w", err)
			}
			atomic.AddInt64(&result.ContributorsUpserted, int64(len(contributors)))
			metrics.SyncEntitiesUpserted.WithLabelValues("contributor").Add(float64(len(contributors)))

			if p.enqueueCover != nil {
				for _, record := range page.Items {
					if record.HasCover {
						p.enqueueCover(ctx, models.EntityContributor, record.ID)
					}
				}
			}
		}
		pageNum++
		p.reportProgress(PhaseSyncingContributors, pageNum)

		if !page.HasMore || page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// bookFromRecord maps a wire record to a clean synced local row.
func bookFromRecord(record api.BookRecord) *models.Book {
	return &models.Book{
		ID:           record.ID,
		Title:        record.Title,
		Subtitle:     record.Subtitle,
		Description:  record.Description,
		SeriesID:     record.SeriesID,
		SeriesIndex:  record.SeriesIndex,
		Duration:     record.DurationMs,
		Language:     record.Language,
		PublishYear:  record.PublishYear,
		HasCover:     record.HasCover,
		UpdatedAt:    record.UpdatedAt,
		LastModified: record.UpdatedAt,
		SyncState:    models.SyncStateSynced,
	}
}
