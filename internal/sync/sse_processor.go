// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
	"github.com/soundshelf/soundshelf/internal/models"
)

// ProcessorHooks are signals an EventProcessor raises for the sync manager.
// They are invoked outside the sync mutex, so a hook may start a sync.
type ProcessorHooks struct {
	// OnScanCompleted fires when the server finishes a library scan.
	OnScanCompleted func()

	// OnLibraryChanged fires when the server switches to another library.
	OnLibraryChanged func(libraryID string)

	// OnUserDeleted fires when the authenticated user was deleted server-side.
	OnUserDeleted func()
}

// EventProcessor applies decoded server events to the local cache. Every
// apply runs under the shared sync mutex so events never interleave with a
// running pull.
type EventProcessor struct {
	store        Datastore
	syncMu       *stdsync.Mutex
	enqueueCover func(ctx context.Context, entityType models.EntityType, entityID string)
	hooks        ProcessorHooks

	scanning atomic.Bool
}

// NewEventProcessor creates an event processor sharing syncMu with the sync
// manager.
func NewEventProcessor(store Datastore, syncMu *stdsync.Mutex, enqueueCover func(context.Context, models.EntityType, string), hooks ProcessorHooks) *EventProcessor {
	return &EventProcessor{
		store:        store,
		syncMu:       syncMu,
		enqueueCover: enqueueCover,
		hooks:        hooks,
	}
}

// ServerScanning reports whether the server announced a scan in progress
// that has not completed yet.
func (p *EventProcessor) ServerScanning() bool {
	return p.scanning.Load()
}

// Apply decodes and applies one event. Unknown types and malformed payloads
// are dropped; apply failures are logged but never propagate, since a bad
// event must not take the stream down.
func (p *EventProcessor) Apply(ctx context.Context, evt Event) {
	payload, known, err := decodeEventPayload(evt)
	if !known {
		logging.Debug().Str("event_type", evt.Type).Msg("dropping event of unknown type")
		metrics.SSEEventsDropped.WithLabelValues("unknown_type").Inc()
		return
	}
	if err != nil {
		logging.Warn().Err(err).Str("event_type", evt.Type).Msg("dropping malformed event")
		metrics.SSEEventsDropped.WithLabelValues("decode_error").Inc()
		return
	}

	p.syncMu.Lock()
	signal, err := p.apply(ctx, evt.Type, payload)
	p.syncMu.Unlock()

	if err != nil {
		logging.Error().Err(err).Str("event_type", evt.Type).Msg("failed to apply event")
		metrics.SSEEventsDropped.WithLabelValues("apply_error").Inc()
		return
	}
	metrics.SSEEventsApplied.WithLabelValues(evt.Type).Inc()

	if signal != nil {
		signal()
	}
}

// apply mutates local state for one event and may return a hook to invoke
// once the sync mutex is released.
func (p *EventProcessor) apply(ctx context.Context, eventType string, payload any) (func(), error) {
	switch eventType {
	case EventBookCreated, EventBookUpdated:
		return nil, p.applyBook(ctx, payload.(api.BookRecord))

	case EventBookDeleted:
		return nil, p.store.DeleteBooksByIDs(ctx, []string{payload.(EntityDeletedPayload).ID})

	case EventBookCoverUpdated:
		p.requestCover(ctx, models.EntityBook, payload.(CoverUpdatedPayload).ID)
		return nil, nil

	case EventSeriesCreated, EventSeriesUpdated:
		record := payload.(api.SeriesRecord)
		err := p.store.UpsertSeries(ctx, []*models.Series{{
			ID:          record.ID,
			Name:        record.Name,
			Description: record.Description,
			HasCover:    record.HasCover,
			UpdatedAt:   record.UpdatedAt,
		}})
		if err == nil && record.HasCover {
			p.requestCover(ctx, models.EntitySeries, record.ID)
		}
		return nil, err

	case EventSeriesDeleted:
		return nil, p.store.DeleteSeriesByIDs(ctx, []string{payload.(EntityDeletedPayload).ID})

	case EventSeriesCoverUpdated:
		p.requestCover(ctx, models.EntitySeries, payload.(CoverUpdatedPayload).ID)
		return nil, nil

	case EventContributorCreated, EventContributorUpdated:
		record := payload.(api.ContributorRecord)
		err := p.store.UpsertContributors(ctx, []*models.Contributor{{
			ID:        record.ID,
			Name:      record.Name,
			Biography: record.Biography,
			HasCover:  record.HasCover,
			UpdatedAt: record.UpdatedAt,
		}})
		if err == nil && record.HasCover {
			p.requestCover(ctx, models.EntityContributor, record.ID)
		}
		return nil, err

	case EventContributorDeleted:
		return nil, p.store.DeleteContributorsByIDs(ctx, []string{payload.(EntityDeletedPayload).ID})

	case EventContributorCoverUpdated:
		p.requestCover(ctx, models.EntityContributor, payload.(CoverUpdatedPayload).ID)
		return nil, nil

	case EventLibraryScanStarted:
		p.scanning.Store(true)
		logging.Info().Msg("server library scan started")
		return nil, nil

	case EventLibraryScanProgress:
		logging.Debug().Int("progress", payload.(ScanPayload).Progress).Msg("server library scan progress")
		return nil, nil

	case EventLibraryScanCompleted:
		p.scanning.Store(false)
		logging.Info().Int("book_count", payload.(ScanPayload).BookCount).Msg("server library scan completed")
		return p.hooks.OnScanCompleted, nil

	case EventLibraryChanged:
		libraryID := payload.(LibraryChangedPayload).LibraryID
		if p.hooks.OnLibraryChanged == nil {
			return nil, nil
		}
		return func() { p.hooks.OnLibraryChanged(libraryID) }, nil

	case EventPreferencesUpdated:
		prefs := payload.(api.Preferences)
		return nil, p.store.SetPreferences(ctx, &models.UserPreferences{
			PlaybackSpeed:  prefs.PlaybackSpeed,
			SleepTimerMins: prefs.SleepTimerMins,
			Theme:          prefs.Theme,
		})

	case EventProfileUpdated:
		profile, err := p.store.Profile(ctx)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			profile = &models.Profile{}
		}
		profile.DisplayName = payload.(ProfilePayload).DisplayName
		return nil, p.store.SetProfile(ctx, profile)

	case EventAvatarUpdated:
		// The avatar is fetched lazily by the UI layer; nothing cached here.
		return nil, nil

	case EventUserDeleted:
		logging.Warn().Msg("authenticated user deleted server-side")
		return p.hooks.OnUserDeleted, nil

	case EventInstanceUpdated:
		return nil, p.store.SetRemoteURL(ctx, payload.(InstancePayload).RemoteURL)
	}

	return nil, fmt.Errorf("no apply handler for event type %s", eventType)
}

// applyBook upserts a book from an event with the same conflict policy as
// pull: a fresher unpushed local edit is preserved, a newer server version
// wins and flags the collision.
func (p *EventProcessor) applyBook(ctx context.Context, record api.BookRecord) error {
	local, err := p.store.GetBookByID(ctx, record.ID)
	if err != nil {
		return err
	}

	book := bookFromRecord(record)
	if local != nil && local.SyncState != models.SyncStateSynced {
		if !record.UpdatedAt.After(local.LastModified) {
			logging.Debug().Str("book_id", record.ID).Msg("preserving local edit over event")
			return nil
		}
		serverUpdatedAt := record.UpdatedAt
		book.SyncState = models.SyncStateConflict
		book.LastModified = local.LastModified
		book.ConflictServerUpdatedAt = &serverUpdatedAt
		metrics.SyncConflictsDetected.Inc()
	}

	if err := p.store.UpsertBooks(ctx, []*models.Book{book}); err != nil {
		return err
	}

	if len(record.Chapters) > 0 || len(record.Contributors) > 0 {
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
			return err
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
			return err
		}
	}

	if record.HasCover {
		p.requestCover(ctx, models.EntityBook, record.ID)
	}
	return nil
}

func (p *EventProcessor) requestCover(ctx context.Context, entityType models.EntityType, entityID string) {
	if p.enqueueCover != nil {
		p.enqueueCover(ctx, entityType, entityID)
	}
}
