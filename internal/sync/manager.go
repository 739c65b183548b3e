// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package sync implements the offline-first synchronization engine: pull and
// push orchestration, conflict handling, the server-sent-events pipeline,
// background cover downloads, and offline search index maintenance.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
	"github.com/soundshelf/soundshelf/internal/models"
)

// ErrSyncInProgress is returned when a sync is requested while another one
// is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrLibraryMismatch is returned when the server's library identity differs
// from the one this cache was built against. Syncing across libraries would
// merge two unrelated datasets, so the engine stops hard until the cache is
// reset.
var ErrLibraryMismatch = errors.New("server library does not match local cache")

// Manager drives the whole engine: it sequences syncs, owns the SSE
// connection, and exposes observable status.
type Manager struct {
	client  APIClient
	store   Datastore
	cfg     config.SyncConfig
	covers  *CoverDownloader
	tracker *statusTracker

	puller    *Puller
	pusher    *Pusher
	fts       *FTSPopulator
	sse       *SSEManager
	processor *EventProcessor

	// syncMu serializes sync runs against SSE event applies.
	syncMu stdsync.Mutex

	// syncInFlight guards against concurrent sync entry without blocking:
	// a second request is rejected, not queued.
	syncInFlight atomic.Bool

	// resyncNeeded records a corrective full resync requested while a sync
	// held the in-flight guard. runSync drains it after releasing the guard
	// so the request cannot be lost to a failed CompareAndSwap.
	resyncNeeded atomic.Bool

	// realtimeMu guards realtimeCtx: SSE hooks read it from their own
	// goroutines while ConnectRealtime replaces it.
	realtimeMu stdsync.Mutex

	// realtimeCtx scopes syncs and reconnects started from SSE hooks. Set by
	// Serve or ConnectRealtime.
	realtimeCtx context.Context
}

// NewManager wires the sync engine together. covers may be nil, in which
// case cover downloads are not requested.
func NewManager(client APIClient, store Datastore, cfg config.SyncConfig, sseCfg config.SSEConfig, covers *CoverDownloader) *Manager {
	m := &Manager{
		client:      client,
		store:       store,
		cfg:         cfg,
		covers:      covers,
		tracker:     newStatusTracker(),
		realtimeCtx: context.Background(),
	}

	var enqueueCover func(context.Context, models.EntityType, string)
	if covers != nil {
		enqueueCover = covers.Enqueue
	}

	m.puller = NewPuller(client, store, cfg.PageSize, m.reportPullProgress, enqueueCover)
	m.pusher = NewPusher(client, store, cfg.PushMaxAttempts)
	m.fts = NewFTSPopulator(store)
	m.processor = NewEventProcessor(store, &m.syncMu, enqueueCover, ProcessorHooks{
		OnScanCompleted:  m.handleScanCompleted,
		OnLibraryChanged: m.handleLibraryChanged,
		OnUserDeleted:    m.handleUserDeleted,
	})
	m.sse = NewSSEManager(client, sseCfg.InitialBackoff, sseCfg.MaxBackoff, SSEHooks{
		OnEvent:        func(evt Event) { m.processor.Apply(context.Background(), evt) },
		OnConnected:    m.handleRealtimeConnected,
		OnDisconnected: m.handleRealtimeDisconnected,
		OnAuthFailure:  m.handleRealtimeAuthFailure,
	})

	return m
}

// Subscribe registers a status callback, invoked immediately with the
// current status and then on every change.
func (m *Manager) Subscribe(fn func(Status)) {
	m.tracker.Subscribe(fn)
}

// Status returns the current status snapshot.
func (m *Manager) Status() Status {
	return m.tracker.Current()
}

// Pusher exposes the outbox queueing API for the product layer.
func (m *Manager) Pusher() *Pusher {
	return m.pusher
}

// Sync runs one sync: delta when a checkpoint exists, full otherwise.
// Returns ErrSyncInProgress when a sync is already running.
func (m *Manager) Sync(ctx context.Context) error {
	return m.runSync(ctx, false)
}

// ConnectRealtime starts the SSE connection loop. Safe to call repeatedly.
func (m *Manager) ConnectRealtime(ctx context.Context) {
	m.realtimeMu.Lock()
	m.realtimeCtx = ctx
	m.realtimeMu.Unlock()
	m.sse.Connect(ctx)
}

// realtimeContext returns the context SSE hooks run their follow-up work
// under.
func (m *Manager) realtimeContext() context.Context {
	m.realtimeMu.Lock()
	defer m.realtimeMu.Unlock()
	return m.realtimeCtx
}

// DisconnectRealtime stops the SSE connection loop.
func (m *Manager) DisconnectRealtime() {
	m.sse.Disconnect()
}

// RealtimeState reports the SSE connection state.
func (m *Manager) RealtimeState() ConnState {
	return m.sse.State()
}

// ResetForNewLibrary discards the entire local cache, including queued local
// mutations, and rebuilds against whatever library the server now serves.
func (m *Manager) ResetForNewLibrary(ctx context.Context) error {
	m.sse.Disconnect()

	m.syncMu.Lock()
	err := m.store.WipeLibraryData(ctx, true)
	m.syncMu.Unlock()
	if err != nil {
		return fmt.Errorf("reset for new library: %w", err)
	}
	logging.Info().Msg("local cache reset for new library")
	m.tracker.update(func(s *Status) {
		*s = Status{State: StateIdle}
	})

	if err := m.runSync(ctx, true); err != nil {
		return err
	}
	m.sse.Connect(m.realtimeContext())
	return nil
}

// ForceFullResync discards cached entities but keeps queued local mutations,
// then pulls everything from scratch.
func (m *Manager) ForceFullResync(ctx context.Context) error {
	m.sse.Disconnect()

	m.syncMu.Lock()
	err := m.store.WipeLibraryData(ctx, false)
	m.syncMu.Unlock()
	if err != nil {
		return fmt.Errorf("force full resync: %w", err)
	}
	logging.Info().Msg("forcing full resync")

	if err := m.runSync(ctx, true); err != nil {
		return err
	}
	m.sse.Connect(m.realtimeContext())
	return nil
}

// Serve runs the manager as a long-lived service: an initial sync, the SSE
// connection, and optional periodic syncs. It satisfies suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.runSync(ctx, false); err != nil && !errors.Is(err, ErrSyncInProgress) {
		// Startup sync failures are not fatal: SSE reconnect and the periodic
		// timer will retry. Library mismatch is the exception; it needs an
		// explicit reset.
		logging.Error().Err(err).Msg("initial sync failed")
	}
	m.ConnectRealtime(ctx)
	defer m.sse.Disconnect()

	if m.cfg.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.runSync(ctx, false); err != nil && !errors.Is(err, ErrSyncInProgress) {
				logging.Warn().Err(err).Msg("periodic sync failed")
			}
		}
	}
}

// runSync is the single entry point for all sync runs. After the cycle
// releases the in-flight guard it drains any corrective full resync the
// cycle flagged (book count drift, post-scan mismatch): launching that
// resync from inside the guarded section would lose the CompareAndSwap to
// the still-running parent and silently drop it.
func (m *Manager) runSync(ctx context.Context, forceFull bool) error {
	if !m.syncInFlight.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	if forceFull {
		m.resyncNeeded.Store(false)
	}
	err := m.syncCycle(ctx, forceFull)
	m.syncInFlight.Store(false)
	if err != nil {
		return err
	}
	return m.kickResync(ctx)
}

// kickResync runs the flagged corrective full resync, if any. Losing the
// in-flight guard is fine: the sync holding it drains the flag when it
// finishes, so the request is parked rather than lost.
func (m *Manager) kickResync(ctx context.Context) error {
	for m.resyncNeeded.Load() {
		if !m.syncInFlight.CompareAndSwap(false, true) {
			return nil
		}
		m.resyncNeeded.Store(false)
		err := m.syncCycle(ctx, true)
		m.syncInFlight.Store(false)
		if err != nil {
			return err
		}
	}
	return nil
}

// syncCycle runs one sync cycle under the sync mutex and publishes its
// outcome. Caller holds the in-flight guard.
func (m *Manager) syncCycle(ctx context.Context, forceFull bool) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	start := time.Now()
	err := m.syncLocked(ctx, forceFull)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	pending, _ := m.store.CountPendingOperations(ctx)

	switch {
	case err == nil:
		metrics.SyncRuns.WithLabelValues("success").Inc()
		last, _ := m.store.LastSyncTime(ctx)
		m.tracker.update(func(s *Status) {
			s.State = StateSuccess
			s.Phase = ""
			s.Page = 0
			s.Message = ""
			s.Attempt = 0
			s.LastError = ""
			s.LastSyncedAt = last
			s.PendingOperations = pending
		})
	case errors.Is(err, ErrLibraryMismatch):
		metrics.SyncRuns.WithLabelValues("library_mismatch").Inc()
		m.tracker.update(func(s *Status) {
			s.State = StateLibraryMismatch
			s.Phase = ""
			s.Page = 0
			s.Message = ""
			s.Attempt = 0
			s.LastError = err.Error()
			s.PendingOperations = pending
		})
	default:
		metrics.SyncRuns.WithLabelValues("error").Inc()
		m.tracker.update(func(s *Status) {
			s.State = StateError
			s.Phase = ""
			s.Page = 0
			s.Message = ""
			s.Attempt = 0
			s.LastError = err.Error()
			s.PendingOperations = pending
		})
	}
	return err
}

// syncLocked runs the sync sequence. Caller holds syncMu.
func (m *Manager) syncLocked(ctx context.Context, forceFull bool) error {
	m.tracker.update(func(s *Status) {
		s.State = StateSyncing
		s.Phase = PhaseVerifyingLibrary
		s.Page = 0
		s.Message = ""
		s.Attempt = 0
		s.LastError = ""
	})

	// Library identity check. A mismatch means the server switched libraries
	// under us; continuing would corrupt the cache.
	library, err := RetryWithBackoff(ctx, m.pullRetryConfig(), func(ctx context.Context) (*api.LibraryInfo, error) {
		return m.client.GetLibrary(ctx)
	})
	if err != nil {
		return fmt.Errorf("verify library identity: %w", err)
	}
	localID, err := m.store.LibraryID(ctx)
	if err != nil {
		return err
	}
	if localID != "" && localID != library.ID {
		return fmt.Errorf("%w: cached %s, server %s", ErrLibraryMismatch, localID, library.ID)
	}
	if localID == "" {
		if err := m.store.SetLibraryID(ctx, library.ID); err != nil {
			return err
		}
	}

	// Pull window. The checkpoint is captured before the pull so changes
	// made during the pull are re-fetched next time rather than lost.
	last, err := m.store.LastSyncTime(ctx)
	if err != nil {
		return err
	}
	var updatedAfter *time.Time
	if !forceFull && !last.IsZero() {
		updatedAfter = &last
	}
	syncStart := time.Now().UTC()

	if _, err := RetryWithBackoff(ctx, m.pullRetryConfig(), func(ctx context.Context) (*PullResult, error) {
		return m.puller.PullAll(ctx, updatedAfter)
	}); err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	m.reportPhase(PhasePushingChanges)
	if _, err := m.pusher.Flush(ctx); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	// Best-effort phases. Failures here degrade features, not correctness.
	m.reportPhase(PhaseSyncingPreferences)
	m.syncPreferences(ctx)
	m.syncInstanceInfo(ctx)

	m.reportPhase(PhaseRebuildingSearch)
	if err := m.fts.Rebuild(ctx); err != nil {
		logging.Warn().Err(err).Msg("search index rebuild failed, offline search may be stale")
	}

	m.reportPhase(PhaseFinalizing)
	if err := m.store.SetLastSyncTime(ctx, syncStart); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	m.reconcileScanState(ctx, forceFull)
	return nil
}

func (m *Manager) reportPhase(phase Phase) {
	m.tracker.update(func(s *Status) {
		s.State = StateSyncing
		s.Phase = phase
		s.Page = 0
		s.Message = ""
	})
}

// reportPullProgress publishes per-page progress from the entity pullers.
func (m *Manager) reportPullProgress(phase Phase, page int) {
	m.tracker.update(func(s *Status) {
		s.State = StateSyncing
		s.Phase = phase
		s.Page = page
		if page > 0 {
			s.Message = fmt.Sprintf("applied page %d", page)
		} else {
			s.Message = ""
		}
	})
}

func (m *Manager) pullRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: m.cfg.RetryInitialDelay,
		Multiplier:   m.cfg.RetryMultiplier,
		MaxDelay:     m.cfg.RetryMaxDelay,
		MaxAttempts:  m.cfg.RetryAttempts,
		Retryable:    api.IsRetryable,
		OnRetry: func(attempt int, err error) {
			logging.Warn().Err(err).Int("attempt", attempt).Msg("sync attempt failed, backing off")
			m.tracker.update(func(s *Status) {
				s.State = StateRetrying
				s.Attempt = attempt + 1
			})
		},
	}
}

// syncPreferences mirrors the server-side user preferences locally.
func (m *Manager) syncPreferences(ctx context.Context) {
	prefs, err := m.client.GetPreferences(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to fetch preferences")
		return
	}
	err = m.store.SetPreferences(ctx, &models.UserPreferences{
		PlaybackSpeed:  prefs.PlaybackSpeed,
		SleepTimerMins: prefs.SleepTimerMins,
		Theme:          prefs.Theme,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("failed to store preferences")
	}
}

// syncInstanceInfo caches the server-advertised remote URL.
func (m *Manager) syncInstanceInfo(ctx context.Context) {
	info, err := m.client.GetInstanceInfo(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to fetch instance info")
		return
	}
	if info.RemoteURL == "" {
		return
	}
	if err := m.store.SetRemoteURL(ctx, info.RemoteURL); err != nil {
		logging.Warn().Err(err).Msg("failed to store remote URL")
	}
}

// reconcileScanState checks whether the server is mid-scan. If it is, the
// post-scan event will trigger a follow-up sync; nothing to do now.
func (m *Manager) reconcileScanState(ctx context.Context, wasFull bool) {
	status, err := m.client.GetLibraryStatus(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to fetch library scan state")
		return
	}
	if status.IsScanning {
		logging.Info().Msg("server scan in progress, deferring reconciliation to scan completion")
		return
	}
	local, err := m.store.CountBooks(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to count local books")
		return
	}
	// A server holding books while the local cache is empty means the client
	// missed a scan window entirely; a delta pull would return nothing, so
	// only a full resync repairs it. Ordinary count drift with a populated
	// cache is left to the post-scan path, and a cycle that already was the
	// corrective full pull never re-flags, so a persistent discrepancy
	// cannot loop resyncs back to back.
	if status.BookCount > 0 && local == 0 {
		if wasFull {
			logging.Warn().
				Int("server_books", status.BookCount).
				Msg("server reports books the full pull did not return, leaving cache empty")
			return
		}
		logging.Warn().
			Int("server_books", status.BookCount).
			Msg("server reports books but local cache is empty, flagging full resync")
		if err := m.store.ClearLastSyncTime(ctx); err != nil {
			logging.Error().Err(err).Msg("failed to clear checkpoint for drift resync")
			return
		}
		m.resyncNeeded.Store(true)
	}
}

// handleRealtimeConnected runs on every successful SSE handshake. Any
// reconnect may have missed events, so a single delta sync covers the gap.
func (m *Manager) handleRealtimeConnected(reconnected bool) {
	m.tracker.update(func(s *Status) { s.RealtimeConnected = true })
	if !reconnected {
		return
	}
	go func() {
		if err := m.runSync(m.realtimeContext(), false); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logging.Warn().Err(err).Msg("post-reconnect delta sync failed")
		}
	}()
}

func (m *Manager) handleRealtimeDisconnected() {
	m.tracker.update(func(s *Status) { s.RealtimeConnected = false })
}

func (m *Manager) handleRealtimeAuthFailure(err error) {
	m.tracker.update(func(s *Status) {
		s.RealtimeConnected = false
		s.State = StateError
		s.LastError = err.Error()
	})
}

// handleScanCompleted runs after the server finishes a library scan: compare
// book counts to decide between a delta sync and a full resync.
func (m *Manager) handleScanCompleted() {
	go func() {
		ctx := m.realtimeContext()
		status, err := m.client.GetLibraryStatus(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to fetch library status after scan")
			return
		}
		local, err := m.store.CountBooks(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to count local books after scan")
			return
		}
		if status.BookCount != local {
			if err := m.store.ClearLastSyncTime(ctx); err != nil {
				logging.Error().Err(err).Msg("failed to clear checkpoint after scan")
				return
			}
			// Park the request before attempting the run: an in-flight sync
			// picks it up when it finishes instead of losing it to the
			// guard.
			m.resyncNeeded.Store(true)
			if err := m.kickResync(ctx); err != nil {
				logging.Warn().Err(err).Msg("post-scan full resync failed")
			}
			return
		}
		if err := m.runSync(ctx, false); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logging.Warn().Err(err).Msg("post-scan delta sync failed")
		}
	}()
}

// handleLibraryChanged reacts to the server switching libraries mid-stream:
// hard stop until the product layer confirms a reset.
func (m *Manager) handleLibraryChanged(libraryID string) {
	localID, err := m.store.LibraryID(context.Background())
	if err != nil {
		logging.Error().Err(err).Msg("failed to read local library id")
		return
	}
	if localID == "" || localID == libraryID {
		return
	}
	logging.Error().
		Str("local_library", localID).
		Str("server_library", libraryID).
		Msg("server switched libraries, sync stopped until reset")
	// Disconnect from a fresh goroutine: this hook runs on the SSE read
	// goroutine, which Disconnect waits on.
	go m.sse.Disconnect()
	m.tracker.update(func(s *Status) {
		s.State = StateLibraryMismatch
		s.RealtimeConnected = false
		s.LastError = ErrLibraryMismatch.Error()
	})
}

// handleUserDeleted stops everything: the credentials are dead.
func (m *Manager) handleUserDeleted() {
	go m.sse.Disconnect()
	m.tracker.update(func(s *Status) {
		s.State = StateError
		s.RealtimeConnected = false
		s.LastError = "authenticated user deleted server-side"
	})
}
