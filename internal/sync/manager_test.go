// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/models"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		PageSize:          100,
		RetryAttempts:     3,
		RetryInitialDelay: time.Millisecond,
		RetryMultiplier:   2.0,
		RetryMaxDelay:     5 * time.Millisecond,
		PushMaxAttempts:   5,
	}
}

func testSSEConfig() config.SSEConfig {
	return config.SSEConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

// oneBookClient serves a single-book library with a matching scan status so
// no drift reconciliation kicks in, and records each pull's delta window.
func oneBookClient(windows *[]*time.Time) *fakeClient {
	return &fakeClient{
		getBooks: func(_ context.Context, req api.PageRequest) (*api.BookPage, error) {
			*windows = append(*windows, req.UpdatedAfter)
			return &api.BookPage{Items: []api.BookRecord{{ID: "b1", Title: "One"}}}, nil
		},
		getStatus: func(_ context.Context) (*api.LibraryStatus, error) {
			return &api.LibraryStatus{BookCount: 1}, nil
		},
	}
}

func TestSync_FullThenDelta(t *testing.T) {
	st := newFakeStore()
	var windows []*time.Time
	m := NewManager(oneBookClient(&windows), st, testSyncConfig(), testSSEConfig(), nil)
	ctx := context.Background()

	if err := m.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if len(windows) != 2 {
		t.Fatalf("pulls = %d, want 2", len(windows))
	}
	if windows[0] != nil {
		t.Errorf("first pull window = %v, want nil (full sync)", windows[0])
	}
	if windows[1] == nil {
		t.Error("second pull window = nil, want delta from checkpoint")
	}
	if st.meta["library_id"] != "lib-1" {
		t.Errorf("library_id = %q, want adopted lib-1", st.meta["library_id"])
	}
	if m.Status().State != StateSuccess {
		t.Errorf("state = %s, want success", m.Status().State)
	}
}

func TestSync_LibraryMismatchHardStop(t *testing.T) {
	st := newFakeStore()
	st.meta["library_id"] = "lib-local"
	pulled := false
	client := &fakeClient{
		getLibrary: func(_ context.Context) (*api.LibraryInfo, error) {
			return &api.LibraryInfo{ID: "lib-other"}, nil
		},
		getBooks: func(_ context.Context, _ api.PageRequest) (*api.BookPage, error) {
			pulled = true
			return &api.BookPage{}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	err := m.Sync(context.Background())
	if !errors.Is(err, ErrLibraryMismatch) {
		t.Fatalf("err = %v, want ErrLibraryMismatch", err)
	}
	if pulled {
		t.Error("no entity pull may run against a mismatched library")
	}
	if m.Status().State != StateLibraryMismatch {
		t.Errorf("state = %s, want library_mismatch", m.Status().State)
	}
	if st.meta["library_id"] != "lib-local" {
		t.Errorf("library_id = %q, the cached identity must not be overwritten", st.meta["library_id"])
	}
}

func TestSync_RetriesTransientPullFailures(t *testing.T) {
	st := newFakeStore()
	calls := 0
	client := &fakeClient{
		getBooks: func(_ context.Context, _ api.PageRequest) (*api.BookPage, error) {
			calls++
			if calls < 3 {
				return nil, &api.Error{StatusCode: 503, Endpoint: "/api/v1/books"}
			}
			return &api.BookPage{Items: []api.BookRecord{{ID: "b1"}}}, nil
		},
		getStatus: func(_ context.Context) (*api.LibraryStatus, error) {
			return &api.LibraryStatus{BookCount: 1}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	var sawRetrying bool
	m.Subscribe(func(s Status) {
		if s.State == StateRetrying {
			sawRetrying = true
		}
	})

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if calls != 3 {
		t.Errorf("pull attempts = %d, want 3", calls)
	}
	if !sawRetrying {
		t.Error("status never reported the retrying state")
	}
}

func TestSync_PullFailureLeavesCheckpointUntouched(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{
		getBooks: func(_ context.Context, _ api.PageRequest) (*api.BookPage, error) {
			return nil, &api.Error{StatusCode: 500, Endpoint: "/api/v1/books"}
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	if err := m.Sync(context.Background()); err == nil {
		t.Fatal("expected sync to fail after exhausted retries")
	}
	if _, ok := st.meta["last_sync_time"]; ok {
		t.Error("checkpoint must not advance on a failed pull")
	}
	if m.Status().State != StateError {
		t.Errorf("state = %s, want error", m.Status().State)
	}
}

func TestSync_BestEffortPhasesAreNonFatal(t *testing.T) {
	st := newFakeStore()
	st.failures["SetPreferences"] = errors.New("prefs table locked")
	st.failures["ClearBookSearch"] = errors.New("fts unavailable")
	var windows []*time.Time
	m := NewManager(oneBookClient(&windows), st, testSyncConfig(), testSSEConfig(), nil)

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync must succeed despite best-effort failures: %v", err)
	}
	if _, ok := st.meta["last_sync_time"]; !ok {
		t.Error("checkpoint must still advance")
	}
}

func TestSync_FlushesOutbox(t *testing.T) {
	st := newFakeStore()
	var pushedBooks []string
	var windows []*time.Time
	client := oneBookClient(&windows)
	client.updateBook = func(_ context.Context, bookID string, _ []byte) error {
		pushedBooks = append(pushedBooks, bookID)
		return nil
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)
	ctx := context.Background()

	if err := m.Pusher().QueueBookUpdate(ctx, &models.Book{ID: "edited", Title: "Edited"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(pushedBooks) != 1 || pushedBooks[0] != "edited" {
		t.Errorf("pushed = %v, want the queued edit replayed", pushedBooks)
	}
	if m.Status().PendingOperations != 0 {
		t.Errorf("pending = %d, want drained outbox", m.Status().PendingOperations)
	}
}

func TestSync_RejectsConcurrentRuns(t *testing.T) {
	st := newFakeStore()
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{
		getBooks: func(_ context.Context, _ api.PageRequest) (*api.BookPage, error) {
			close(started)
			<-release
			return &api.BookPage{}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Sync(context.Background()) }()

	<-started
	if err := m.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent sync err = %v, want ErrSyncInProgress", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("blocked sync: %v", err)
	}
}

func TestResetForNewLibrary_WipesEverything(t *testing.T) {
	st := newFakeStore()
	st.meta["library_id"] = "lib-old"
	st.meta["last_sync_time"] = time.Now().UTC().Format(time.RFC3339Nano)
	st.books["stale"] = &models.Book{ID: "stale"}
	var windows []*time.Time
	m := NewManager(oneBookClient(&windows), st, testSyncConfig(), testSSEConfig(), nil)
	ctx := context.Background()

	if err := m.Pusher().QueueBookUpdate(ctx, &models.Book{ID: "stale", Title: "Edit"}); err != nil {
		t.Fatal(err)
	}

	if err := m.ResetForNewLibrary(ctx); err != nil {
		t.Fatalf("ResetForNewLibrary: %v", err)
	}

	if n, _ := st.CountPendingOperations(ctx); n != 0 {
		t.Errorf("pending = %d, reset must drop queued mutations", n)
	}
	if _, ok := st.books["stale"]; ok {
		t.Error("stale book survived the reset")
	}
	if _, ok := st.books["b1"]; !ok {
		t.Error("rebuild pull did not run")
	}
	if st.meta["library_id"] != "lib-1" {
		t.Errorf("library_id = %q, want the new library adopted", st.meta["library_id"])
	}
	if len(windows) != 1 || windows[0] != nil {
		t.Errorf("windows = %v, want a single full pull", windows)
	}
	m.DisconnectRealtime()
}

func TestForceFullResync_KeepsOutbox(t *testing.T) {
	st := newFakeStore()
	var windows []*time.Time
	client := oneBookClient(&windows)
	client.updateBook = func(_ context.Context, _ string, _ []byte) error {
		return &api.Error{StatusCode: 503, Endpoint: "/api/v1/books"}
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)
	ctx := context.Background()

	if err := m.Pusher().QueueBookUpdate(ctx, &models.Book{ID: "edited", Title: "Edit"}); err != nil {
		t.Fatal(err)
	}

	if err := m.ForceFullResync(ctx); err != nil {
		t.Fatalf("ForceFullResync: %v", err)
	}

	// The push fails transiently, so the queued edit must still be there.
	if n, _ := st.CountPendingOperations(ctx); n != 1 {
		t.Errorf("pending = %d, resync must preserve queued mutations", n)
	}
	if len(windows) != 1 || windows[0] != nil {
		t.Errorf("windows = %v, want a single full pull", windows)
	}
	m.DisconnectRealtime()
}

func TestSync_MissedScanWindowTriggersFullResync(t *testing.T) {
	st := newFakeStore()
	st.meta["library_id"] = "lib-1"
	st.meta["last_sync_time"] = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)

	var windows []*time.Time
	client := &fakeClient{
		getBooks: func(_ context.Context, req api.PageRequest) (*api.BookPage, error) {
			windows = append(windows, req.UpdatedAfter)
			if req.UpdatedAfter != nil {
				// The delta returns nothing: the scan that produced the
				// server's books fell entirely inside the missed window.
				return &api.BookPage{}, nil
			}
			return &api.BookPage{Items: []api.BookRecord{{ID: "b1", Title: "One"}}}, nil
		},
		getStatus: func(_ context.Context) (*api.LibraryStatus, error) {
			return &api.LibraryStatus{BookCount: 1}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	// The corrective resync is drained before Sync returns, so there is no
	// window in which it can be dropped.
	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(windows) != 2 {
		t.Fatalf("pulls = %d, want the delta followed by the corrective full pull", len(windows))
	}
	if windows[0] == nil {
		t.Error("first pull should have used the stored checkpoint")
	}
	if windows[1] != nil {
		t.Errorf("corrective pull window = %v, want nil (full)", windows[1])
	}
	if _, ok := st.books["b1"]; !ok {
		t.Error("full resync did not land the server's books")
	}
	if m.Status().State != StateSuccess {
		t.Errorf("state = %s, want success", m.Status().State)
	}
	if m.resyncNeeded.Load() {
		t.Error("resync flag must be drained")
	}
}

func TestSync_CountDriftWithPopulatedCacheDoesNotResync(t *testing.T) {
	st := newFakeStore()
	var pulls atomic.Int64
	client := &fakeClient{
		getBooks: func(_ context.Context, _ api.PageRequest) (*api.BookPage, error) {
			pulls.Add(1)
			return &api.BookPage{Items: []api.BookRecord{{ID: "b1", Title: "One"}}}, nil
		},
		getStatus: func(_ context.Context) (*api.LibraryStatus, error) {
			// The server persistently counts more items than the list
			// endpoint returns. With a populated cache this must not loop
			// full resyncs; the post-scan path owns count reconciliation.
			return &api.LibraryStatus{BookCount: 5}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := pulls.Load(); got != 1 {
		t.Errorf("pulls = %d, want 1 (no resync for benign drift)", got)
	}
	if m.resyncNeeded.Load() {
		t.Error("benign drift must not flag a resync")
	}
}

func TestScanCompleted_ResyncSurvivesInFlightSync(t *testing.T) {
	st := newFakeStore()
	st.meta["library_id"] = "lib-1"
	st.meta["last_sync_time"] = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)

	entered := make(chan struct{})
	release := make(chan struct{})
	var pulls, statusCalls atomic.Int64
	var windows []*time.Time
	client := &fakeClient{
		getBooks: func(_ context.Context, req api.PageRequest) (*api.BookPage, error) {
			windows = append(windows, req.UpdatedAfter)
			if pulls.Add(1) == 1 {
				close(entered)
				<-release
			}
			return &api.BookPage{Items: []api.BookRecord{{ID: "b1", Title: "One"}}}, nil
		},
		getStatus: func(_ context.Context) (*api.LibraryStatus, error) {
			if statusCalls.Add(1) == 1 {
				// The post-scan check: the scan added books this client has
				// not pulled yet.
				return &api.LibraryStatus{BookCount: 5}, nil
			}
			return &api.LibraryStatus{BookCount: 1}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Sync(context.Background()) }()
	<-entered

	// The scan finishes while the sync is still mid-pull. The handler's own
	// run attempt loses the in-flight guard, so the request must be parked
	// for the running sync to pick up, not silently dropped.
	m.handleScanCompleted()
	deadline := time.After(2 * time.Second)
	for !m.resyncNeeded.Load() {
		select {
		case <-deadline:
			t.Fatal("scan-completed handler never parked the resync")
		case <-time.After(time.Millisecond):
		}
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("sync: %v", err)
	}

	// The parked resync is drained by the finishing sync or claimed by the
	// handler's own kick; either way exactly one full pull follows.
	deadline = time.After(2 * time.Second)
	for pulls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("parked full resync never ran")
		case <-time.After(time.Millisecond):
		}
	}
	if got := pulls.Load(); got != 2 {
		t.Fatalf("pulls = %d, want the in-flight sync plus the parked full resync", got)
	}
	if windows[0] == nil {
		t.Error("in-flight pull should have used the stored checkpoint")
	}
	if windows[1] != nil {
		t.Errorf("resync window = %v, want nil (full)", windows[1])
	}
	if m.resyncNeeded.Load() {
		t.Error("resync flag must be drained")
	}
}

func TestReconnect_TriggersSingleDeltaSync(t *testing.T) {
	st := newFakeStore()
	checkpoint := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st.meta["library_id"] = "lib-1"
	st.meta["last_sync_time"] = checkpoint.Format(time.RFC3339Nano)

	entered := make(chan struct{})
	release := make(chan struct{})
	var pulls atomic.Int64
	var windows []*time.Time
	client := &fakeClient{
		getBooks: func(_ context.Context, req api.PageRequest) (*api.BookPage, error) {
			windows = append(windows, req.UpdatedAfter)
			if pulls.Add(1) == 1 {
				close(entered)
				<-release
			}
			return &api.BookPage{Items: []api.BookRecord{{ID: "b1", Title: "One"}}}, nil
		},
		getStatus: func(_ context.Context) (*api.LibraryStatus, error) {
			return &api.LibraryStatus{BookCount: 1}, nil
		},
	}
	m := NewManager(client, st, testSyncConfig(), testSSEConfig(), nil)

	// A first-ever connection needs no catch-up sync.
	m.handleRealtimeConnected(false)
	select {
	case <-entered:
		t.Fatal("first connect must not trigger a sync")
	case <-time.After(50 * time.Millisecond):
	}

	m.handleRealtimeConnected(true)
	<-entered

	// Further requests while the gap sync runs are rejected, not queued.
	if err := m.Sync(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent sync err = %v, want ErrSyncInProgress", err)
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for m.Status().State != StateSuccess {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the post-reconnect sync")
		case <-time.After(time.Millisecond):
		}
	}

	if got := pulls.Load(); got != 1 {
		t.Fatalf("pulls = %d, want exactly one gap sync", got)
	}
	if windows[0] == nil || !windows[0].Equal(checkpoint) {
		t.Errorf("pull window = %v, want the stored checkpoint %v (delta, not full)", windows[0], checkpoint)
	}
}

func TestConnectRealtime_ReplacesHookContext(t *testing.T) {
	m := NewManager(&fakeClient{}, newFakeStore(), testSyncConfig(), testSSEConfig(), nil)
	if m.realtimeContext() != context.Background() {
		t.Error("hooks should default to the background context before any connect")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hooks read the context from their own goroutines while a connect
	// replaces it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = m.realtimeContext()
		}
	}()
	m.ConnectRealtime(ctx)
	<-done
	m.DisconnectRealtime()

	if m.realtimeContext() != ctx {
		t.Error("hooks must run under the context passed to ConnectRealtime")
	}
}
