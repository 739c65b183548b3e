// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	stdsync "sync"
	"time"
)

// State is the coarse lifecycle state of the sync manager.
type State string

const (
	StateIdle            State = "idle"
	StateSyncing         State = "syncing"
	StateRetrying        State = "retrying"
	StateSuccess         State = "success"
	StateError           State = "error"
	StateLibraryMismatch State = "library_mismatch"
)

// Phase names the step a running sync is in.
type Phase string

const (
	PhaseVerifyingLibrary    Phase = "verifying_library"
	PhaseSyncingBooks        Phase = "syncing_books"
	PhaseSyncingSeries       Phase = "syncing_series"
	PhaseSyncingContributors Phase = "syncing_contributors"
	PhasePushingChanges      Phase = "pushing_changes"
	PhaseSyncingPreferences  Phase = "syncing_preferences"
	PhaseRebuildingSearch    Phase = "rebuilding_search"
	PhaseFinalizing          Phase = "finalizing"
)

// Status is a snapshot of the sync manager, safe to copy.
type Status struct {
	State State `json:"state"`
	Phase Phase `json:"phase,omitempty"`

	// Page counts pages applied so far in the current pull phase. Cursor
	// pagination has no known total, so only the running count is reported.
	Page int `json:"page,omitempty"`

	// Message is a short human-readable description of the current step.
	Message string `json:"message,omitempty"`

	// Attempt is the current pull attempt number while State is retrying.
	Attempt int `json:"attempt,omitempty"`

	// LastError is the error text of the most recent failed sync.
	LastError string `json:"last_error,omitempty"`

	// LastSyncedAt is the checkpoint of the last fully successful sync.
	LastSyncedAt time.Time `json:"last_synced_at"`

	// PendingOperations is the outbox depth at snapshot time.
	PendingOperations int `json:"pending_operations"`

	// RealtimeConnected reports whether the SSE stream is up.
	RealtimeConnected bool `json:"realtime_connected"`
}

// statusTracker holds the current Status and fans updates out to
// subscribers. Callbacks run synchronously on the mutating goroutine;
// subscribers must not block.
type statusTracker struct {
	mu          stdsync.Mutex
	status      Status
	subscribers []func(Status)
}

func newStatusTracker() *statusTracker {
	return &statusTracker{status: Status{State: StateIdle}}
}

// Subscribe registers a callback invoked on every status change, starting
// with the current status.
func (t *statusTracker) Subscribe(fn func(Status)) {
	t.mu.Lock()
	t.subscribers = append(t.subscribers, fn)
	current := t.status
	t.mu.Unlock()
	fn(current)
}

// Current returns the latest status snapshot.
func (t *statusTracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// update applies mutate to the status under lock and notifies subscribers.
func (t *statusTracker) update(mutate func(*Status)) {
	t.mu.Lock()
	mutate(&t.status)
	current := t.status
	subscribers := t.subscribers
	t.mu.Unlock()

	for _, fn := range subscribers {
		fn(current)
	}
}
