// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/soundshelf/soundshelf/internal/api"
)

// Event is one decoded server-sent event: a type tag and its raw payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Server event types. The server may emit types this client does not know;
// those are counted and dropped.
const (
	EventBookCreated      = "book.created"
	EventBookUpdated      = "book.updated"
	EventBookDeleted      = "book.deleted"
	EventBookCoverUpdated = "book.cover_updated"

	EventSeriesCreated      = "series.created"
	EventSeriesUpdated      = "series.updated"
	EventSeriesDeleted      = "series.deleted"
	EventSeriesCoverUpdated = "series.cover_updated"

	EventContributorCreated      = "contributor.created"
	EventContributorUpdated      = "contributor.updated"
	EventContributorDeleted      = "contributor.deleted"
	EventContributorCoverUpdated = "contributor.cover_updated"

	EventLibraryScanStarted   = "library.scan_started"
	EventLibraryScanProgress  = "library.scan_progress"
	EventLibraryScanCompleted = "library.scan_completed"
	EventLibraryChanged       = "library.changed"

	EventPreferencesUpdated = "user.preferences_updated"
	EventProfileUpdated     = "user.profile_updated"
	EventAvatarUpdated      = "user.avatar_updated"
	EventUserDeleted        = "user.deleted"

	EventInstanceUpdated = "instance.updated"
)

// EntityDeletedPayload carries the id of a deleted entity.
type EntityDeletedPayload struct {
	ID string `json:"id"`
}

// CoverUpdatedPayload announces fresh cover art for an entity.
type CoverUpdatedPayload struct {
	ID string `json:"id"`
}

// ScanPayload reports the server's scan progress.
type ScanPayload struct {
	BookCount int `json:"bookCount,omitempty"`
	Progress  int `json:"progress,omitempty"`
}

// LibraryChangedPayload announces the server switched to another library.
type LibraryChangedPayload struct {
	LibraryID string `json:"libraryId"`
}

// ProfilePayload carries a server-side profile change.
type ProfilePayload struct {
	DisplayName string `json:"displayName"`
}

// InstancePayload carries updated instance metadata.
type InstancePayload struct {
	RemoteURL string `json:"remoteUrl"`
}

// eventDecoders maps each known event type to its payload decoder. An event
// type absent from this table is unknown and gets dropped.
var eventDecoders = map[string]func(json.RawMessage) (any, error){
	EventBookCreated:      decodeAs[api.BookRecord],
	EventBookUpdated:      decodeAs[api.BookRecord],
	EventBookDeleted:      decodeAs[EntityDeletedPayload],
	EventBookCoverUpdated: decodeAs[CoverUpdatedPayload],

	EventSeriesCreated:      decodeAs[api.SeriesRecord],
	EventSeriesUpdated:      decodeAs[api.SeriesRecord],
	EventSeriesDeleted:      decodeAs[EntityDeletedPayload],
	EventSeriesCoverUpdated: decodeAs[CoverUpdatedPayload],

	EventContributorCreated:      decodeAs[api.ContributorRecord],
	EventContributorUpdated:      decodeAs[api.ContributorRecord],
	EventContributorDeleted:      decodeAs[EntityDeletedPayload],
	EventContributorCoverUpdated: decodeAs[CoverUpdatedPayload],

	EventLibraryScanStarted:   decodeAs[ScanPayload],
	EventLibraryScanProgress:  decodeAs[ScanPayload],
	EventLibraryScanCompleted: decodeAs[ScanPayload],
	EventLibraryChanged:       decodeAs[LibraryChangedPayload],

	EventPreferencesUpdated: decodeAs[api.Preferences],
	EventProfileUpdated:     decodeAs[ProfilePayload],
	EventAvatarUpdated:      decodeAs[struct{}],
	EventUserDeleted:        decodeAs[struct{}],

	EventInstanceUpdated: decodeAs[InstancePayload],
}

func decodeAs[T any](data json.RawMessage) (any, error) {
	var payload T
	if len(data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return payload, nil
}

// decodeEventPayload resolves an event's typed payload. The second return is
// false for unknown event types.
func decodeEventPayload(evt Event) (any, bool, error) {
	decoder, ok := eventDecoders[evt.Type]
	if !ok {
		return nil, false, nil
	}
	payload, err := decoder(evt.Data)
	return payload, true, err
}
