// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package api

import "time"

// PageRequest parameterizes one cursor-paginated list fetch.
type PageRequest struct {
	// Limit is the page size.
	Limit int

	// Cursor is the opaque continuation token from the previous page, or ""
	// for the first page.
	Cursor string

	// UpdatedAfter scopes the fetch to records changed after this timestamp.
	// Nil requests a full listing.
	UpdatedAfter *time.Time
}

// BookContributorRecord links a book to a contributor on the wire.
type BookContributorRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// ChapterRecord is one chapter of a book on the wire.
type ChapterRecord struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Title   string `json:"title"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

// BookRecord is a server-side book on the wire.
type BookRecord struct {
	ID           string                  `json:"id"`
	Title        string                  `json:"title"`
	Subtitle     string                  `json:"subtitle,omitempty"`
	Description  string                  `json:"description,omitempty"`
	SeriesID     string                  `json:"seriesId,omitempty"`
	SeriesIndex  float64                 `json:"seriesIndex,omitempty"`
	DurationMs   int64                   `json:"durationMs,omitempty"`
	Language     string                  `json:"language,omitempty"`
	PublishYear  int                     `json:"publishYear,omitempty"`
	HasCover     bool                    `json:"hasCover"`
	UpdatedAt    time.Time               `json:"updatedAt"`
	Chapters     []ChapterRecord         `json:"chapters,omitempty"`
	Contributors []BookContributorRecord `json:"contributors,omitempty"`
}

// SeriesRecord is a server-side series on the wire.
type SeriesRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	HasCover    bool      `json:"hasCover"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ContributorRecord is a server-side contributor on the wire.
type ContributorRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Biography string    `json:"biography,omitempty"`
	HasCover  bool      `json:"hasCover"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BookPage is one page of the books listing. DeletedIDs carries server-side
// deletions relevant to the requested window.
type BookPage struct {
	Items      []BookRecord `json:"items"`
	NextCursor string       `json:"nextCursor"`
	HasMore    bool         `json:"hasMore"`
	DeletedIDs []string     `json:"deletedIds,omitempty"`
}

// SeriesPage is one page of the series listing.
type SeriesPage struct {
	Items      []SeriesRecord `json:"items"`
	NextCursor string         `json:"nextCursor"`
	HasMore    bool           `json:"hasMore"`
	DeletedIDs []string       `json:"deletedIds,omitempty"`
}

// ContributorPage is one page of the contributors listing.
type ContributorPage struct {
	Items      []ContributorRecord `json:"items"`
	NextCursor string              `json:"nextCursor"`
	HasMore    bool                `json:"hasMore"`
	DeletedIDs []string            `json:"deletedIds,omitempty"`
}

// LibraryInfo identifies the server's current library.
type LibraryInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// LibraryStatus is the server's current scan state and book count.
type LibraryStatus struct {
	IsScanning bool `json:"isScanning"`
	BookCount  int  `json:"bookCount"`
}

// InstanceInfo is server instance metadata.
type InstanceInfo struct {
	Version   string `json:"version"`
	RemoteURL string `json:"remoteUrl,omitempty"`
}

// Preferences is the raw user-preference payload. It is mirrored locally
// without interpretation.
type Preferences struct {
	PlaybackSpeed  float64 `json:"playbackSpeed"`
	SleepTimerMins int     `json:"sleepTimerMins"`
	Theme          string  `json:"theme"`
}
