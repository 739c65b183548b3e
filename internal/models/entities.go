// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package models defines the locally cached library entities and the
// bookkeeping records (pending operations, cover download tasks) the sync
// engine persists alongside them.
package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SyncState tags a locally cached entity relative to the server.
type SyncState string

const (
	// SyncStateSynced means the local record matches the last server version.
	SyncStateSynced SyncState = "synced"

	// SyncStateNotSynced means the record has local edits that have not been
	// pushed. It must never be silently overwritten by an older server version.
	SyncStateNotSynced SyncState = "not_synced"

	// SyncStateConflict means the server produced a newer version while local
	// edits were pending. The server version won; the conflict is flagged for
	// the product layer to surface.
	SyncStateConflict SyncState = "conflict"
)

// Book is a locally cached audiobook record. The server is authoritative for
// every field except SyncState, LastModified, and ConflictServerUpdatedAt,
// which are client-side bookkeeping.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID          string  `bun:",pk" json:"id"`
	Title       string  `bun:",nullzero" json:"title"`
	Subtitle    string  `bun:",nullzero" json:"subtitle,omitempty"`
	Description string  `bun:",nullzero" json:"description,omitempty"`
	SeriesID    string  `bun:",nullzero" json:"series_id,omitempty"`
	SeriesIndex float64 `bun:",nullzero" json:"series_index,omitempty"`
	Duration    int64   `bun:",nullzero" json:"duration_ms,omitempty"`
	Language    string  `bun:",nullzero" json:"language,omitempty"`
	PublishYear int     `bun:",nullzero" json:"publish_year,omitempty"`
	HasCover    bool    `bun:"has_cover" json:"has_cover"`
	CoverPath   string  `bun:",nullzero" json:"cover_path,omitempty"`

	// UpdatedAt is the server timestamp of the version this row reflects.
	UpdatedAt time.Time `bun:"updated_at" json:"updated_at"`

	// LastModified is the local timestamp of the most recent local edit.
	LastModified time.Time `bun:"last_modified" json:"last_modified"`

	SyncState SyncState `bun:"sync_state" json:"sync_state"`

	// ConflictServerUpdatedAt records the server version that collided with
	// unpushed local edits. Only set while SyncState is conflict.
	ConflictServerUpdatedAt *time.Time `bun:"conflict_server_updated_at" json:"conflict_server_updated_at,omitempty"`
}

// Series is a locally cached series record.
type Series struct {
	bun.BaseModel `bun:"table:series,alias:s"`

	ID          string    `bun:",pk" json:"id"`
	Name        string    `bun:",nullzero" json:"name"`
	Description string    `bun:",nullzero" json:"description,omitempty"`
	HasCover    bool      `bun:"has_cover" json:"has_cover"`
	CoverPath   string    `bun:",nullzero" json:"cover_path,omitempty"`
	UpdatedAt   time.Time `bun:"updated_at" json:"updated_at"`
}

// ContributorRole distinguishes how a contributor relates to a book.
type ContributorRole string

const (
	RoleAuthor   ContributorRole = "author"
	RoleNarrator ContributorRole = "narrator"
)

// Contributor is a locally cached author/narrator record.
type Contributor struct {
	bun.BaseModel `bun:"table:contributors,alias:c"`

	ID        string    `bun:",pk" json:"id"`
	Name      string    `bun:",nullzero" json:"name"`
	Biography string    `bun:",nullzero" json:"biography,omitempty"`
	HasCover  bool      `bun:"has_cover" json:"has_cover"`
	CoverPath string    `bun:",nullzero" json:"cover_path,omitempty"`
	UpdatedAt time.Time `bun:"updated_at" json:"updated_at"`
}

// Chapter is a dependent row of a book, replaced wholesale whenever the
// owning book is pulled.
type Chapter struct {
	bun.BaseModel `bun:"table:chapters,alias:ch"`

	ID      string `bun:",pk" json:"id"`
	BookID  string `bun:"book_id" json:"book_id"`
	Index   int    `bun:"chapter_index" json:"index"`
	Title   string `bun:",nullzero" json:"title"`
	StartMs int64  `bun:"start_ms" json:"start_ms"`
	EndMs   int64  `bun:"end_ms" json:"end_ms"`
}

// BookContributor is the book-to-contributor junction, replaced
// delete-then-insert for every touched book during a pull.
type BookContributor struct {
	bun.BaseModel `bun:"table:book_contributors,alias:bc"`

	BookID        string          `bun:"book_id,pk" json:"book_id"`
	ContributorID string          `bun:"contributor_id,pk" json:"contributor_id"`
	Role          ContributorRole `bun:"role,pk" json:"role"`
}
