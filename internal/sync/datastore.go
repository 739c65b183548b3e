// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"time"

	"github.com/soundshelf/soundshelf/internal/models"
	"github.com/soundshelf/soundshelf/internal/store"
)

// Datastore is the local persistence surface the sync engine uses.
// *store.Store satisfies it; tests substitute in-memory stores or fakes.
type Datastore interface {
	// Books.
	UpsertBooks(ctx context.Context, books []*models.Book) error
	DeleteBooksByIDs(ctx context.Context, ids []string) error
	GetBookByID(ctx context.Context, id string) (*models.Book, error)
	GetBooksByIDs(ctx context.Context, ids []string) (map[string]*models.Book, error)
	CountBooks(ctx context.Context) (int, error)
	ReplaceChapters(ctx context.Context, bookID string, chapters []*models.Chapter) error
	ReplaceBookContributors(ctx context.Context, bookID string, links []*models.BookContributor) error
	SaveLocalBookEdit(ctx context.Context, book *models.Book) error
	MarkBookSynced(ctx context.Context, bookID string) error
	SetBookCoverPath(ctx context.Context, bookID, path string) error

	// Series.
	UpsertSeries(ctx context.Context, series []*models.Series) error
	DeleteSeriesByIDs(ctx context.Context, ids []string) error
	CountSeries(ctx context.Context) (int, error)
	SetSeriesCoverPath(ctx context.Context, seriesID, path string) error

	// Contributors.
	UpsertContributors(ctx context.Context, contributors []*models.Contributor) error
	DeleteContributorsByIDs(ctx context.Context, ids []string) error
	CountContributors(ctx context.Context) (int, error)
	SetContributorCoverPath(ctx context.Context, contributorID, path string) error

	// Sync metadata.
	LastSyncTime(ctx context.Context) (time.Time, error)
	SetLastSyncTime(ctx context.Context, t time.Time) error
	ClearLastSyncTime(ctx context.Context) error
	LibraryID(ctx context.Context) (string, error)
	SetLibraryID(ctx context.Context, id string) error
	Preferences(ctx context.Context) (*models.UserPreferences, error)
	SetPreferences(ctx context.Context, prefs *models.UserPreferences) error
	Profile(ctx context.Context) (*models.Profile, error)
	SetProfile(ctx context.Context, profile *models.Profile) error
	RemoteURL(ctx context.Context) (string, error)
	SetRemoteURL(ctx context.Context, url string) error

	// Outbox.
	QueueOperation(ctx context.Context, op *models.PendingOperation) error
	ListPendingOperations(ctx context.Context) ([]*models.PendingOperation, error)
	DeleteOperation(ctx context.Context, id string) error
	IncrementOperationAttempts(ctx context.Context, id string) (int, error)
	CountPendingOperations(ctx context.Context) (int, error)
	DeleteAllOperations(ctx context.Context) error

	// Cover download tasks.
	EnqueueCoverTask(ctx context.Context, entityType models.EntityType, entityID string) error
	ClaimPendingCoverTasks(ctx context.Context, limit int) ([]*models.CoverDownloadTask, error)
	MarkCoverTaskCompleted(ctx context.Context, entityType models.EntityType, entityID string) error
	MarkCoverTaskFailed(ctx context.Context, entityType models.EntityType, entityID string) error
	RequeueCoverTask(ctx context.Context, entityType models.EntityType, entityID string) (int, error)
	ResetInProgressCoverTasks(ctx context.Context) (int, error)
	PurgeCompletedCoverTasks(ctx context.Context, cutoff time.Time) (int, error)
	CountCoverTasksByStatus(ctx context.Context, status models.CoverTaskStatus) (int, error)

	// Full-text search.
	ClearBookSearch(ctx context.Context) error
	ClearSeriesSearch(ctx context.Context) error
	ClearContributorSearch(ctx context.Context) error
	IndexBookSearchRow(ctx context.Context, row *store.BookSearchRow) error
	IndexSeriesSearchRow(ctx context.Context, row *store.SeriesSearchRow) error
	IndexContributorSearchRow(ctx context.Context, row *store.ContributorSearchRow) error
	ListBookSearchRows(ctx context.Context, limit, offset int) ([]*store.BookSearchRow, error)
	ListSeriesSearchRows(ctx context.Context, limit, offset int) ([]*store.SeriesSearchRow, error)
	ListContributorSearchRows(ctx context.Context, limit, offset int) ([]*store.ContributorSearchRow, error)

	// Reset.
	WipeLibraryData(ctx context.Context, includePendingOps bool) error
}

var _ Datastore = (*store.Store)(nil)
