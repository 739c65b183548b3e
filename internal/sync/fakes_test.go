// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"fmt"
	"io"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/models"
	"github.com/soundshelf/soundshelf/internal/store"
)

// fakeClient implements APIClient with per-method function fields. Methods
// without a configured function fail the calling code path loudly.
type fakeClient struct {
	getBooks        func(ctx context.Context, req api.PageRequest) (*api.BookPage, error)
	getSeries       func(ctx context.Context, req api.PageRequest) (*api.SeriesPage, error)
	getContributors func(ctx context.Context, req api.PageRequest) (*api.ContributorPage, error)
	getLibrary      func(ctx context.Context) (*api.LibraryInfo, error)
	getStatus       func(ctx context.Context) (*api.LibraryStatus, error)
	getPreferences  func(ctx context.Context) (*api.Preferences, error)
	getInstance     func(ctx context.Context) (*api.InstanceInfo, error)
	updateProfile   func(ctx context.Context, payload []byte) error
	uploadAvatar    func(ctx context.Context, data []byte) error
	updateBook      func(ctx context.Context, bookID string, payload []byte) error
	deleteBook      func(ctx context.Context, bookID string) error
	downloadCover   func(ctx context.Context, kind, id string) ([]byte, error)
	openStream      func(ctx context.Context) (io.ReadCloser, error)
}

func (c *fakeClient) GetBooks(ctx context.Context, req api.PageRequest) (*api.BookPage, error) {
	if c.getBooks == nil {
		return &api.BookPage{}, nil
	}
	return c.getBooks(ctx, req)
}

func (c *fakeClient) GetSeries(ctx context.Context, req api.PageRequest) (*api.SeriesPage, error) {
	if c.getSeries == nil {
		return &api.SeriesPage{}, nil
	}
	return c.getSeries(ctx, req)
}

func (c *fakeClient) GetContributors(ctx context.Context, req api.PageRequest) (*api.ContributorPage, error) {
	if c.getContributors == nil {
		return &api.ContributorPage{}, nil
	}
	return c.getContributors(ctx, req)
}

func (c *fakeClient) GetLibrary(ctx context.Context) (*api.LibraryInfo, error) {
	if c.getLibrary == nil {
		return &api.LibraryInfo{ID: "lib-1", Name: "Test Library"}, nil
	}
	return c.getLibrary(ctx)
}

func (c *fakeClient) GetLibraryStatus(ctx context.Context) (*api.LibraryStatus, error) {
	if c.getStatus == nil {
		return &api.LibraryStatus{}, nil
	}
	return c.getStatus(ctx)
}

func (c *fakeClient) GetPreferences(ctx context.Context) (*api.Preferences, error) {
	if c.getPreferences == nil {
		return &api.Preferences{}, nil
	}
	return c.getPreferences(ctx)
}

func (c *fakeClient) GetInstanceInfo(ctx context.Context) (*api.InstanceInfo, error) {
	if c.getInstance == nil {
		return &api.InstanceInfo{}, nil
	}
	return c.getInstance(ctx)
}

func (c *fakeClient) UpdateProfile(ctx context.Context, payload []byte) error {
	if c.updateProfile == nil {
		return nil
	}
	return c.updateProfile(ctx, payload)
}

func (c *fakeClient) UploadAvatar(ctx context.Context, data []byte) error {
	if c.uploadAvatar == nil {
		return nil
	}
	return c.uploadAvatar(ctx, data)
}

func (c *fakeClient) UpdateBook(ctx context.Context, bookID string, payload []byte) error {
	if c.updateBook == nil {
		return nil
	}
	return c.updateBook(ctx, bookID, payload)
}

func (c *fakeClient) DeleteBook(ctx context.Context, bookID string) error {
	if c.deleteBook == nil {
		return nil
	}
	return c.deleteBook(ctx, bookID)
}

func (c *fakeClient) DownloadCover(ctx context.Context, kind, id string) ([]byte, error) {
	if c.downloadCover == nil {
		return []byte("img"), nil
	}
	return c.downloadCover(ctx, kind, id)
}

func (c *fakeClient) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	if c.openStream == nil {
		return nil, fmt.Errorf("no stream configured")
	}
	return c.openStream(ctx)
}

type coverTaskKey struct {
	entityType models.EntityType
	entityID   string
}

// fakeStore is an in-memory Datastore. Error injection per method via
// failures["MethodName"].
type fakeStore struct {
	mu stdsync.Mutex

	books        map[string]*models.Book
	chapters     map[string][]*models.Chapter
	links        map[string][]*models.BookContributor
	series       map[string]*models.Series
	contributors map[string]*models.Contributor

	meta    map[string]string
	prefs   *models.UserPreferences
	profile *models.Profile

	ops        []*models.PendingOperation
	coverTasks map[coverTaskKey]*models.CoverDownloadTask

	indexedBooks        []*store.BookSearchRow
	indexedSeries       []*store.SeriesSearchRow
	indexedContributors []*store.ContributorSearchRow

	failures map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		books:        map[string]*models.Book{},
		chapters:     map[string][]*models.Chapter{},
		links:        map[string][]*models.BookContributor{},
		series:       map[string]*models.Series{},
		contributors: map[string]*models.Contributor{},
		meta:         map[string]string{},
		coverTasks:   map[coverTaskKey]*models.CoverDownloadTask{},
		failures:     map[string]error{},
	}
}

func (s *fakeStore) fail(method string) error {
	return s.failures[method]
}

func (s *fakeStore) UpsertBooks(_ context.Context, books []*models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertBooks"); err != nil {
		return err
	}
	for _, b := range books {
		clone := *b
		s.books[b.ID] = &clone
	}
	return nil
}

func (s *fakeStore) DeleteBooksByIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteBooksByIDs"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.books, id)
		delete(s.chapters, id)
		delete(s.links, id)
	}
	return nil
}

func (s *fakeStore) GetBookByID(_ context.Context, id string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	if !ok {
		return nil, nil
	}
	clone := *b
	return &clone, nil
}

func (s *fakeStore) GetBooksByIDs(_ context.Context, ids []string) (map[string]*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]*models.Book{}
	for _, id := range ids {
		if b, ok := s.books[id]; ok {
			clone := *b
			out[id] = &clone
		}
	}
	return out, nil
}

func (s *fakeStore) CountBooks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.books), nil
}

func (s *fakeStore) ReplaceChapters(_ context.Context, bookID string, chapters []*models.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chapters[bookID] = chapters
	return nil
}

func (s *fakeStore) ReplaceBookContributors(_ context.Context, bookID string, links []*models.BookContributor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[bookID] = links
	return nil
}

func (s *fakeStore) SaveLocalBookEdit(ctx context.Context, book *models.Book) error {
	book.SyncState = models.SyncStateNotSynced
	book.LastModified = time.Now().UTC()
	return s.UpsertBooks(ctx, []*models.Book{book})
}

func (s *fakeStore) MarkBookSynced(_ context.Context, bookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[bookID]; ok {
		b.SyncState = models.SyncStateSynced
		b.ConflictServerUpdatedAt = nil
	}
	return nil
}

func (s *fakeStore) SetBookCoverPath(_ context.Context, bookID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[bookID]; ok {
		b.CoverPath = path
	}
	return nil
}

func (s *fakeStore) UpsertSeries(_ context.Context, series []*models.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertSeries"); err != nil {
		return err
	}
	for _, sr := range series {
		clone := *sr
		s.series[sr.ID] = &clone
	}
	return nil
}

func (s *fakeStore) DeleteSeriesByIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.series, id)
	}
	return nil
}

func (s *fakeStore) CountSeries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.series), nil
}

func (s *fakeStore) SetSeriesCoverPath(_ context.Context, seriesID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.series[seriesID]; ok {
		sr.CoverPath = path
	}
	return nil
}

func (s *fakeStore) UpsertContributors(_ context.Context, contributors []*models.Contributor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contributors {
		clone := *c
		s.contributors[c.ID] = &clone
	}
	return nil
}

func (s *fakeStore) DeleteContributorsByIDs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.contributors, id)
	}
	return nil
}

func (s *fakeStore) CountContributors(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contributors), nil
}

func (s *fakeStore) SetContributorCoverPath(_ context.Context, contributorID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contributors[contributorID]; ok {
		c.CoverPath = path
	}
	return nil
}

func (s *fakeStore) LastSyncTime(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.meta["last_sync_time"]
	if !ok {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *fakeStore) SetLastSyncTime(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetLastSyncTime"); err != nil {
		return err
	}
	s.meta["last_sync_time"] = t.UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *fakeStore) ClearLastSyncTime(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meta, "last_sync_time")
	return nil
}

func (s *fakeStore) LibraryID(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta["library_id"], nil
}

func (s *fakeStore) SetLibraryID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta["library_id"] = id
	return nil
}

func (s *fakeStore) Preferences(_ context.Context) (*models.UserPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs, nil
}

func (s *fakeStore) SetPreferences(_ context.Context, prefs *models.UserPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetPreferences"); err != nil {
		return err
	}
	s.prefs = prefs
	return nil
}

func (s *fakeStore) Profile(_ context.Context) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile, nil
}

func (s *fakeStore) SetProfile(_ context.Context, profile *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = profile
	return nil
}

func (s *fakeStore) RemoteURL(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta["remote_url"], nil
}

func (s *fakeStore) SetRemoteURL(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta["remote_url"] = url
	return nil
}

func (s *fakeStore) QueueOperation(_ context.Context, op *models.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.ops {
		if existing.EntityType == op.EntityType && existing.EntityID == op.EntityID && existing.Type == op.Type {
			existing.Payload = op.Payload
			existing.Attempts = 0
			existing.UpdatedAt = now
			return nil
		}
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.CreatedAt = now
	op.UpdatedAt = now
	clone := *op
	s.ops = append(s.ops, &clone)
	return nil
}

func (s *fakeStore) ListPendingOperations(_ context.Context) ([]*models.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PendingOperation, len(s.ops))
	for i, op := range s.ops {
		clone := *op
		out[i] = &clone
	}
	return out, nil
}

func (s *fakeStore) DeleteOperation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, op := range s.ops {
		if op.ID == id {
			s.ops = append(s.ops[:i], s.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) IncrementOperationAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.ID == id {
			op.Attempts++
			return op.Attempts, nil
		}
	}
	return 0, fmt.Errorf("operation %s not found", id)
}

func (s *fakeStore) CountPendingOperations(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops), nil
}

func (s *fakeStore) DeleteAllOperations(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
	return nil
}

func (s *fakeStore) EnqueueCoverTask(_ context.Context, entityType models.EntityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("EnqueueCoverTask"); err != nil {
		return err
	}
	key := coverTaskKey{entityType, entityID}
	if task, ok := s.coverTasks[key]; ok {
		if task.Status == models.CoverTaskCompleted || task.Status == models.CoverTaskFailed {
			task.Status = models.CoverTaskPending
			task.Attempts = 0
		}
		task.UpdatedAt = time.Now().UTC()
		return nil
	}
	s.coverTasks[key] = &models.CoverDownloadTask{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     models.CoverTaskPending,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

func (s *fakeStore) ClaimPendingCoverTasks(_ context.Context, limit int) ([]*models.CoverDownloadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CoverDownloadTask
	for _, task := range s.coverTasks {
		if len(out) >= limit {
			break
		}
		if task.Status == models.CoverTaskPending {
			task.Status = models.CoverTaskInProgress
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkCoverTaskCompleted(_ context.Context, entityType models.EntityType, entityID string) error {
	return s.setCoverStatus(entityType, entityID, models.CoverTaskCompleted)
}

func (s *fakeStore) MarkCoverTaskFailed(_ context.Context, entityType models.EntityType, entityID string) error {
	return s.setCoverStatus(entityType, entityID, models.CoverTaskFailed)
}

func (s *fakeStore) setCoverStatus(entityType models.EntityType, entityID string, status models.CoverTaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.coverTasks[coverTaskKey{entityType, entityID}]; ok {
		task.Status = status
		task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *fakeStore) RequeueCoverTask(_ context.Context, entityType models.EntityType, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.coverTasks[coverTaskKey{entityType, entityID}]
	if !ok {
		return 0, fmt.Errorf("cover task %s/%s not found", entityType, entityID)
	}
	task.Status = models.CoverTaskPending
	task.Attempts++
	return task.Attempts, nil
}

func (s *fakeStore) ResetInProgressCoverTasks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.coverTasks {
		if task.Status == models.CoverTaskInProgress {
			task.Status = models.CoverTaskPending
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) PurgeCompletedCoverTasks(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, task := range s.coverTasks {
		if task.Status == models.CoverTaskCompleted && task.UpdatedAt.Before(cutoff) {
			delete(s.coverTasks, key)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CountCoverTasksByStatus(_ context.Context, status models.CoverTaskStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.coverTasks {
		if task.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ClearBookSearch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ClearBookSearch"); err != nil {
		return err
	}
	s.indexedBooks = nil
	return nil
}

func (s *fakeStore) ClearSeriesSearch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexedSeries = nil
	return nil
}

func (s *fakeStore) ClearContributorSearch(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexedContributors = nil
	return nil
}

func (s *fakeStore) IndexBookSearchRow(_ context.Context, row *store.BookSearchRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["IndexBookSearchRow:"+row.BookID]; err != nil {
		return err
	}
	s.indexedBooks = append(s.indexedBooks, row)
	return nil
}

func (s *fakeStore) IndexSeriesSearchRow(_ context.Context, row *store.SeriesSearchRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexedSeries = append(s.indexedSeries, row)
	return nil
}

func (s *fakeStore) IndexContributorSearchRow(_ context.Context, row *store.ContributorSearchRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexedContributors = append(s.indexedContributors, row)
	return nil
}

func (s *fakeStore) ListBookSearchRows(_ context.Context, limit, offset int) ([]*store.BookSearchRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*store.BookSearchRow
	for id, b := range s.books {
		all = append(all, &store.BookSearchRow{BookID: id, Title: b.Title})
	}
	return paginate(all, limit, offset), nil
}

func (s *fakeStore) ListSeriesSearchRows(_ context.Context, limit, offset int) ([]*store.SeriesSearchRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*store.SeriesSearchRow
	for id, sr := range s.series {
		all = append(all, &store.SeriesSearchRow{SeriesID: id, Name: sr.Name})
	}
	return paginate(all, limit, offset), nil
}

func (s *fakeStore) ListContributorSearchRows(_ context.Context, limit, offset int) ([]*store.ContributorSearchRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*store.ContributorSearchRow
	for id, c := range s.contributors {
		all = append(all, &store.ContributorSearchRow{ContributorID: id, Name: c.Name})
	}
	return paginate(all, limit, offset), nil
}

func (s *fakeStore) WipeLibraryData(_ context.Context, includePendingOps bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books = map[string]*models.Book{}
	s.chapters = map[string][]*models.Chapter{}
	s.links = map[string][]*models.BookContributor{}
	s.series = map[string]*models.Series{}
	s.contributors = map[string]*models.Contributor{}
	s.coverTasks = map[coverTaskKey]*models.CoverDownloadTask{}
	s.indexedBooks = nil
	s.indexedSeries = nil
	s.indexedContributors = nil
	delete(s.meta, "last_sync_time")
	delete(s.meta, "library_id")
	if includePendingOps {
		s.ops = nil
	}
	return nil
}

func paginate[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

var _ Datastore = (*fakeStore)(nil)
var _ APIClient = (*fakeClient)(nil)
