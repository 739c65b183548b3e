// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/soundshelf/soundshelf/internal/models"
)

// UpsertBooks inserts or whole-row-replaces books by id. Conflict policy
// (preserve vs. flag) is decided by the caller before this is invoked; the
// store applies exactly what it is given.
func (s *Store) UpsertBooks(ctx context.Context, books []*models.Book) error {
	if len(books) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().
		Model(&books).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("subtitle = EXCLUDED.subtitle").
		Set("description = EXCLUDED.description").
		Set("series_id = EXCLUDED.series_id").
		Set("series_index = EXCLUDED.series_index").
		Set("duration = EXCLUDED.duration").
		Set("language = EXCLUDED.language").
		Set("publish_year = EXCLUDED.publish_year").
		Set("has_cover = EXCLUDED.has_cover").
		Set("updated_at = EXCLUDED.updated_at").
		Set("last_modified = EXCLUDED.last_modified").
		Set("sync_state = EXCLUDED.sync_state").
		Set("conflict_server_updated_at = EXCLUDED.conflict_server_updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert books: %w", err)
	}
	return nil
}

// DeleteBooksByIDs removes books and their dependent rows.
func (s *Store) DeleteBooksByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.Chapter)(nil)).Where("book_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return fmt.Errorf("delete chapters: %w", err)
		}
		if _, err := tx.NewDelete().Model((*models.BookContributor)(nil)).Where("book_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return fmt.Errorf("delete book contributors: %w", err)
		}
		if _, err := tx.NewDelete().Model((*models.Book)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return fmt.Errorf("delete books: %w", err)
		}
		return nil
	})
}

// GetBookByID returns one book, or (nil, nil) if absent.
func (s *Store) GetBookByID(ctx context.Context, id string) (*models.Book, error) {
	book := &models.Book{}
	err := s.db.NewSelect().Model(book).Where("b.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", id, err)
	}
	return book, nil
}

// GetBooksByIDs returns the existing books among ids, keyed by id.
func (s *Store) GetBooksByIDs(ctx context.Context, ids []string) (map[string]*models.Book, error) {
	if len(ids) == 0 {
		return map[string]*models.Book{}, nil
	}
	var books []*models.Book
	if err := s.db.NewSelect().Model(&books).Where("b.id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, fmt.Errorf("get books by ids: %w", err)
	}
	byID := make(map[string]*models.Book, len(books))
	for _, b := range books {
		byID[b.ID] = b
	}
	return byID, nil
}

// CountBooks returns the number of locally cached books.
func (s *Store) CountBooks(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*models.Book)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count books: %w", err)
	}
	return count, nil
}

// ReplaceChapters swaps the full chapter list of one book,
// delete-then-insert.
func (s *Store) ReplaceChapters(ctx context.Context, bookID string, chapters []*models.Chapter) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.Chapter)(nil)).Where("book_id = ?", bookID).Exec(ctx); err != nil {
			return fmt.Errorf("clear chapters for %s: %w", bookID, err)
		}
		if len(chapters) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&chapters).Exec(ctx); err != nil {
			return fmt.Errorf("insert chapters for %s: %w", bookID, err)
		}
		return nil
	})
}

// ReplaceBookContributors swaps the junction rows of one book,
// delete-then-insert.
func (s *Store) ReplaceBookContributors(ctx context.Context, bookID string, links []*models.BookContributor) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.BookContributor)(nil)).Where("book_id = ?", bookID).Exec(ctx); err != nil {
			return fmt.Errorf("clear contributors for %s: %w", bookID, err)
		}
		if len(links) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&links).Exec(ctx); err != nil {
			return fmt.Errorf("insert contributors for %s: %w", bookID, err)
		}
		return nil
	})
}

// GetChaptersByBookID returns a book's chapters in play order.
func (s *Store) GetChaptersByBookID(ctx context.Context, bookID string) ([]*models.Chapter, error) {
	var chapters []*models.Chapter
	if err := s.db.NewSelect().Model(&chapters).Where("book_id = ?", bookID).Order("chapter_index ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("get chapters for %s: %w", bookID, err)
	}
	return chapters, nil
}

// SaveLocalBookEdit persists a local edit, marking the row not-synced so
// pull will not silently overwrite it.
func (s *Store) SaveLocalBookEdit(ctx context.Context, book *models.Book) error {
	book.SyncState = models.SyncStateNotSynced
	book.LastModified = time.Now().UTC()
	return s.UpsertBooks(ctx, []*models.Book{book})
}

// MarkBookSynced clears the not-synced flag after a successful push.
func (s *Store) MarkBookSynced(ctx context.Context, bookID string) error {
	_, err := s.db.NewUpdate().
		Model((*models.Book)(nil)).
		Set("sync_state = ?", models.SyncStateSynced).
		Set("conflict_server_updated_at = NULL").
		Where("id = ?", bookID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark book %s synced: %w", bookID, err)
	}
	return nil
}

// SetBookCoverPath records where a downloaded cover was persisted.
func (s *Store) SetBookCoverPath(ctx context.Context, bookID, path string) error {
	_, err := s.db.NewUpdate().
		Model((*models.Book)(nil)).
		Set("cover_path = ?", path).
		Where("id = ?", bookID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set cover path for book %s: %w", bookID, err)
	}
	return nil
}
