// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"fmt"
)

// BookSearchRow is the denormalized text bundle indexed for one book.
type BookSearchRow struct {
	BookID           string `bun:"book_id"`
	Title            string `bun:"title"`
	Subtitle         string `bun:"subtitle"`
	Description      string `bun:"description"`
	SeriesName       string `bun:"series_name"`
	ContributorNames string `bun:"contributor_names"`
}

// SeriesSearchRow is the text bundle indexed for one series.
type SeriesSearchRow struct {
	SeriesID    string `bun:"series_id"`
	Name        string `bun:"name"`
	Description string `bun:"description"`
}

// ContributorSearchRow is the text bundle indexed for one contributor.
type ContributorSearchRow struct {
	ContributorID string `bun:"contributor_id"`
	Name          string `bun:"name"`
	Biography     string `bun:"biography"`
}

// ClearBookSearch empties the book FTS index ahead of a rebuild.
func (s *Store) ClearBookSearch(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM books_fts"); err != nil {
		return fmt.Errorf("clear book search index: %w", err)
	}
	return nil
}

// ClearSeriesSearch empties the series FTS index ahead of a rebuild.
func (s *Store) ClearSeriesSearch(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM series_fts"); err != nil {
		return fmt.Errorf("clear series search index: %w", err)
	}
	return nil
}

// ClearContributorSearch empties the contributor FTS index ahead of a
// rebuild.
func (s *Store) ClearContributorSearch(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contributors_fts"); err != nil {
		return fmt.Errorf("clear contributor search index: %w", err)
	}
	return nil
}

// IndexBookSearchRow inserts one book into the FTS index.
func (s *Store) IndexBookSearchRow(ctx context.Context, row *BookSearchRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO books_fts (book_id, title, subtitle, description, series_name, contributor_names)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.BookID, row.Title, row.Subtitle, row.Description, row.SeriesName, row.ContributorNames)
	if err != nil {
		return fmt.Errorf("index book %s: %w", row.BookID, err)
	}
	return nil
}

// IndexSeriesSearchRow inserts one series into the FTS index.
func (s *Store) IndexSeriesSearchRow(ctx context.Context, row *SeriesSearchRow) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO series_fts (series_id, name, description) VALUES (?, ?, ?)",
		row.SeriesID, row.Name, row.Description)
	if err != nil {
		return fmt.Errorf("index series %s: %w", row.SeriesID, err)
	}
	return nil
}

// IndexContributorSearchRow inserts one contributor into the FTS index.
func (s *Store) IndexContributorSearchRow(ctx context.Context, row *ContributorSearchRow) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO contributors_fts (contributor_id, name, biography) VALUES (?, ?, ?)",
		row.ContributorID, row.Name, row.Biography)
	if err != nil {
		return fmt.Errorf("index contributor %s: %w", row.ContributorID, err)
	}
	return nil
}

// ListBookSearchRows assembles the denormalized search text for a chunk of
// books, joining in series names and aggregated contributor names.
func (s *Store) ListBookSearchRows(ctx context.Context, limit, offset int) ([]*BookSearchRow, error) {
	var rows []*BookSearchRow
	err := s.db.NewRaw(
		`SELECT
			b.id AS book_id,
			COALESCE(b.title, '') AS title,
			COALESCE(b.subtitle, '') AS subtitle,
			COALESCE(b.description, '') AS description,
			COALESCE(s.name, '') AS series_name,
			COALESCE((
				SELECT group_concat(c.name, ', ')
				FROM book_contributors bc
				JOIN contributors c ON c.id = bc.contributor_id
				WHERE bc.book_id = b.id
			), '') AS contributor_names
		FROM books b
		LEFT JOIN series s ON s.id = b.series_id
		ORDER BY b.id
		LIMIT ? OFFSET ?`, limit, offset).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list book search rows: %w", err)
	}
	return rows, nil
}

// ListSeriesSearchRows returns a chunk of series for indexing.
func (s *Store) ListSeriesSearchRows(ctx context.Context, limit, offset int) ([]*SeriesSearchRow, error) {
	var rows []*SeriesSearchRow
	err := s.db.NewRaw(
		`SELECT id AS series_id, COALESCE(name, '') AS name, COALESCE(description, '') AS description
		FROM series ORDER BY id LIMIT ? OFFSET ?`, limit, offset).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list series search rows: %w", err)
	}
	return rows, nil
}

// ListContributorSearchRows returns a chunk of contributors for indexing.
func (s *Store) ListContributorSearchRows(ctx context.Context, limit, offset int) ([]*ContributorSearchRow, error) {
	var rows []*ContributorSearchRow
	err := s.db.NewRaw(
		`SELECT id AS contributor_id, COALESCE(name, '') AS name, COALESCE(biography, '') AS biography
		FROM contributors ORDER BY id LIMIT ? OFFSET ?`, limit, offset).Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list contributor search rows: %w", err)
	}
	return rows, nil
}

// SearchBooks runs an FTS5 match over the book index and returns matching
// book ids best-first.
func (s *Store) SearchBooks(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	err := s.db.NewRaw(
		"SELECT book_id FROM books_fts WHERE books_fts MATCH ? ORDER BY rank LIMIT ?",
		query, limit).Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("search books %q: %w", query, err)
	}
	return ids, nil
}

// SearchSeries runs an FTS5 match over the series index.
func (s *Store) SearchSeries(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	err := s.db.NewRaw(
		"SELECT series_id FROM series_fts WHERE series_fts MATCH ? ORDER BY rank LIMIT ?",
		query, limit).Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("search series %q: %w", query, err)
	}
	return ids, nil
}

// SearchContributors runs an FTS5 match over the contributor index.
func (s *Store) SearchContributors(ctx context.Context, query string, limit int) ([]string, error) {
	var ids []string
	err := s.db.NewRaw(
		"SELECT contributor_id FROM contributors_fts WHERE contributors_fts MATCH ? ORDER BY rank LIMIT ?",
		query, limit).Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("search contributors %q: %w", query, err)
	}
	return ids, nil
}
