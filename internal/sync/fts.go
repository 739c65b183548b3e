// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"fmt"

	"github.com/soundshelf/soundshelf/internal/logging"
)

// defaultFTSChunkSize bounds memory per indexing pass.
const defaultFTSChunkSize = 500

// FTSPopulator rebuilds the offline search indexes from the cached entities.
// The rebuild is full, not incremental: after a sync the indexes are cleared
// and repopulated in chunks. A row that fails to index is logged and
// skipped, never fatal.
type FTSPopulator struct {
	store     Datastore
	chunkSize int
}

// NewFTSPopulator creates a search index populator over store.
func NewFTSPopulator(store Datastore) *FTSPopulator {
	return &FTSPopulator{store: store, chunkSize: defaultFTSChunkSize}
}

// Rebuild clears and repopulates all three search indexes.
func (p *FTSPopulator) Rebuild(ctx context.Context) error {
	if err := p.rebuildBooks(ctx); err != nil {
		return err
	}
	if err := p.rebuildSeries(ctx); err != nil {
		return err
	}
	return p.rebuildContributors(ctx)
}

func (p *FTSPopulator) rebuildBooks(ctx context.Context) error {
	if err := p.store.ClearBookSearch(ctx); err != nil {
		return fmt.Errorf("rebuild book search: %w", err)
	}
	indexed := 0
	for offset := 0; ; offset += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.store.ListBookSearchRows(ctx, p.chunkSize, offset)
		if err != nil {
			return fmt.Errorf("rebuild book search: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := p.store.IndexBookSearchRow(ctx, row); err != nil {
				logging.Warn().Err(err).Str("book_id", row.BookID).Msg("skipping unindexable book")
				continue
			}
			indexed++
		}
	}
	logging.Debug().Int("indexed", indexed).Msg("book search index rebuilt")
	return nil
}

func (p *FTSPopulator) rebuildSeries(ctx context.Context) error {
	if err := p.store.ClearSeriesSearch(ctx); err != nil {
		return fmt.Errorf("rebuild series search: %w", err)
	}
	indexed := 0
	for offset := 0; ; offset += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.store.ListSeriesSearchRows(ctx, p.chunkSize, offset)
		if err != nil {
			return fmt.Errorf("rebuild series search: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := p.store.IndexSeriesSearchRow(ctx, row); err != nil {
				logging.Warn().Err(err).Str("series_id", row.SeriesID).Msg("skipping unindexable series")
				continue
			}
			indexed++
		}
	}
	logging.Debug().Int("indexed", indexed).Msg("series search index rebuilt")
	return nil
}

func (p *FTSPopulator) rebuildContributors(ctx context.Context) error {
	if err := p.store.ClearContributorSearch(ctx); err != nil {
		return fmt.Errorf("rebuild contributor search: %w", err)
	}
	indexed := 0
	for offset := 0; ; offset += p.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.store.ListContributorSearchRows(ctx, p.chunkSize, offset)
		if err != nil {
			return fmt.Errorf("rebuild contributor search: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := p.store.IndexContributorSearchRow(ctx, row); err != nil {
				logging.Warn().Err(err).Str("contributor_id", row.ContributorID).Msg("skipping unindexable contributor")
				continue
			}
			indexed++
		}
	}
	logging.Debug().Int("indexed", indexed).Msg("contributor search index rebuilt")
	return nil
}
