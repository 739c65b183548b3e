// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// WipeLibraryData deletes every locally cached library record, the search
// indexes, the cover task queue, and the sync checkpoint. When
// includePendingOps is true (library switch) the outbox is emptied too;
// a force full resync keeps it, since local edits still target the same
// library.
func (s *Store) WipeLibraryData(ctx context.Context, includePendingOps bool) error {
	tables := []string{
		"chapters",
		"book_contributors",
		"books",
		"series",
		"contributors",
		"cover_download_tasks",
		"books_fts",
		"series_fts",
		"contributors_fts",
	}
	if includePendingOps {
		tables = append(tables, "pending_operations")
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_meta WHERE key IN (?, ?)",
			metaKeyLastSyncTime, metaKeyLibraryID); err != nil {
			return fmt.Errorf("wipe sync meta: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wipe library data: %w", err)
	}
	return nil
}
