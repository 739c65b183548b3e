// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soundshelf/soundshelf/internal/models"
)

// QueueOperation inserts a pending operation, coalescing with any existing
// operation for the same (entity_type, entity_id, op_type): the payload is
// replaced, the attempt counter resets, and the original created_at keeps
// the row's FIFO position.
func (s *Store) QueueOperation(ctx context.Context, op *models.PendingOperation) error {
	now := time.Now().UTC()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	_, err := s.db.NewInsert().
		Model(op).
		On("CONFLICT (entity_type, entity_id, op_type) DO UPDATE").
		Set("payload = EXCLUDED.payload").
		Set("attempts = 0").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue %s operation for %s/%s: %w", op.Type, op.EntityType, op.EntityID, err)
	}
	return nil
}

// ListPendingOperations returns all queued operations oldest-first.
func (s *Store) ListPendingOperations(ctx context.Context) ([]*models.PendingOperation, error) {
	var ops []*models.PendingOperation
	err := s.db.NewSelect().
		Model(&ops).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	return ops, nil
}

// DeleteOperation removes a completed (or abandoned) operation.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	if _, err := s.db.NewDelete().Model((*models.PendingOperation)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("delete operation %s: %w", id, err)
	}
	return nil
}

// IncrementOperationAttempts bumps the failure counter after an unsuccessful
// push and returns the new count.
func (s *Store) IncrementOperationAttempts(ctx context.Context, id string) (int, error) {
	_, err := s.db.NewUpdate().
		Model((*models.PendingOperation)(nil)).
		Set("attempts = attempts + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("increment attempts for operation %s: %w", id, err)
	}
	var attempts int
	if err := s.db.NewRaw("SELECT attempts FROM pending_operations WHERE id = ?", id).Scan(ctx, &attempts); err != nil {
		return 0, fmt.Errorf("read attempts for operation %s: %w", id, err)
	}
	return attempts, nil
}

// CountPendingOperations returns the outbox depth.
func (s *Store) CountPendingOperations(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().Model((*models.PendingOperation)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return count, nil
}

// DeleteAllOperations empties the outbox. Used when the cache is reset for a
// different library, where the queued mutations no longer make sense.
func (s *Store) DeleteAllOperations(ctx context.Context) error {
	if _, err := s.db.NewDelete().Model((*models.PendingOperation)(nil)).Where("1 = 1").Exec(ctx); err != nil {
		return fmt.Errorf("delete all pending operations: %w", err)
	}
	return nil
}
