// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
	"github.com/soundshelf/soundshelf/internal/models"
)

// pushHandler replays one queued operation against the server.
type pushHandler func(ctx context.Context, op *models.PendingOperation) error

// Pusher drains the pending-operation outbox to the server. Local state is
// updated optimistically at queue time; push only replays the mutations
// remotely.
type Pusher struct {
	client      APIClient
	store       Datastore
	maxAttempts int
	handlers    map[models.OperationType]pushHandler
}

// NewPusher creates a push orchestrator. maxAttempts caps how often a single
// operation is retried across flushes before it is abandoned.
func NewPusher(client APIClient, store Datastore, maxAttempts int) *Pusher {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	p := &Pusher{
		client:      client,
		store:       store,
		maxAttempts: maxAttempts,
	}
	p.handlers = map[models.OperationType]pushHandler{
		models.OpProfileUpdate: p.pushProfileUpdate,
		models.OpAvatarUpload:  p.pushAvatarUpload,
		models.OpBookUpdate:    p.pushBookUpdate,
		models.OpBookDelete:    p.pushBookDelete,
	}
	return p
}

// FlushResult summarizes one outbox drain.
type FlushResult struct {
	Succeeded int
	Failed    int
	Abandoned int
}

// Flush replays all queued operations oldest-first. A failing operation does
// not block the rest of the queue, except for authentication failures, which
// abort the whole flush: every remaining operation would fail the same way.
func (p *Pusher) Flush(ctx context.Context) (*FlushResult, error) {
	ops, err := p.store.ListPendingOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}

	result := &FlushResult{}
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		handler, ok := p.handlers[op.Type]
		if !ok {
			// Unknown type means a schema from a future version; abandoning it
			// is the only safe move.
			logging.Error().Str("op_id", op.ID).Str("op_type", string(op.Type)).
				Msg("abandoning pending operation of unknown type")
			if err := p.store.DeleteOperation(ctx, op.ID); err != nil {
				return result, fmt.Errorf("drop unknown operation %s: %w", op.ID, err)
			}
			result.Abandoned++
			metrics.OutboxOperationsFlushed.WithLabelValues(string(op.Type), "failed").Inc()
			continue
		}

		err := handler(ctx, op)
		if err == nil {
			if err := p.completeOperation(ctx, op); err != nil {
				return result, err
			}
			result.Succeeded++
			metrics.OutboxOperationsFlushed.WithLabelValues(string(op.Type), "success").Inc()
			continue
		}

		if api.IsAuthError(err) {
			return result, fmt.Errorf("push %s %s: %w", op.Type, op.EntityID, err)
		}

		attempts, incErr := p.store.IncrementOperationAttempts(ctx, op.ID)
		if incErr != nil {
			return result, incErr
		}
		if attempts >= p.maxAttempts || !api.IsRetryable(err) {
			logging.Error().Err(err).
				Str("op_id", op.ID).
				Str("op_type", string(op.Type)).
				Str("entity_id", op.EntityID).
				Int("attempts", attempts).
				Msg("abandoning pending operation")
			if delErr := p.store.DeleteOperation(ctx, op.ID); delErr != nil {
				return result, delErr
			}
			result.Abandoned++
			metrics.OutboxOperationsFlushed.WithLabelValues(string(op.Type), "failed").Inc()
			continue
		}

		logging.Warn().Err(err).
			Str("op_id", op.ID).
			Str("op_type", string(op.Type)).
			Int("attempts", attempts).
			Msg("pending operation failed, will retry next flush")
		result.Failed++
		metrics.OutboxOperationsFlushed.WithLabelValues(string(op.Type), "retry").Inc()
	}

	if depth, err := p.store.CountPendingOperations(ctx); err == nil {
		metrics.OutboxPending.Set(float64(depth))
	}
	return result, nil
}

// completeOperation removes a pushed operation and settles any entity
// bookkeeping it left behind.
func (p *Pusher) completeOperation(ctx context.Context, op *models.PendingOperation) error {
	if err := p.store.DeleteOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("complete operation %s: %w", op.ID, err)
	}
	if op.Type == models.OpBookUpdate {
		if err := p.store.MarkBookSynced(ctx, op.EntityID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) pushProfileUpdate(ctx context.Context, op *models.PendingOperation) error {
	return p.client.UpdateProfile(ctx, op.Payload)
}

func (p *Pusher) pushAvatarUpload(ctx context.Context, op *models.PendingOperation) error {
	return p.client.UploadAvatar(ctx, op.Payload)
}

func (p *Pusher) pushBookUpdate(ctx context.Context, op *models.PendingOperation) error {
	return p.client.UpdateBook(ctx, op.EntityID, op.Payload)
}

func (p *Pusher) pushBookDelete(ctx context.Context, op *models.PendingOperation) error {
	err := p.client.DeleteBook(ctx, op.EntityID)
	if api.IsNotFound(err) {
		// Already gone server-side; the delete achieved its goal.
		return nil
	}
	return err
}

// QueueProfileUpdate applies a profile change locally and queues it for
// push.
func (p *Pusher) QueueProfileUpdate(ctx context.Context, profile *models.Profile) error {
	if err := p.store.SetProfile(ctx, profile); err != nil {
		return err
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile update: %w", err)
	}
	return p.queue(ctx, models.OpProfileUpdate, models.EntityUser, "self", payload)
}

// QueueAvatarUpload queues avatar bytes for push. The avatar is not applied
// locally until the server accepts it, since the server re-encodes it.
func (p *Pusher) QueueAvatarUpload(ctx context.Context, data []byte) error {
	return p.queue(ctx, models.OpAvatarUpload, models.EntityUser, "self", data)
}

// QueueBookUpdate applies a book edit locally (marking it not-synced) and
// queues it for push.
func (p *Pusher) QueueBookUpdate(ctx context.Context, book *models.Book) error {
	if err := p.store.SaveLocalBookEdit(ctx, book); err != nil {
		return err
	}
	payload, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("encode book update: %w", err)
	}
	return p.queue(ctx, models.OpBookUpdate, models.EntityBook, book.ID, payload)
}

// QueueBookDelete removes the book locally and queues the deletion for push.
func (p *Pusher) QueueBookDelete(ctx context.Context, bookID string) error {
	if err := p.store.DeleteBooksByIDs(ctx, []string{bookID}); err != nil {
		return err
	}
	return p.queue(ctx, models.OpBookDelete, models.EntityBook, bookID, nil)
}

func (p *Pusher) queue(ctx context.Context, opType models.OperationType, entityType models.EntityType, entityID string, payload []byte) error {
	err := p.store.QueueOperation(ctx, &models.PendingOperation{
		Type:       opType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	if depth, err := p.store.CountPendingOperations(ctx); err == nil {
		metrics.OutboxPending.Set(float64(depth))
	}
	return nil
}
