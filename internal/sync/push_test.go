// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"strings"
	"testing"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/models"
)

func TestQueueBookUpdate_AppliesLocallyAndCoalesces(t *testing.T) {
	st := newFakeStore()
	pusher := NewPusher(&fakeClient{}, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b1", Title: "First Edit"}); err != nil {
		t.Fatalf("QueueBookUpdate: %v", err)
	}
	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b1", Title: "Second Edit"}); err != nil {
		t.Fatalf("QueueBookUpdate: %v", err)
	}

	if st.books["b1"].SyncState != models.SyncStateNotSynced {
		t.Errorf("sync state = %s, want not_synced", st.books["b1"].SyncState)
	}
	ops, _ := st.ListPendingOperations(ctx)
	if len(ops) != 1 {
		t.Fatalf("pending operations = %d, re-queues must coalesce", len(ops))
	}
	if want := `"Second Edit"`; !strings.Contains(string(ops[0].Payload), want) {
		t.Errorf("payload = %s, want latest edit %s", ops[0].Payload, want)
	}
}

func TestFlush_SuccessMarksBookSynced(t *testing.T) {
	st := newFakeStore()
	var pushed []string
	client := &fakeClient{
		updateBook: func(_ context.Context, bookID string, _ []byte) error {
			pushed = append(pushed, bookID)
			return nil
		},
	}
	pusher := NewPusher(client, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b1", Title: "Edit"}); err != nil {
		t.Fatalf("QueueBookUpdate: %v", err)
	}

	result, err := pusher.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", result.Succeeded)
	}
	if len(pushed) != 1 || pushed[0] != "b1" {
		t.Errorf("pushed = %v, want [b1]", pushed)
	}
	if st.books["b1"].SyncState != models.SyncStateSynced {
		t.Errorf("sync state = %s, want synced after flush", st.books["b1"].SyncState)
	}
	if n, _ := st.CountPendingOperations(ctx); n != 0 {
		t.Errorf("pending = %d, want empty outbox", n)
	}
}

func TestFlush_FailureIsolation(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{
		updateBook: func(_ context.Context, bookID string, _ []byte) error {
			if bookID == "bad" {
				return &api.Error{StatusCode: 503, Endpoint: "/api/v1/books/bad"}
			}
			return nil
		},
	}
	pusher := NewPusher(client, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "bad", Title: "X"}); err != nil {
		t.Fatal(err)
	}
	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "good", Title: "Y"}); err != nil {
		t.Fatal(err)
	}

	result, err := pusher.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Errorf("result = %+v, want one success and one retryable failure", result)
	}
	ops, _ := st.ListPendingOperations(ctx)
	if len(ops) != 1 || ops[0].EntityID != "bad" {
		t.Errorf("remaining ops = %v, failed op must stay queued", ops)
	}
	if ops[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", ops[0].Attempts)
	}
}

func TestFlush_AbandonsAfterMaxAttempts(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{
		updateBook: func(_ context.Context, _ string, _ []byte) error {
			return &api.Error{StatusCode: 503, Endpoint: "/api/v1/books/b1"}
		},
	}
	pusher := NewPusher(client, st, 2)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b1", Title: "X"}); err != nil {
		t.Fatal(err)
	}

	if _, err := pusher.Flush(ctx); err != nil {
		t.Fatalf("first flush: %v", err)
	}
	result, err := pusher.Flush(ctx)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if result.Abandoned != 1 {
		t.Errorf("Abandoned = %d, want 1 after attempt budget", result.Abandoned)
	}
	if n, _ := st.CountPendingOperations(ctx); n != 0 {
		t.Errorf("pending = %d, abandoned op must be removed", n)
	}
}

func TestFlush_NonRetryableAbandonsImmediately(t *testing.T) {
	st := newFakeStore()
	client := &fakeClient{
		updateBook: func(_ context.Context, _ string, _ []byte) error {
			return &api.Error{StatusCode: 422, Endpoint: "/api/v1/books/b1"}
		},
	}
	pusher := NewPusher(client, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b1", Title: "X"}); err != nil {
		t.Fatal(err)
	}
	result, err := pusher.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Abandoned != 1 {
		t.Errorf("Abandoned = %d, want 1 for a 422", result.Abandoned)
	}
}

func TestFlush_AuthErrorAbortsFlush(t *testing.T) {
	st := newFakeStore()
	calls := 0
	client := &fakeClient{
		updateBook: func(_ context.Context, _ string, _ []byte) error {
			calls++
			return &api.Error{StatusCode: 401, Endpoint: "/api/v1/books"}
		},
	}
	pusher := NewPusher(client, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b1", Title: "X"}); err != nil {
		t.Fatal(err)
	}
	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "b2", Title: "Y"}); err != nil {
		t.Fatal(err)
	}

	if _, err := pusher.Flush(ctx); err == nil {
		t.Fatal("expected auth error to abort the flush")
	}
	if calls != 1 {
		t.Errorf("calls = %d, remaining ops must not be attempted after auth failure", calls)
	}
	if n, _ := st.CountPendingOperations(ctx); n != 2 {
		t.Errorf("pending = %d, ops must survive an aborted flush", n)
	}
}

func TestFlush_BookDeleteTolerates404(t *testing.T) {
	st := newFakeStore()
	st.books["b1"] = &models.Book{ID: "b1"}
	client := &fakeClient{
		deleteBook: func(_ context.Context, _ string) error {
			return &api.Error{StatusCode: 404, Endpoint: "/api/v1/books/b1"}
		},
	}
	pusher := NewPusher(client, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookDelete(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := st.books["b1"]; ok {
		t.Error("book must be removed locally at queue time")
	}

	result, err := pusher.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Succeeded = %d, a 404 on delete means already done", result.Succeeded)
	}
}

func TestFlush_FIFOOrder(t *testing.T) {
	st := newFakeStore()
	var order []string
	client := &fakeClient{
		updateBook: func(_ context.Context, bookID string, _ []byte) error {
			order = append(order, bookID)
			return nil
		},
		updateProfile: func(_ context.Context, _ []byte) error {
			order = append(order, "profile")
			return nil
		},
	}
	pusher := NewPusher(client, st, 5)
	ctx := context.Background()

	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := pusher.QueueProfileUpdate(ctx, &models.Profile{DisplayName: "Name"}); err != nil {
		t.Fatal(err)
	}
	if err := pusher.QueueBookUpdate(ctx, &models.Book{ID: "third"}); err != nil {
		t.Fatal(err)
	}

	if _, err := pusher.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	want := []string{"first", "profile", "third"}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("order = %v, want %v", order, want)
	}
}
