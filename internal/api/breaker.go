// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package api

import (
	"context"
	"io"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
)

// BreakerClient wraps Client with a circuit breaker so a dead or overloaded
// server sheds load quickly instead of stacking timeouts. The event stream
// is deliberately not routed through the breaker: it is long-lived and has
// its own reconnect policy.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// NewBreakerClient creates a circuit-breaker wrapper around client.
// The breaker opens after a 60% failure rate over at least 10 requests,
// and probes recovery after 2 minutes.
func NewBreakerClient(client *Client) *BreakerClient {
	cbName := "audiobook-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
		},

		// Auth failures and 404s are deterministic; counting them as breaker
		// failures would open the circuit on a misconfigured token.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !IsRetryable(err)
		},
	})

	return &BreakerClient{client: client, cb: cb, name: cbName}
}

func (b *BreakerClient) GetBooks(ctx context.Context, req PageRequest) (*BookPage, error) {
	return execute(b, func() (*BookPage, error) { return b.client.GetBooks(ctx, req) })
}

func (b *BreakerClient) GetSeries(ctx context.Context, req PageRequest) (*SeriesPage, error) {
	return execute(b, func() (*SeriesPage, error) { return b.client.GetSeries(ctx, req) })
}

func (b *BreakerClient) GetContributors(ctx context.Context, req PageRequest) (*ContributorPage, error) {
	return execute(b, func() (*ContributorPage, error) { return b.client.GetContributors(ctx, req) })
}

func (b *BreakerClient) GetLibrary(ctx context.Context) (*LibraryInfo, error) {
	return execute(b, func() (*LibraryInfo, error) { return b.client.GetLibrary(ctx) })
}

func (b *BreakerClient) GetLibraryStatus(ctx context.Context) (*LibraryStatus, error) {
	return execute(b, func() (*LibraryStatus, error) { return b.client.GetLibraryStatus(ctx) })
}

func (b *BreakerClient) GetPreferences(ctx context.Context) (*Preferences, error) {
	return execute(b, func() (*Preferences, error) { return b.client.GetPreferences(ctx) })
}

func (b *BreakerClient) GetInstanceInfo(ctx context.Context) (*InstanceInfo, error) {
	return execute(b, func() (*InstanceInfo, error) { return b.client.GetInstanceInfo(ctx) })
}

func (b *BreakerClient) UpdateProfile(ctx context.Context, payload []byte) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, b.client.UpdateProfile(ctx, payload) })
	return err
}

func (b *BreakerClient) UploadAvatar(ctx context.Context, data []byte) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, b.client.UploadAvatar(ctx, data) })
	return err
}

func (b *BreakerClient) UpdateBook(ctx context.Context, bookID string, payload []byte) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, b.client.UpdateBook(ctx, bookID, payload) })
	return err
}

func (b *BreakerClient) DeleteBook(ctx context.Context, bookID string) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, b.client.DeleteBook(ctx, bookID) })
	return err
}

func (b *BreakerClient) DownloadCover(ctx context.Context, kind, id string) ([]byte, error) {
	return execute(b, func() ([]byte, error) { return b.client.DownloadCover(ctx, kind, id) })
}

// OpenEventStream bypasses the breaker; see the type comment.
func (b *BreakerClient) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	return b.client.OpenEventStream(ctx)
}

// execute routes a typed call through the untyped breaker.
func execute[T any](b *BreakerClient, call func() (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return call()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	value, ok := result.(T)
	if !ok {
		var zero T
		return zero, nil
	}
	return value, nil
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
