// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig parameterizes exponential backoff for a retried operation.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int

	// Retryable decides whether an error is worth another attempt. Nil means
	// everything except context cancellation is retryable.
	Retryable func(error) bool

	// OnRetry is invoked before each re-attempt with the attempt number
	// (1-based) and the error that triggered it.
	OnRetry func(attempt int, err error)
}

// RetryWithBackoff runs op with exponential backoff until it succeeds, the
// attempt budget is spent, an error is classified non-retryable, or ctx is
// canceled.
func RetryWithBackoff[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.InitialDelay
	expo.Multiplier = cfg.Multiplier
	expo.MaxInterval = cfg.MaxDelay
	expo.RandomizationFactor = 0

	attempt := 0
	wrapped := func() (T, error) {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, backoff.Permanent(err)
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return result, backoff.Permanent(err)
		}
		attempt++
		if cfg.OnRetry != nil && attempt < cfg.MaxAttempts {
			cfg.OnRetry(attempt, err)
		}
		return result, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)))
}
