// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Error is a non-2xx response from the audiobook server.
type Error struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned status %d for %s: %s", e.StatusCode, e.Endpoint, e.Body)
	}
	return fmt.Sprintf("server returned status %d for %s", e.StatusCode, e.Endpoint)
}

// IsAuthError reports whether err is a 401/403 response. Auth failures are
// fatal for retry loops: the caller must re-authenticate first.
func IsAuthError(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsRetryable classifies an error as transient. Retryable: 5xx, 429,
// timeouts, and connection-level network failures. Never retryable:
// cancellation, auth failures, and other 4xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Anything else that made it out of the HTTP client without a status
	// code is a transport-level failure (refused, reset, DNS).
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
