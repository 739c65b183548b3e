// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package metrics exposes Prometheus instrumentation for the sync engine:
// pull/push throughput, SSE connection health, cover downloads, and the
// API circuit breaker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pull metrics
	SyncPagesPulled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_sync_pages_pulled_total",
			Help: "Total pages fetched during pull, by entity kind",
		},
		[]string{"entity"},
	)

	SyncEntitiesUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_sync_entities_upserted_total",
			Help: "Total entities upserted during pull, by entity kind",
		},
		[]string{"entity"},
	)

	SyncEntitiesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_sync_entities_deleted_total",
			Help: "Total entities deleted during pull, by entity kind",
		},
		[]string{"entity"},
	)

	SyncConflictsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundshelf_sync_conflicts_detected_total",
			Help: "Total books flagged as conflicted during pull",
		},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "soundshelf_sync_duration_seconds",
			Help:    "Duration of full sync invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~3.4min
		},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_sync_runs_total",
			Help: "Total sync invocations by terminal result",
		},
		[]string{"result"}, // success, error, library_mismatch
	)

	// Push / outbox metrics
	OutboxOperationsFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_outbox_operations_flushed_total",
			Help: "Total queued operations flushed, by operation type and result",
		},
		[]string{"op_type", "result"}, // result: success, retry, failed
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soundshelf_outbox_pending_operations",
			Help: "Queued operations currently awaiting push",
		},
	)

	// SSE metrics
	SSEEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_sse_events_applied_total",
			Help: "Total SSE events applied to local storage, by event type",
		},
		[]string{"event_type"},
	)

	SSEEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_sse_events_dropped_total",
			Help: "Total SSE events dropped, by reason",
		},
		[]string{"reason"}, // unknown_type, decode_error, apply_error
	)

	SSEReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundshelf_sse_reconnects_total",
			Help: "Total SSE reconnect attempts",
		},
	)

	SSEConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soundshelf_sse_connection_state",
			Help: "SSE connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// Cover download metrics
	CoverDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_cover_downloads_total",
			Help: "Total cover download attempts, by result",
		},
		[]string{"result"}, // success, not_found, retry, failed
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "soundshelf_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundshelf_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)
