// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package models

import (
	"time"

	"github.com/uptrace/bun"
)

// OperationType identifies a kind of queued local mutation.
type OperationType string

const (
	OpProfileUpdate OperationType = "profile_update"
	OpAvatarUpload  OperationType = "avatar_upload"
	OpBookUpdate    OperationType = "book_update"
	OpBookDelete    OperationType = "book_delete"
)

// EntityType identifies which kind of entity an operation or cover task
// targets.
type EntityType string

const (
	EntityBook        EntityType = "book"
	EntitySeries      EntityType = "series"
	EntityContributor EntityType = "contributor"
	EntityUser        EntityType = "user"
)

// PendingOperation is one queued local mutation awaiting push. The outbox
// holds at most one row per (EntityType, EntityID, Type): re-queues coalesce
// into the existing row, replacing its payload.
type PendingOperation struct {
	bun.BaseModel `bun:"table:pending_operations,alias:po"`

	ID         string        `bun:",pk" json:"id"`
	Type       OperationType `bun:"op_type" json:"type"`
	EntityType EntityType    `bun:"entity_type" json:"entity_type"`
	EntityID   string        `bun:"entity_id" json:"entity_id"`
	Payload    []byte        `bun:"payload" json:"payload"`
	Attempts   int           `bun:"attempts" json:"attempts"`
	CreatedAt  time.Time     `bun:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `bun:"updated_at" json:"updated_at"`
}

// CoverTaskStatus is the lifecycle state of a cover download task.
type CoverTaskStatus string

const (
	CoverTaskPending    CoverTaskStatus = "pending"
	CoverTaskInProgress CoverTaskStatus = "in_progress"
	CoverTaskCompleted  CoverTaskStatus = "completed"
	CoverTaskFailed     CoverTaskStatus = "failed"
)

// CoverDownloadTask is a persisted cover-art download request. Tasks survive
// process death: in_progress rows found at startup are reset to pending, and
// completed rows older than the retention window are purged.
type CoverDownloadTask struct {
	bun.BaseModel `bun:"table:cover_download_tasks,alias:ct"`

	EntityType EntityType      `bun:"entity_type,pk" json:"entity_type"`
	EntityID   string          `bun:"entity_id,pk" json:"entity_id"`
	Status     CoverTaskStatus `bun:"status" json:"status"`
	Attempts   int             `bun:"attempts" json:"attempts"`
	UpdatedAt  time.Time       `bun:"updated_at" json:"updated_at"`
}

// UserPreferences is the server-side user preference blob mirrored locally
// on a best-effort basis.
type UserPreferences struct {
	PlaybackSpeed  float64 `json:"playback_speed"`
	SleepTimerMins int     `json:"sleep_timer_mins"`
	Theme          string  `json:"theme"`
}

// Profile is the local user's profile as known to this client.
type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarPath  string `json:"avatar_path,omitempty"`
}
