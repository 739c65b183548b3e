// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/soundshelf/soundshelf/internal/models"
)

// sync_meta keys. Everything that is a single value rather than a table row
// lives here.
const (
	metaKeyLastSyncTime = "last_sync_time"
	metaKeyLibraryID    = "library_id"
	metaKeyPreferences  = "preferences"
	metaKeyProfile      = "profile"
	metaKeyRemoteURL    = "remote_url"
)

// getMeta returns the value for key, or ("", false, nil) if absent.
func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.NewRaw("SELECT value FROM sync_meta WHERE key = ?", key).Scan(ctx, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) deleteMeta(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete meta %s: %w", key, err)
	}
	return nil
}

// LastSyncTime returns the checkpoint of the last fully successful sync, or
// the zero time if no sync has completed yet.
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, error) {
	value, ok, err := s.getMeta(ctx, metaKeyLastSyncTime)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sync time %q: %w", value, err)
	}
	return t, nil
}

// SetLastSyncTime advances the sync checkpoint. Called only after every pull
// phase succeeded.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return s.setMeta(ctx, metaKeyLastSyncTime, t.UTC().Format(time.RFC3339Nano))
}

// ClearLastSyncTime drops the checkpoint so the next sync runs as a full
// sync.
func (s *Store) ClearLastSyncTime(ctx context.Context) error {
	return s.deleteMeta(ctx, metaKeyLastSyncTime)
}

// LibraryID returns the identity of the library this cache was built
// against, or "" if the cache is fresh.
func (s *Store) LibraryID(ctx context.Context) (string, error) {
	value, _, err := s.getMeta(ctx, metaKeyLibraryID)
	return value, err
}

// SetLibraryID binds the cache to a library identity.
func (s *Store) SetLibraryID(ctx context.Context, id string) error {
	return s.setMeta(ctx, metaKeyLibraryID, id)
}

// Preferences returns the locally mirrored user preferences, or (nil, nil)
// when none have been stored.
func (s *Store) Preferences(ctx context.Context) (*models.UserPreferences, error) {
	value, ok, err := s.getMeta(ctx, metaKeyPreferences)
	if err != nil || !ok {
		return nil, err
	}
	prefs := &models.UserPreferences{}
	if err := json.Unmarshal([]byte(value), prefs); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

// SetPreferences stores the user preference mirror.
func (s *Store) SetPreferences(ctx context.Context, prefs *models.UserPreferences) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return s.setMeta(ctx, metaKeyPreferences, string(data))
}

// Profile returns the locally stored user profile, or (nil, nil) when none
// has been stored.
func (s *Store) Profile(ctx context.Context) (*models.Profile, error) {
	value, ok, err := s.getMeta(ctx, metaKeyProfile)
	if err != nil || !ok {
		return nil, err
	}
	profile := &models.Profile{}
	if err := json.Unmarshal([]byte(value), profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// SetProfile stores the local user profile.
func (s *Store) SetProfile(ctx context.Context, profile *models.Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return s.setMeta(ctx, metaKeyProfile, string(data))
}

// RemoteURL returns the cached server-advertised external URL, or "".
func (s *Store) RemoteURL(ctx context.Context) (string, error) {
	value, _, err := s.getMeta(ctx, metaKeyRemoteURL)
	return value, err
}

// SetRemoteURL caches the server-advertised external URL.
func (s *Store) SetRemoteURL(ctx context.Context, url string) error {
	return s.setMeta(ctx, metaKeyRemoteURL, url)
}
