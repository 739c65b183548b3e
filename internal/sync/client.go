// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"context"
	"io"

	"github.com/soundshelf/soundshelf/internal/api"
)

// APIClient is the server API surface the sync engine consumes. Both
// api.Client and api.BreakerClient satisfy it; tests substitute fakes.
type APIClient interface {
	GetBooks(ctx context.Context, req api.PageRequest) (*api.BookPage, error)
	GetSeries(ctx context.Context, req api.PageRequest) (*api.SeriesPage, error)
	GetContributors(ctx context.Context, req api.PageRequest) (*api.ContributorPage, error)
	GetLibrary(ctx context.Context) (*api.LibraryInfo, error)
	GetLibraryStatus(ctx context.Context) (*api.LibraryStatus, error)
	GetPreferences(ctx context.Context) (*api.Preferences, error)
	GetInstanceInfo(ctx context.Context) (*api.InstanceInfo, error)
	UpdateProfile(ctx context.Context, payload []byte) error
	UploadAvatar(ctx context.Context, data []byte) error
	UpdateBook(ctx context.Context, bookID string, payload []byte) error
	DeleteBook(ctx context.Context, bookID string) error
	DownloadCover(ctx context.Context, kind, id string) ([]byte, error)
	OpenEventStream(ctx context.Context) (io.ReadCloser, error)
}
