// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package httpapi

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/models"
	"github.com/soundshelf/soundshelf/internal/store"
	syncengine "github.com/soundshelf/soundshelf/internal/sync"
)

// stubClient satisfies the sync engine's client interface with inert
// responses; the HTTP API tests never reach the network.
type stubClient struct{}

func (stubClient) GetBooks(context.Context, api.PageRequest) (*api.BookPage, error) {
	return &api.BookPage{}, nil
}
func (stubClient) GetSeries(context.Context, api.PageRequest) (*api.SeriesPage, error) {
	return &api.SeriesPage{}, nil
}
func (stubClient) GetContributors(context.Context, api.PageRequest) (*api.ContributorPage, error) {
	return &api.ContributorPage{}, nil
}
func (stubClient) GetLibrary(context.Context) (*api.LibraryInfo, error) {
	return &api.LibraryInfo{ID: "lib-1"}, nil
}
func (stubClient) GetLibraryStatus(context.Context) (*api.LibraryStatus, error) {
	return &api.LibraryStatus{}, nil
}
func (stubClient) GetPreferences(context.Context) (*api.Preferences, error) {
	return &api.Preferences{}, nil
}
func (stubClient) GetInstanceInfo(context.Context) (*api.InstanceInfo, error) {
	return &api.InstanceInfo{}, nil
}
func (stubClient) UpdateProfile(context.Context, []byte) error   { return nil }
func (stubClient) UploadAvatar(context.Context, []byte) error    { return nil }
func (stubClient) UpdateBook(context.Context, string, []byte) error {
	return nil
}
func (stubClient) DeleteBook(context.Context, string) error { return nil }
func (stubClient) DownloadCover(context.Context, string, string) ([]byte, error) {
	return nil, &api.Error{StatusCode: 404, Endpoint: "/covers"}
}
func (stubClient) OpenEventStream(context.Context) (io.ReadCloser, error) {
	return nil, &api.Error{StatusCode: 503, Endpoint: "/events"}
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)
	st, err := store.NewWithDB(bun.NewDB(sqldb, sqlitedialect.New()))
	if err != nil {
		t.Fatalf("bootstrap schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	manager := syncengine.NewManager(stubClient{}, st, config.SyncConfig{
		PageSize:          100,
		RetryAttempts:     1,
		RetryInitialDelay: time.Millisecond,
		RetryMultiplier:   2.0,
		RetryMaxDelay:     time.Millisecond,
		PushMaxAttempts:   1,
	}, config.SSEConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, nil)

	srv := NewServer(config.HTTPConfig{Host: "127.0.0.1", Port: 0, Timeout: 5 * time.Second}, manager, st)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus_IncludesCacheCounts(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()
	if err := st.UpsertBooks(ctx, []*models.Book{{ID: "b1", Title: "One"}, {ID: "b2", Title: "Two"}}); err != nil {
		t.Fatal(err)
	}
	if err := st.EnqueueCoverTask(ctx, models.EntityBook, "b1"); err != nil {
		t.Fatal(err)
	}

	var body struct {
		State         string `json:"state"`
		Books         int    `json:"books"`
		PendingCovers int    `json:"pending_covers"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/status", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.State != "idle" {
		t.Errorf("state = %q, want idle before any sync", body.State)
	}
	if body.Books != 2 || body.PendingCovers != 1 {
		t.Errorf("counts = %d books / %d pending covers, want 2/1", body.Books, body.PendingCovers)
	}
}

func TestSearch_Validation(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := getJSON(t, ts.URL+"/api/v1/search", nil); code != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/search?q=x&limit=0", nil); code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", code)
	}
	if code := getJSON(t, ts.URL+"/api/v1/search?q=x&limit=plenty", nil); code != http.StatusBadRequest {
		t.Errorf("non-numeric limit status = %d, want 400", code)
	}
}

func TestSearch_ReturnsHits(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()
	if err := st.IndexBookSearchRow(ctx, &store.BookSearchRow{BookID: "b1", Title: "Stormlight Archive"}); err != nil {
		t.Fatal(err)
	}

	var body struct {
		Query string   `json:"query"`
		Books []string `json:"books"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/search?q=stormlight", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Query != "stormlight" {
		t.Errorf("query echo = %q", body.Query)
	}
	if len(body.Books) != 1 || body.Books[0] != "b1" {
		t.Errorf("book hits = %v, want [b1]", body.Books)
	}
}

func TestSyncTrigger_Returns202(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/sync", "application/json", strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "go_goroutines") {
		t.Error("metrics output missing standard collectors")
	}
}
