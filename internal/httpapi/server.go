// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package httpapi serves the local status/control API: health, metrics,
// sync status and triggers, and offline search.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/models"
	"github.com/soundshelf/soundshelf/internal/store"
	syncengine "github.com/soundshelf/soundshelf/internal/sync"
)

// Server is the local HTTP endpoint for observing and driving the sync
// engine. It binds to loopback by default; it carries no authentication of
// its own.
type Server struct {
	manager *syncengine.Manager
	store   *store.Store
	httpSrv *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg config.HTTPConfig, manager *syncengine.Manager, st *store.Store) *Server {
	s := &Server{
		manager: manager,
		store:   st,
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/resync", s.handleResync)
		r.Post("/reset", s.handleReset)
		r.Get("/search", s.handleSearch)
	})

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve runs the HTTP server until ctx is canceled. It satisfies
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpSrv.Addr).Msg("status server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse augments the sync status with local cache counters.
type statusResponse struct {
	syncengine.Status

	Books         int `json:"books"`
	Series        int `json:"series"`
	Contributors  int `json:"contributors"`
	PendingCovers int `json:"pending_covers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Status: s.manager.Status()}
	resp.Books, _ = s.store.CountBooks(ctx)
	resp.Series, _ = s.store.CountSeries(ctx)
	resp.Contributors, _ = s.store.CountContributors(ctx)
	resp.PendingCovers, _ = s.store.CountCoverTasksByStatus(ctx, models.CoverTaskPending)
	writeJSON(w, http.StatusOK, resp)
}

// handleSync triggers a sync in the background and returns immediately.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.triggerSync(w, func(ctx context.Context) error { return s.manager.Sync(ctx) })
}

// handleResync triggers a forced full resync, keeping queued local edits.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	s.triggerSync(w, func(ctx context.Context) error { return s.manager.ForceFullResync(ctx) })
}

// handleReset wipes the cache, including queued local edits, and rebuilds.
// This is the escape hatch for a library mismatch.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.triggerSync(w, func(ctx context.Context) error { return s.manager.ResetForNewLibrary(ctx) })
}

func (s *Server) triggerSync(w http.ResponseWriter, run func(context.Context) error) {
	// The run outlives the HTTP request on purpose.
	go func() {
		if err := run(context.Background()); err != nil {
			if errors.Is(err, syncengine.ErrSyncInProgress) {
				return
			}
			logging.Warn().Err(err).Msg("triggered sync failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// searchResponse is one offline search result set.
type searchResponse struct {
	Query        string   `json:"query"`
	Books        []string `json:"books"`
	Series       []string `json:"series"`
	Contributors []string `json:"contributors"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit := 25
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 200")
			return
		}
		limit = parsed
	}

	ctx := r.Context()
	resp := searchResponse{Query: query}
	var err error
	if resp.Books, err = s.store.SearchBooks(ctx, query, limit); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("search failed: %v", err))
		return
	}
	if resp.Series, err = s.store.SearchSeries(ctx, query, limit); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("search failed: %v", err))
		return
	}
	if resp.Contributors, err = s.store.SearchContributors(ctx, query, limit); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("search failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
