// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

// Package main is the entry point for the Soundshelf sync daemon.
//
// soundshelfd keeps a local, offline-usable mirror of a remote audiobook
// server: it pulls the library into SQLite, pushes queued local edits back,
// follows server-sent events for realtime updates, downloads cover art in
// the background, and maintains an FTS5 index for offline search. A small
// loopback HTTP API exposes status, sync triggers, and search.
//
// Startup order:
//
//  1. Configuration: koanf v2 layered sources (defaults, YAML file, env)
//  2. Logging: zerolog, reconfigured from the loaded config
//  3. Store: SQLite via bun, WAL mode, schema bootstrap, FTS5 check
//  4. API client: REST + SSE transport wrapped in a circuit breaker
//  5. Sync manager, cover downloader, status server
//  6. Supervisor tree: suture keeps the services running
//
// Shutdown on SIGINT/SIGTERM is graceful: the supervisor tree drains with a
// timeout, then the store is closed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/config"
	"github.com/soundshelf/soundshelf/internal/httpapi"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/store"
	"github.com/soundshelf/soundshelf/internal/supervisor"
	syncengine "github.com/soundshelf/soundshelf/internal/sync"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("server", cfg.Server.URL).
		Str("database", cfg.Database.Path).
		Msg("starting soundshelfd")

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warn().Err(err).Msg("failed to close store")
		}
	}()

	client := api.NewBreakerClient(api.NewClient(
		cfg.Server.URL,
		cfg.Server.Token,
		cfg.Server.Timeout,
		cfg.SSE.HandshakeTimeout,
	))

	covers := syncengine.NewCoverDownloader(client, st, cfg.Covers)
	manager := syncengine.NewManager(client, st, cfg.Sync, cfg.SSE, covers)
	statusServer := httpapi.NewServer(cfg.HTTP, manager, st)

	slogger := slog.New(logging.NewSlogHandler())
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	tree.AddEngineService(manager)
	tree.AddEngineService(covers)
	tree.AddAPIService(statusServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := tree.ServeBackground(ctx)
	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
		treeErr = <-errCh
	case treeErr = <-errCh:
		if treeErr != nil && ctx.Err() == nil {
			return fmt.Errorf("supervisor tree failed: %w", treeErr)
		}
	}
	if treeErr != nil && treeErr != context.Canceled {
		logging.Warn().Err(treeErr).Msg("supervisor tree exited")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	logging.Info().Msg("soundshelfd stopped")
	return nil
}
