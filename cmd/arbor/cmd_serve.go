// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arborlabs/arbor/pkg/config"
	"github.com/arborlabs/arbor/services/server"
)

// runServe starts the HTTP API and blocks until SIGINT/SIGTERM.
//
// The configuration file is watched while serving: edits to generation
// parameters take effect for subsequent batches without a restart.
// Address, data directory, and transport topology changes still need
// one.
func runServe(cmd *cobra.Command, args []string) {
	a := mustApp(true)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchPath := configPath
	if watchPath == "" {
		var err error
		watchPath, err = config.DefaultPath()
		if err != nil {
			log.Fatalf("Error resolving config path: %v", err)
		}
	}
	go func() {
		err := config.Watch(ctx, watchPath, a.logger.Slog(), func(cfg config.Config) {
			a.orch.SetParams(paramsFromConfig(cfg))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("config watcher stopped", "error", err)
		}
	}()

	srv := server.New(a.store, a.orch, a.blobs, server.Config{
		Addr:   a.cfg.Addr,
		Logger: a.logger.Slog(),
	})
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Error running server: %v", err)
	}
	a.logger.Info("server stopped")
}
