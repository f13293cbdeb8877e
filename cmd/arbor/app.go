// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"

	"github.com/arborlabs/arbor/pkg/config"
	"github.com/arborlabs/arbor/pkg/logging"
	"github.com/arborlabs/arbor/services/document"
	"github.com/arborlabs/arbor/services/generate"
	"github.com/arborlabs/arbor/services/storage"
	"github.com/arborlabs/arbor/services/transport"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger *logging.Logger
	blobs  storage.BlobStore
	store  *document.Store
	orch   *generate.Orchestrator
}

// newApp loads configuration and opens the local store. Commands that
// only touch the document (export, import) pass withTransport=false and
// skip the endpoint wiring entirely.
func newApp(withTransport bool) (*app, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "arbor",
	})

	badgerStore, err := storage.Open(storage.Config{
		Path:   cfg.ExpandedDataDir(),
		Logger: logger.Slog(),
	})
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open data store: %w", err)
	}
	blobs := storage.NewSilent(badgerStore, logger.Slog())

	store := document.Open(blobs, document.Options{Logger: logger.Slog()})

	a := &app{cfg: cfg, logger: logger, blobs: blobs, store: store}
	if !withTransport {
		return a, nil
	}

	client, err := transport.NewClient(transport.Config{
		Endpoint:             cfg.Transport.Endpoint,
		APIKey:               cfg.APIKey(),
		MaxStreamBatch:       cfg.Transport.MaxStreamBatch,
		MaxConcurrentStreams: cfg.Transport.MaxConcurrentStreams,
		Logger:               logger.Slog(),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.orch = generate.New(store, client, generate.Config{
		Params:            paramsFromConfig(cfg),
		PerNode:           cfg.Generation.PerNode,
		MaxLeaves:         cfg.Generation.MaxLeaves,
		RequireCredential: cfg.Transport.RequireCredential,
		Logger:            logger.Slog(),
	})
	return a, nil
}

// close flushes pending writes and releases the store. Safe to call
// exactly once, at command exit.
func (a *app) close() {
	a.store.Sync()
	if err := a.blobs.Close(); err != nil {
		a.logger.Warn("failed to close data store", "error", err)
	}
	a.logger.Close()
}

func paramsFromConfig(cfg config.Config) transport.Params {
	return transport.Params{
		Model:       cfg.Generation.Model,
		Temperature: cfg.Generation.Temperature,
		TopP:        cfg.Generation.TopP,
		MaxTokens:   cfg.Generation.MaxTokens,
		Stop:        cfg.Generation.Stop,
	}
}

// mustApp wraps newApp for cobra Run funcs, which have no error return.
func mustApp(withTransport bool) *app {
	a, err := newApp(withTransport)
	if err != nil {
		log.Fatalf("Error initializing arbor: %v", err)
	}
	return a
}
