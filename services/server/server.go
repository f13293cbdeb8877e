// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the document store and generation orchestrator
// over HTTP.
//
// # Ownership Model
//
// The server borrows its store and orchestrator; it never closes them.
// Shutdown order is the caller's concern: stop the HTTP server first,
// then sync and close the store.
//
// # Error Mapping
//
// Malformed request bodies map to 400, unknown node ids to 404, and
// semantically invalid documents or prompts to 422. Generation
// transport failures never surface here; they land on the affected
// nodes and reach clients through the graph itself.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arborlabs/arbor/services/document"
	"github.com/arborlabs/arbor/services/generate"
	"github.com/arborlabs/arbor/services/storage"
)

// shutdownGrace is how long in-flight requests get to finish once the
// context driving Run is cancelled.
const shutdownGrace = 5 * time.Second

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7727".
	Addr string

	// Logger receives request diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Server wires the HTTP API over the store, the orchestrator, and the
// settings blob.
type Server struct {
	store    *document.Store
	orch     *generate.Orchestrator
	settings storage.BlobStore
	logger   *slog.Logger
	addr     string
}

// New creates a Server. The settings blob store may be the same
// BlobStore backing the document store.
func New(store *document.Store, orch *generate.Orchestrator, settings storage.BlobStore, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		store:    store,
		orch:     orch,
		settings: settings,
		logger:   cfg.Logger,
		addr:     cfg.Addr,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.GET("/graph", s.handleGetGraph)
		api.GET("/graph/version", s.handleVersionPoll)
		api.GET("/graph/events", s.handleVersionEvents)
		api.POST("/graph/clear", s.handleClear)

		api.POST("/nodes/:id/children", s.handleAddChild)
		api.DELETE("/nodes/:id", s.handleDeleteNode)
		api.PATCH("/nodes/:id/text", s.handlePatchText)
		api.PATCH("/nodes/:id/position", s.handlePatchPosition)
		api.POST("/nodes/:id/generate", s.handleGenerateNode)

		api.POST("/generate/leaves", s.handleGenerateLeaves)

		api.GET("/export", s.handleExport)
		api.POST("/import", s.handleImport)

		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings", s.handlePutSettings)
	}
	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
