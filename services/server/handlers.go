// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arborlabs/arbor/services/generate"
	"github.com/arborlabs/arbor/services/storage"
)

// Long-poll bounds for /api/graph/version.
const (
	defaultPollTimeout = 25 * time.Second
	maxPollTimeout     = 55 * time.Second
	maxImportBytes     = 32 << 20
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "nodes": s.store.Len()})
}

// handleGetGraph returns the whole document plus its structural version.
func (s *Server) handleGetGraph(c *gin.Context) {
	g := s.store.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"nodes":   g.Nodes,
		"edges":   g.Edges,
		"version": s.store.Version(),
	})
}

// handleVersionPoll long-polls for a structural version greater than
// the client's `since`. Returns immediately when the store is already
// ahead, otherwise blocks until a commit or the timeout, whichever
// comes first. Text-only edits never wake the poll.
func (s *Server) handleVersionPoll(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an unsigned integer"})
		return
	}

	timeout := defaultPollTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout must be a positive duration"})
			return
		}
		timeout = min(d, maxPollTimeout)
	}

	if v := s.store.Version(); v > since {
		c.JSON(http.StatusOK, gin.H{"version": v})
		return
	}

	ch, cancel := s.store.Subscribe()
	defer cancel()

	// Re-check after subscribing: a commit may have landed between the
	// first read and the subscription.
	if v := s.store.Version(); v > since {
		c.JSON(http.StatusOK, gin.H{"version": v})
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		c.JSON(http.StatusOK, gin.H{"version": s.store.Version()})
	case <-timer.C:
		c.JSON(http.StatusOK, gin.H{"version": s.store.Version()})
	case <-c.Request.Context().Done():
	}
}

// handleVersionEvents streams structural version commits as
// server-sent events until the client disconnects.
func (s *Server) handleVersionEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ch, cancel := s.store.Subscribe()
	defer cancel()

	write := func(v uint64) bool {
		if _, err := fmt.Fprintf(c.Writer, "event: version\ndata: {\"version\":%d}\n\n", v); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !write(s.store.Version()) {
		return
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ch:
			// The channel drops intermediate values under load; the
			// store is the source of truth for the current number.
			if !write(s.store.Version()) {
				return
			}
		}
	}
}

// handleClear replaces the whole document with a fresh empty root.
func (s *Server) handleClear(c *gin.Context) {
	s.store.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "version": s.store.Version()})
}

type addChildRequest struct {
	Text               string `json:"text"`
	GeneratedTextStart int    `json:"generatedTextStart"`
}

func (s *Server) handleAddChild(c *gin.Context) {
	parentID := c.Param("id")

	var req addChildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	childID := s.store.AddChild(parentID, req.Text, req.GeneratedTextStart)
	if childID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "parent node not found", "parent_id": parentID})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": childID})
}

func (s *Server) handleDeleteNode(c *gin.Context) {
	id := c.Param("id")

	n, ok := s.store.NodeByID(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found", "id": id})
		return
	}
	if n.Data.IsRoot {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "the root node cannot be deleted"})
		return
	}

	s.store.DeleteNode(id)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

type patchTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePatchText(c *gin.Context) {
	id := c.Param("id")

	var req patchTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, ok := s.store.NodeByID(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found", "id": id})
		return
	}

	s.store.PatchText(id, req.Text)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type patchPositionRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (s *Server) handlePatchPosition(c *gin.Context) {
	id := c.Param("id")

	var req patchPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if _, ok := s.store.NodeByID(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found", "id": id})
		return
	}

	s.store.PatchPosition(id, req.X, req.Y)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type generateRequest struct {
	Count int `json:"count"`
}

// handleGenerateNode runs one generation batch for the node and blocks
// until every request in the batch reaches a terminal state. Per-request
// failures are recorded on the affected child nodes, not returned here.
func (s *Server) handleGenerateNode(c *gin.Context) {
	id := c.Param("id")

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.orch.ForNode(c.Request.Context(), id, req.Count); err != nil {
		s.writeGenerateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "done", "version": s.store.Version()})
}

func (s *Server) handleGenerateLeaves(c *gin.Context) {
	if err := s.orch.AllLeaves(c.Request.Context()); err != nil {
		s.writeGenerateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "done", "version": s.store.Version()})
}

func (s *Server) writeGenerateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, generate.ErrNodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, generate.ErrEmptyPrompt):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, generate.ErrNoCredential):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		s.logger.Error("generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generation failed"})
	}
}

func (s *Server) handleExport(c *gin.Context) {
	data, err := s.store.ExportJSON()
	if err != nil {
		s.logger.Error("export serialization failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialize document"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="arbor-export.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

// handleImport replaces the whole document. All-or-nothing: any
// validation failure leaves the current document untouched and reports
// the specific violated rule.
func (s *Server) handleImport(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := s.store.ImportJSON(data); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "imported", "nodes": s.store.Len()})
}

// Settings are an opaque client-owned JSON blob; the server stores and
// returns it without interpreting the contents.
func (s *Server) handleGetSettings(c *gin.Context) {
	data, err := s.settings.Get(c.Request.Context(), storage.KeySettings)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			c.Data(http.StatusOK, "application/json", []byte("{}"))
			return
		}
		s.logger.Error("failed to read settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read settings"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var blob map[string]json.RawMessage
	if err := c.ShouldBindJSON(&blob); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settings must be a JSON object"})
		return
	}

	data, err := json.Marshal(blob)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settings must be a JSON object"})
		return
	}
	if err := s.settings.Put(c.Request.Context(), storage.KeySettings, data); err != nil {
		s.logger.Error("failed to persist settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist settings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
