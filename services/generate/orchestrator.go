// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arborlabs/arbor/pkg/idgen"
	"github.com/arborlabs/arbor/services/document"
	"github.com/arborlabs/arbor/services/transport"
)

var tracer = otel.Tracer("arbor.generate")

// Defaults for Config.
const (
	DefaultPerNode       = 3
	DefaultMaxLeaves     = 8
	DefaultFlushInterval = 50 * time.Millisecond

	// errMarkerLimit truncates the inline error marker appended to a
	// node's text; the full message goes to the node's error field.
	errMarkerLimit = 120
)

// DocumentStore is the store surface the orchestrator depends on.
// *document.Store satisfies it; tests substitute fakes.
type DocumentStore interface {
	PromptFor(id string) (string, bool)
	AddStreamingChild(parentID, text string, generatedTextStart int) string
	PatchText(id, text string)
	PatchGenerating(id string, generating bool)
	PatchError(id, message string)
	FlushText()
	Leaves() []document.Node
}

// Streamer is the transport surface the orchestrator depends on.
type Streamer interface {
	StreamBatch(ctx context.Context, reqs []transport.Request,
		params transport.Params, h transport.Handler) error
	HasCredential() bool
}

// Config configures an Orchestrator.
type Config struct {
	// Params are the generation parameters shared by every request.
	Params transport.Params

	// PerNode is the number of sibling completions per source node.
	// Default: DefaultPerNode.
	PerNode int

	// MaxLeaves caps the candidate set of AllLeaves; over the cap a
	// uniformly random subset of this size is generated instead.
	// Default: DefaultMaxLeaves.
	MaxLeaves int

	// FlushInterval coalesces UI-facing text writes: at most one store
	// write per interval per streaming node, regardless of token rate.
	// Default: DefaultFlushInterval.
	FlushInterval time.Duration

	// RequireCredential makes generation fail fast with ErrNoCredential
	// when the transport has no API key. Off for local endpoints.
	RequireCredential bool

	// RequestIDs generates stream request ids.
	// Default: idgen.Prefixed("req_", idgen.UUID()).
	RequestIDs idgen.Generator

	// Rand is the sampling source for AllLeaves. Default: time-seeded.
	Rand *rand.Rand

	// Logger receives orchestration diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Orchestrator coordinates batched streaming generation against the
// document store. Dependencies are injected; the orchestrator holds no
// ambient global state.
type Orchestrator struct {
	store  DocumentStore
	client Streamer
	cfg    Config

	// paramsMu guards cfg.Params, which the config watcher may replace
	// while batches are in flight.
	paramsMu sync.Mutex
}

// SetParams replaces the generation parameters used by subsequent
// batches. In-flight batches keep the parameters they started with.
func (o *Orchestrator) SetParams(p transport.Params) {
	o.paramsMu.Lock()
	o.cfg.Params = p
	o.paramsMu.Unlock()
}

func (o *Orchestrator) params() transport.Params {
	o.paramsMu.Lock()
	defer o.paramsMu.Unlock()
	return o.cfg.Params
}

// New creates an Orchestrator over the given store and transport.
func New(store DocumentStore, client Streamer, cfg Config) *Orchestrator {
	if cfg.PerNode <= 0 {
		cfg.PerNode = DefaultPerNode
	}
	if cfg.MaxLeaves <= 0 {
		cfg.MaxLeaves = DefaultMaxLeaves
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RequestIDs == nil {
		cfg.RequestIDs = idgen.Prefixed("req_", idgen.UUID())
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{store: store, client: client, cfg: cfg}
}

// ForNode generates count sibling completions for nodeID.
//
// Preconditions (checked before any network call): the node exists,
// its prompt is not whitespace-only, and a credential is configured
// when the endpoint requires one. These are the only failures that
// propagate to the caller; per-request failures land on the affected
// child nodes instead.
//
// The source node is marked generating for the duration and always
// cleared afterwards, on success and failure alike.
func (o *Orchestrator) ForNode(ctx context.Context, nodeID string, count int) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.ForNode")
	defer span.End()
	span.SetAttributes(
		attribute.String("node.id", nodeID),
		attribute.Int("generate.count", count),
	)

	prompt, ok := o.store.PromptFor(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if o.cfg.RequireCredential && !o.client.HasCredential() {
		return ErrNoCredential
	}
	if count <= 0 {
		count = o.cfg.PerNode
	}

	o.store.PatchError(nodeID, "")
	o.store.PatchGenerating(nodeID, true)
	defer o.store.PatchGenerating(nodeID, false)

	items := o.materialize(nodeID, prompt, count)
	o.runBatch(ctx, items)
	return nil
}

// AllLeaves generates completions for every childless node with
// non-blank text. When candidates exceed MaxLeaves, a uniformly random
// subset of MaxLeaves is chosen; a deterministic prefix would bias
// toward the earliest-created nodes.
// Generating flags on the selected sources are cleared only
// after the whole aggregate batch resolves.
func (o *Orchestrator) AllLeaves(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.AllLeaves")
	defer span.End()

	if o.cfg.RequireCredential && !o.client.HasCredential() {
		return ErrNoCredential
	}

	var candidates []document.Node
	for _, leaf := range o.store.Leaves() {
		if strings.TrimSpace(leaf.Data.Text) != "" {
			candidates = append(candidates, leaf)
		}
	}
	if len(candidates) == 0 {
		o.cfg.Logger.Info("no generation candidates among leaves")
		return nil
	}
	if len(candidates) > o.cfg.MaxLeaves {
		o.cfg.Rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		candidates = candidates[:o.cfg.MaxLeaves]
	}
	span.SetAttributes(attribute.Int("generate.leaves", len(candidates)))

	var items []batchItem
	for _, leaf := range candidates {
		o.store.PatchError(leaf.ID, "")
		o.store.PatchGenerating(leaf.ID, true)
		items = append(items, o.materialize(leaf.ID, leaf.Data.Text, o.cfg.PerNode)...)
	}
	defer func() {
		for _, leaf := range candidates {
			o.store.PatchGenerating(leaf.ID, false)
		}
	}()

	o.runBatch(ctx, items)
	return nil
}

// materialize creates count streaming placeholder children of nodeID.
// Each placeholder is seeded with the prompt itself, so a total failure
// can restore the node to exactly its pre-generation prompt, and
// GeneratedTextStart marks where model-authored content will begin.
func (o *Orchestrator) materialize(nodeID, prompt string, count int) []batchItem {
	items := make([]batchItem, 0, count)
	for i := 0; i < count; i++ {
		childID := o.store.AddStreamingChild(nodeID, prompt, len(prompt))
		if childID == "" {
			o.cfg.Logger.Warn("placeholder creation failed, parent vanished",
				"parent_id", nodeID)
			continue
		}
		items = append(items, batchItem{
			reqID:  o.cfg.RequestIDs(),
			nodeID: childID,
			prompt: prompt,
		})
	}
	return items
}

// runBatch executes one shared transport call for the batch and
// resolves every request id to a terminal state.
func (o *Orchestrator) runBatch(ctx context.Context, items []batchItem) {
	if len(items) == 0 {
		return
	}

	b := newBatch(o.store, items, o.cfg.FlushInterval, o.cfg.Logger)
	reqs := make([]transport.Request, len(items))
	for i, it := range items {
		reqs[i] = transport.Request{ID: it.reqID, Prompt: it.prompt}
	}

	err := o.client.StreamBatch(ctx, reqs, o.params(), transport.Handler{
		OnToken: b.onToken,
		OnDone:  b.onDone,
		OnError: b.onError,
	})

	// Any id that never reached a terminal state (stream ended early,
	// or the call failed before events fired) is force-resolved to
	// Error so no node is left permanently generating.
	msg := errStreamEnded
	if err != nil {
		msg = err.Error()
	}
	b.resolveRemaining(msg)

	if err != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.cfg.Logger.Error("batch transport call failed", "error", err)
	}
}
