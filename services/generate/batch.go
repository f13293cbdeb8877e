// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package generate

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// reqState is the per-request lifecycle: Pending -> Streaming -> {Done, Error}.
type reqState int

const (
	statePending reqState = iota
	stateStreaming
	stateDone
	stateError
)

func (s reqState) terminal() bool { return s >= stateDone }

// batchItem binds a stream request id to the placeholder node it fills.
type batchItem struct {
	reqID  string
	nodeID string
	prompt string
}

// pending is the in-flight state of one request id.
type pending struct {
	nodeID string
	prompt string
	state  reqState

	// buf accumulates the node's full text, seeded with the prompt so
	// the buffer is always the complete replacement string, never a diff.
	buf strings.Builder

	// flushTimer is non-nil while exactly one UI-facing flush is
	// scheduled for this id.
	flushTimer *time.Timer
}

// batch multiplexes transport events for one logical batch into store
// writes. Events arrive from the transport's stream goroutines; all
// state is guarded by mu.
type batch struct {
	mu            sync.Mutex
	byReq         map[string]*pending
	remaining     int
	store         DocumentStore
	flushInterval time.Duration
	logger        *slog.Logger
}

func newBatch(store DocumentStore, items []batchItem, flushInterval time.Duration, logger *slog.Logger) *batch {
	b := &batch{
		byReq:         make(map[string]*pending, len(items)),
		remaining:     len(items),
		store:         store,
		flushInterval: flushInterval,
		logger:        logger,
	}
	for _, it := range items {
		p := &pending{nodeID: it.nodeID, prompt: it.prompt}
		p.buf.WriteString(it.prompt)
		b.byReq[it.reqID] = p
	}
	return b
}

// onToken appends the fragment to the id's buffer and schedules at
// most one store flush per flush interval. This bounds write
// amplification for fast-streaming responses to one write per interval
// per node, not one write per token.
func (b *batch) onToken(id, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byReq[id]
	if !ok || p.state.terminal() {
		return
	}
	p.state = stateStreaming
	p.buf.WriteString(text)

	if p.flushTimer == nil {
		p.flushTimer = time.AfterFunc(b.flushInterval, func() { b.flush(id) })
	}
}

// flush writes the id's current buffer to the store.
func (b *batch) flush(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byReq[id]
	if !ok {
		return
	}
	p.flushTimer = nil
	if p.state.terminal() {
		return
	}
	b.store.PatchText(p.nodeID, p.buf.String())
}

// onDone finalizes the id: cancel any pending flush, write the final
// buffer, clear the generating flag, and persist.
func (b *batch) onDone(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byReq[id]
	if !ok || p.state.terminal() {
		return
	}
	p.state = stateDone
	b.cancelFlushLocked(p)

	b.store.PatchText(p.nodeID, p.buf.String())
	b.store.PatchGenerating(p.nodeID, false)
	b.store.FlushText()
	b.remaining--
}

// onError resolves the id to Error.
//
// Zero tokens received (the buffer is no longer than the prompt): the
// node's text reverts to exactly the pre-generation prompt, undoing
// the speculative placeholder. Otherwise the partial text is kept and
// a visible, truncated error marker is appended; the full message is
// recorded on the node's error field either way.
func (b *batch) onError(id, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.byReq[id]
	if !ok || p.state.terminal() {
		return
	}
	p.state = stateError
	b.cancelFlushLocked(p)

	if p.buf.Len() <= len(p.prompt) {
		b.store.PatchText(p.nodeID, p.prompt)
	} else {
		marker := message
		if len(marker) > errMarkerLimit {
			marker = marker[:errMarkerLimit] + "…"
		}
		b.store.PatchText(p.nodeID, fmt.Sprintf("%s\n\n[generation failed: %s]", p.buf.String(), marker))
	}
	b.store.PatchError(p.nodeID, message)
	b.store.PatchGenerating(p.nodeID, false)
	b.store.FlushText()
	b.remaining--

	b.logger.Warn("generation request failed", "node_id", p.nodeID, "error", message)
}

// resolveRemaining force-resolves every non-terminal id to Error with
// the given message. Idempotent with the normal event path because
// onError ignores terminal ids.
func (b *batch) resolveRemaining(message string) {
	b.mu.Lock()
	var stuck []string
	for id, p := range b.byReq {
		if !p.state.terminal() {
			stuck = append(stuck, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stuck {
		b.onError(id, message)
	}
}

func (b *batch) cancelFlushLocked(p *pending) {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
}
