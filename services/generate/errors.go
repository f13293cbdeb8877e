// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generate turns "generate N completions for node X" into a
// bounded set of in-flight streamed child nodes.
//
// The orchestrator owns per-request buffering, UI-write coalescing,
// and the failure/recovery policy; the document store owns the tree
// and the transport client owns the wire.
//
// # Request Lifecycle
//
// Each in-flight request id moves Pending -> Streaming -> {Done, Error}.
// Terminal states are idempotent: once an id is Done or Error,
// subsequent events for it are ignored, which guards against duplicate
// terminal events and against the blanket error a failed stream
// attributes to all of its ids.
//
// # Failure Semantics
//
// A per-id failure never aborts sibling ids in the same batch. A node
// that received zero tokens before failing reverts to exactly its
// pre-generation prompt; a node that streamed partial text keeps it
// plus a visible error marker, since silent data loss is worse than a
// visible error tag.
package generate

import "errors"

// Precondition errors, raised synchronously before any network
// activity and never retried.
var (
	// ErrNodeNotFound is returned when the source node id is unknown.
	ErrNodeNotFound = errors.New("generate: node not found")

	// ErrEmptyPrompt is returned when the source node's text is empty
	// or whitespace-only.
	ErrEmptyPrompt = errors.New("generate: prompt is empty")

	// ErrNoCredential is returned when the configured endpoint
	// requires an API key and none is set.
	ErrNoCredential = errors.New("generate: no API credential configured")
)

// errStreamEnded is the synthetic message attributed to ids whose
// stream terminated without a matching done/error event.
const errStreamEnded = "stream ended without response"
