// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package document owns the canonical node/edge tree of an Arbor
// document and enforces its structural invariants.
//
// # Ownership Model
//
// The Store exclusively owns the node/edge collection and its indices.
// All other components hold only ids or read snapshots; nothing outside
// this package mutates node fields directly.
//
// # Thread Safety
//
// Store is safe for concurrent use. Every mutation runs to completion
// under one mutex and never spans an I/O suspension point, which is the
// Go rendition of the original single-writer cooperative model.
//
// # Versioning
//
// Structural mutations (add, delete, import, clear) are signalled
// through a coalesced version counter: any number of mutations issued
// within one coalescing window fold into exactly one externally
// observable increment. Text-only edits never bump the version.
//
// # Persistence
//
// Structural changes persist the graph blob immediately inside the
// mutation (losing a deletion is a correctness issue). Text patches
// persist on a short debounce (losing a few hundred milliseconds of
// in-progress text is cosmetic and self-heals on the next flush).
package document

import "errors"

// Validation errors for import. Each violated invariant carries its own
// sentinel so callers can report the specific failure; the wrapped
// message includes the offending node where applicable.
var (
	// ErrNodesMissing is returned when the import payload has no
	// `nodes` array at all.
	ErrNodesMissing = errors.New("invalid document: missing nodes array")

	// ErrEdgesMissing is returned when the import payload has no
	// `edges` array at all.
	ErrEdgesMissing = errors.New("invalid document: missing edges array")

	// ErrNoNodes is returned when the nodes array is present but empty.
	ErrNoNodes = errors.New("invalid document: no nodes")

	// ErrNoRoot is returned when no node has isRoot = true.
	ErrNoRoot = errors.New("invalid document: no root node")

	// ErrMultipleRoots is returned when more than one node claims root.
	ErrMultipleRoots = errors.New("invalid document: multiple root nodes")

	// ErrNodeMissingID is returned when a node has no id.
	ErrNodeMissingID = errors.New("invalid document: node missing id")

	// ErrNodeMissingData is returned when a node has no data object.
	ErrNodeMissingData = errors.New("invalid document: node missing data")

	// ErrNodeTextNotString is returned when a node's text is absent or
	// not a JSON string.
	ErrNodeTextNotString = errors.New("invalid document: node text is not a string")

	// ErrDuplicateID is returned when two nodes share an id.
	ErrDuplicateID = errors.New("invalid document: duplicate node id")

	// ErrDanglingParent is returned when a node references a parent
	// that is not in the document.
	ErrDanglingParent = errors.New("invalid document: parent not found")

	// ErrUnreachableNode is returned when a node cannot be reached from
	// the root (disconnected subtree or cycle).
	ErrUnreachableNode = errors.New("invalid document: node unreachable from root")
)
