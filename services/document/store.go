// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arborlabs/arbor/pkg/idgen"
	"github.com/arborlabs/arbor/services/storage"
)

// Default coalescing intervals.
const (
	// DefaultCoalesceWindow is how long structural version bumps are
	// held open so that a burst of mutations (e.g. twenty placeholder
	// children created in one loop) produces a single increment.
	DefaultCoalesceWindow = 10 * time.Millisecond

	// DefaultTextDebounce is the delay before a text-only change is
	// persisted. Restarted on every subsequent text patch.
	DefaultTextDebounce = 300 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	// IDs generates node ids. Default: idgen.Default().
	IDs idgen.Generator

	// EdgeIDs generates edge ids. Default: idgen.Prefixed("e-", ...).
	EdgeIDs idgen.Generator

	// CoalesceWindow overrides DefaultCoalesceWindow.
	CoalesceWindow time.Duration

	// TextDebounce overrides DefaultTextDebounce.
	TextDebounce time.Duration

	// Logger receives store diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// Store owns the canonical node/edge collection of one document.
//
// See the package documentation for the ownership, threading, and
// persistence model.
type Store struct {
	mu           sync.Mutex
	nodes        []*Node
	byID         map[string]*Node
	pos          map[string]int // id -> array position
	edges        []Edge
	edgeByTarget map[string]string // child id -> edge id

	version      uint64
	versionDirty bool
	versionTimer *time.Timer
	textTimer    *time.Timer
	subs         []chan uint64

	ids            idgen.Generator
	edgeIDs        idgen.Generator
	blobs          storage.BlobStore
	logger         *slog.Logger
	coalesceWindow time.Duration
	textDebounce   time.Duration
}

// Open loads the persisted document from blobs, or creates a fresh
// document containing only an empty root when no valid snapshot exists.
//
// Every loaded node's IsGenerating flag is forced to false: a
// generating flag from a prior session is never valid after reload.
// A corrupt or structurally invalid snapshot is logged and discarded
// rather than surfaced, matching the silent-persistence contract.
//
// The Store always ends Open with exactly one root.
func Open(blobs storage.BlobStore, opts Options) *Store {
	if opts.IDs == nil {
		opts.IDs = idgen.Default()
	}
	if opts.EdgeIDs == nil {
		opts.EdgeIDs = idgen.Prefixed("e-", idgen.Default())
	}
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = DefaultCoalesceWindow
	}
	if opts.TextDebounce <= 0 {
		opts.TextDebounce = DefaultTextDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		ids:            opts.IDs,
		edgeIDs:        opts.EdgeIDs,
		blobs:          blobs,
		logger:         opts.Logger,
		coalesceWindow: opts.CoalesceWindow,
		textDebounce:   opts.TextDebounce,
	}

	g, ok := s.loadSnapshot()
	if !ok {
		g = s.freshGraph()
	}
	s.install(g)
	return s
}

// loadSnapshot reads and validates the persisted graph blob.
func (s *Store) loadSnapshot() (Graph, bool) {
	data, err := s.blobs.Get(context.Background(), storage.KeyGraph)
	if err != nil {
		if !errors.Is(err, storage.ErrKeyNotFound) {
			s.logger.Warn("failed to read graph blob, starting fresh", "error", err)
		}
		return Graph{}, false
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		s.logger.Warn("persisted graph is corrupt, starting fresh", "error", err)
		return Graph{}, false
	}
	if len(g.Nodes) == 0 {
		return Graph{}, false
	}
	if err := ValidateGraph(g); err != nil {
		s.logger.Warn("persisted graph failed validation, starting fresh", "error", err)
		return Graph{}, false
	}
	return normalizeGraph(g), true
}

// freshGraph returns a document containing only an empty root node.
func (s *Store) freshGraph() Graph {
	return Graph{
		Nodes: []Node{{
			ID:   s.ids(),
			Data: NodeData{IsRoot: true, ChildIDs: []string{}},
		}},
		Edges: []Edge{},
	}
}

// install replaces all internal state from g. Caller must hold mu or
// guarantee exclusive access (construction time).
func (s *Store) install(g Graph) {
	s.nodes = make([]*Node, len(g.Nodes))
	s.byID = make(map[string]*Node, len(g.Nodes))
	s.pos = make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		n := g.Nodes[i].Clone()
		s.nodes[i] = &n
		s.byID[n.ID] = &n
		s.pos[n.ID] = i
	}
	s.edges = append([]Edge(nil), g.Edges...)
	s.edgeByTarget = make(map[string]string, len(g.Edges))
	for _, e := range s.edges {
		s.edgeByTarget[e.Target] = e.ID
	}
}

// =============================================================================
// Mutations
// =============================================================================

// AddChild creates a fully-formed child of parentID and returns its id.
//
// Returns the empty string when parentID does not exist: child creation
// failing because the parent vanished mid-interaction is not worth an
// error path, the caller simply gets no node.
func (s *Store) AddChild(parentID, text string, generatedTextStart int) string {
	return s.addChild(parentID, text, generatedTextStart, false)
}

// AddStreamingChild creates a child whose text will arrive
// incrementally. The node starts with IsGenerating = true.
func (s *Store) AddStreamingChild(parentID, text string, generatedTextStart int) string {
	return s.addChild(parentID, text, generatedTextStart, true)
}

func (s *Store) addChild(parentID, text string, generatedTextStart int, generating bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.byID[parentID]
	if !ok {
		s.logger.Debug("addChild: parent not found", "parent_id", parentID)
		return ""
	}

	n := &Node{
		ID: s.ids(),
		Data: NodeData{
			Text:               text,
			ParentID:           parentID,
			ChildIDs:           []string{},
			IsGenerating:       generating,
			GeneratedTextStart: clamp(generatedTextStart, 0, len(text)),
		},
	}
	s.nodes = append(s.nodes, n)
	s.pos[n.ID] = len(s.nodes) - 1
	s.byID[n.ID] = n
	parent.Data.ChildIDs = append(parent.Data.ChildIDs, n.ID)

	edgeID := s.edgeIDs()
	s.edges = append(s.edges, Edge{ID: edgeID, Source: parentID, Target: n.ID})
	s.edgeByTarget[n.ID] = edgeID

	s.markStructuralLocked()
	s.persistLocked()
	return n.ID
}

// PatchText replaces a node's text without rescanning the collection.
//
// Text-only edits never bump the structural version; persistence is
// debounced to avoid a disk write per streamed token.
func (s *Store) PatchText(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return
	}
	n.Data.Text = text
	if n.Data.GeneratedTextStart > len(text) {
		n.Data.GeneratedTextStart = len(text)
	}
	s.scheduleTextPersistLocked()
}

// PatchGenerating toggles a node's generating flag.
func (s *Store) PatchGenerating(id string, generating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.byID[id]; ok {
		n.Data.IsGenerating = generating
		s.scheduleTextPersistLocked()
	}
}

// PatchError sets a node's error message; the empty string clears it.
func (s *Store) PatchError(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.byID[id]; ok {
		n.Data.Error = message
		s.scheduleTextPersistLocked()
	}
}

// PatchPosition records a layout position. Positions are ephemeral:
// no version bump, no persistence schedule.
func (s *Store) PatchPosition(id string, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.byID[id]; ok {
		n.Position = Position{X: x, Y: y}
	}
}

// DeleteNode removes a node and its entire subtree.
//
// A no-op for the root or a missing id. All edges touching the removed
// set are dropped, the former parent's ChildIDs loses the entry, and
// the remaining tree stays connected and acyclic.
func (s *Store) DeleteNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok || n.Data.IsRoot {
		return
	}

	// Collect the full descendant set by walking ChildIDs.
	removed := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if removed[cur] {
			continue
		}
		removed[cur] = true
		if cn, ok := s.byID[cur]; ok {
			stack = append(stack, cn.Data.ChildIDs...)
		}
	}

	// Detach from the former parent.
	if parent, ok := s.byID[n.Data.ParentID]; ok {
		kept := parent.Data.ChildIDs[:0]
		for _, cid := range parent.Data.ChildIDs {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		parent.Data.ChildIDs = kept
	}

	// Rebuild the ordered collection and positional index.
	keptNodes := make([]*Node, 0, len(s.nodes)-len(removed))
	for _, node := range s.nodes {
		if !removed[node.ID] {
			keptNodes = append(keptNodes, node)
		}
	}
	s.nodes = keptNodes
	s.pos = make(map[string]int, len(s.nodes))
	for i, node := range s.nodes {
		s.pos[node.ID] = i
	}
	for rid := range removed {
		delete(s.byID, rid)
		delete(s.edgeByTarget, rid)
	}

	keptEdges := s.edges[:0]
	for _, e := range s.edges {
		if !removed[e.Source] && !removed[e.Target] {
			keptEdges = append(keptEdges, e)
		}
	}
	s.edges = keptEdges

	s.markStructuralLocked()
	s.persistLocked()
}

// Import validates g and, on success, replaces the entire document.
//
// Import is all-or-nothing: a validation failure leaves the current
// document untouched. Every imported node's IsGenerating is forced to
// false, ChildIDs and edges are rebuilt from the parent links so the
// indices match derived truth, and the result persists immediately.
func (s *Store) Import(g Graph) error {
	if err := ValidateGraph(g); err != nil {
		return err
	}
	normalized := normalizeGraph(g)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(normalized)
	s.markStructuralLocked()
	s.persistLocked()
	return nil
}

// ImportJSON decodes and imports a serialized document, reporting a
// specific message for each violated invariant of the file contract.
func (s *Store) ImportJSON(data []byte) error {
	g, err := DecodeGraph(data)
	if err != nil {
		return err
	}
	return s.Import(g)
}

// Clear replaces the whole document with a single fresh root.
// Structurally equivalent to importing an empty tree.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.install(s.freshGraph())
	s.markStructuralLocked()
	s.persistLocked()
}

// =============================================================================
// Reads
// =============================================================================

// PromptFor returns the full accumulated prompt for a node. Since Text
// already holds the whole string from the root, this is the node's own
// text; no tree walk is needed.
func (s *Store) PromptFor(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return n.Data.Text, true
}

// NodeByID returns a copy of the node.
func (s *Store) NodeByID(id string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// Root returns a copy of the root node.
func (s *Store) Root() Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.nodes {
		if n.Data.IsRoot {
			return n.Clone()
		}
	}
	// Unreachable: construction and import both guarantee a root.
	return Node{}
}

// Leaves returns copies of every node with no children.
func (s *Store) Leaves() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Node
	for _, n := range s.nodes {
		if len(n.Data.ChildIDs) == 0 {
			out = append(out, n.Clone())
		}
	}
	return out
}

// Snapshot returns a deep copy of the whole document.
func (s *Store) Snapshot() Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Graph {
	g := Graph{
		Nodes: make([]Node, len(s.nodes)),
		Edges: append([]Edge(nil), s.edges...),
	}
	for i, n := range s.nodes {
		g.Nodes[i] = n.Clone()
	}
	return g
}

// Export returns the serialized form of the document.
func (s *Store) Export() Graph {
	return s.Snapshot()
}

// ExportJSON returns the document as indented JSON.
func (s *Store) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(s.Snapshot(), "", "  ")
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Version returns the committed structural version. The counter
// increments once per coalesced batch of structural mutations, never
// for text-only edits.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Subscribe registers for committed version notifications.
//
// The channel has capacity one and drops intermediate values when the
// consumer lags; subscribers poll Version() for the current value.
// The returned cancel func unregisters the subscription.
func (s *Store) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// =============================================================================
// Version coalescing and persistence
// =============================================================================

// markStructuralLocked folds this mutation into the pending version
// increment. The first mutation of a burst arms the commit timer; every
// mutation inside the window rides the same pending bump.
func (s *Store) markStructuralLocked() {
	s.versionDirty = true
	if s.versionTimer == nil {
		s.versionTimer = time.AfterFunc(s.coalesceWindow, s.commitVersion)
	}
}

// commitVersion makes the pending increment externally visible.
func (s *Store) commitVersion() {
	s.mu.Lock()
	s.versionTimer = nil
	if !s.versionDirty {
		s.mu.Unlock()
		return
	}
	s.versionDirty = false
	s.version++
	v := s.version
	subs := append([]chan uint64(nil), s.subs...)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// persistLocked writes the graph blob synchronously. Structural changes
// are never batched: losing a structural edit is worse than the write
// amplification of writing immediately.
func (s *Store) persistLocked() {
	// A pending text flush is subsumed by this full write.
	if s.textTimer != nil {
		s.textTimer.Stop()
		s.textTimer = nil
	}

	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		s.logger.Error("failed to serialize graph", "error", err)
		return
	}
	if err := s.blobs.Put(context.Background(), storage.KeyGraph, data); err != nil {
		s.logger.Warn("failed to persist graph", "error", err)
	}
}

// scheduleTextPersistLocked (re)starts the debounced text flush.
func (s *Store) scheduleTextPersistLocked() {
	if s.textTimer == nil {
		s.textTimer = time.AfterFunc(s.textDebounce, s.flushText)
		return
	}
	s.textTimer.Reset(s.textDebounce)
}

func (s *Store) flushText() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textTimer = nil
	s.persistLocked()
}

// FlushText forces the pending debounced text persist immediately,
// without touching the structural version. Called when a streamed node
// reaches a terminal state: the final text should not wait out the
// debounce window.
func (s *Store) FlushText() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

// Sync forces the pending version commit and the pending text persist.
// Used at shutdown and by tests that must observe a settled store.
func (s *Store) Sync() {
	s.mu.Lock()
	if s.versionTimer != nil {
		s.versionTimer.Stop()
		s.versionTimer = nil
	}
	var v uint64
	var subs []chan uint64
	committed := false
	if s.versionDirty {
		s.versionDirty = false
		s.version++
		v = s.version
		subs = append([]chan uint64(nil), s.subs...)
		committed = true
	}
	s.persistLocked()
	s.mu.Unlock()

	if committed {
		for _, ch := range subs {
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
