// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"encoding/json"
	"fmt"
)

// ValidateGraph checks the structural invariants of a document before
// it may replace the current one.
//
// Checked, in order: non-empty node set, ids present and unique,
// exactly one root, parent references resolve, every node reachable
// from the root (which also rejects cycles). Each violation returns a
// wrapped sentinel from errors.go with the offending node named.
func ValidateGraph(g Graph) error {
	if len(g.Nodes) == 0 {
		return ErrNoNodes
	}

	byID := make(map[string]*Node, len(g.Nodes))
	var root *Node
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w (index %d)", ErrNodeMissingID, i)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w (%s)", ErrDuplicateID, n.ID)
		}
		byID[n.ID] = n
		if n.Data.IsRoot {
			if root != nil {
				return fmt.Errorf("%w (%s and %s)", ErrMultipleRoots, root.ID, n.ID)
			}
			root = n
		}
	}
	if root == nil {
		return ErrNoRoot
	}

	// Parent references: the root has none, everyone else has a
	// resolvable one.
	children := make(map[string][]string, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Data.IsRoot {
			if n.Data.ParentID != "" {
				return fmt.Errorf("%w (root %s has parent %s)",
					ErrMultipleRoots, n.ID, n.Data.ParentID)
			}
			continue
		}
		if n.Data.ParentID == "" {
			return fmt.Errorf("%w (node %s has no parent and is not root)",
				ErrDanglingParent, n.ID)
		}
		if _, ok := byID[n.Data.ParentID]; !ok {
			return fmt.Errorf("%w (node %s references %s)",
				ErrDanglingParent, n.ID, n.Data.ParentID)
		}
		children[n.Data.ParentID] = append(children[n.Data.ParentID], n.ID)
	}

	// Reachability from root over derived parent links. A cycle or a
	// disconnected subtree leaves nodes unreached.
	reached := make(map[string]bool, len(g.Nodes))
	stack := []string{root.ID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[cur] {
			continue
		}
		reached[cur] = true
		stack = append(stack, children[cur]...)
	}
	for id := range byID {
		if !reached[id] {
			return fmt.Errorf("%w (%s)", ErrUnreachableNode, id)
		}
	}
	return nil
}

// normalizeGraph returns a copy of g ready to install:
//
//   - every IsGenerating is reset (stale after any session boundary)
//   - GeneratedTextStart is clamped into [0, len(Text)]
//   - ChildIDs are rebuilt from parent links in node-array order, so
//     the stored index always equals the derived truth
//   - edges are rebuilt one per parent/child link, reusing a provided
//     edge id when one matches the link
//
// The input must already have passed ValidateGraph.
func normalizeGraph(g Graph) Graph {
	out := g.Clone()

	providedEdge := make(map[[2]string]string, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID != "" {
			providedEdge[[2]string{e.Source, e.Target}] = e.ID
		}
	}

	byID := make(map[string]*Node, len(out.Nodes))
	for i := range out.Nodes {
		n := &out.Nodes[i]
		n.Data.IsGenerating = false
		n.Data.GeneratedTextStart = clamp(n.Data.GeneratedTextStart, 0, len(n.Data.Text))
		n.Data.ChildIDs = []string{}
		byID[n.ID] = n
	}

	out.Edges = out.Edges[:0]
	for i := range out.Nodes {
		n := &out.Nodes[i]
		if n.Data.ParentID == "" {
			continue
		}
		parent := byID[n.Data.ParentID]
		parent.Data.ChildIDs = append(parent.Data.ChildIDs, n.ID)

		id, ok := providedEdge[[2]string{parent.ID, n.ID}]
		if !ok {
			id = "e-" + parent.ID + "-" + n.ID
		}
		out.Edges = append(out.Edges, Edge{ID: id, Source: parent.ID, Target: n.ID})
	}
	return out
}

// DecodeGraph parses the import file contract, reporting a specific
// message for each violation: missing nodes/edges arrays, a node
// without an id or data object, or a text field that is not a string.
//
// Structural invariants beyond field shape (root presence, parent
// links, cycles) are checked by ValidateGraph at import time.
func DecodeGraph(data []byte) (Graph, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Graph{}, fmt.Errorf("invalid document: not a JSON object: %w", err)
	}

	nodesRaw, ok := raw["nodes"]
	if !ok {
		return Graph{}, ErrNodesMissing
	}
	edgesRaw, ok := raw["edges"]
	if !ok {
		return Graph{}, ErrEdgesMissing
	}

	var rawNodes []json.RawMessage
	if err := json.Unmarshal(nodesRaw, &rawNodes); err != nil {
		return Graph{}, fmt.Errorf("%w: not an array", ErrNodesMissing)
	}
	if len(rawNodes) == 0 {
		return Graph{}, ErrNoNodes
	}

	g := Graph{Nodes: make([]Node, 0, len(rawNodes))}
	for i, rn := range rawNodes {
		var wire struct {
			ID       string           `json:"id"`
			Data     *json.RawMessage `json:"data"`
			Position Position         `json:"position"`
		}
		if err := json.Unmarshal(rn, &wire); err != nil {
			return Graph{}, fmt.Errorf("invalid document: node %d: %w", i, err)
		}
		if wire.ID == "" {
			return Graph{}, fmt.Errorf("%w (index %d)", ErrNodeMissingID, i)
		}
		if wire.Data == nil {
			return Graph{}, fmt.Errorf("%w (%s)", ErrNodeMissingData, wire.ID)
		}

		var wd struct {
			Text               *json.RawMessage `json:"text"`
			ParentID           string           `json:"parentId"`
			ChildIDs           []string         `json:"childIds"`
			IsRoot             bool             `json:"isRoot"`
			IsGenerating       bool             `json:"isGenerating"`
			GeneratedTextStart int              `json:"generatedTextStart"`
			Error              string           `json:"error"`
		}
		if err := json.Unmarshal(*wire.Data, &wd); err != nil {
			return Graph{}, fmt.Errorf("invalid document: node %s data: %w", wire.ID, err)
		}
		var text string
		if wd.Text == nil {
			return Graph{}, fmt.Errorf("%w (%s)", ErrNodeTextNotString, wire.ID)
		}
		if err := json.Unmarshal(*wd.Text, &text); err != nil {
			return Graph{}, fmt.Errorf("%w (%s)", ErrNodeTextNotString, wire.ID)
		}

		g.Nodes = append(g.Nodes, Node{
			ID: wire.ID,
			Data: NodeData{
				Text:               text,
				ParentID:           wd.ParentID,
				ChildIDs:           wd.ChildIDs,
				IsRoot:             wd.IsRoot,
				IsGenerating:       wd.IsGenerating,
				GeneratedTextStart: wd.GeneratedTextStart,
				Error:              wd.Error,
			},
			Position: wire.Position,
		})
	}

	if err := json.Unmarshal(edgesRaw, &g.Edges); err != nil {
		return Graph{}, fmt.Errorf("%w: not an array", ErrEdgesMissing)
	}
	return g, nil
}
