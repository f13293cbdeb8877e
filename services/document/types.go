// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

// Position is a layout coordinate assigned by the external layout
// engine. Positions are derived state: they are carried through
// export/import for convenience but are never part of the structural
// identity of the document and never trigger persistence on their own.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the document-level payload of a node.
//
// Text is the full accumulated string from the root to this node,
// not a delta: reading a node's prompt is reading its Text.
type NodeData struct {
	// Text is the full accumulated text of this node.
	Text string `json:"text"`

	// ParentID is empty only for the root node.
	ParentID string `json:"parentId,omitempty"`

	// ChildIDs lists this node's children in insertion order.
	// Invariant: equals the set of nodes whose ParentID is this node.
	ChildIDs []string `json:"childIds"`

	// IsRoot marks the single root. Invariant: IsRoot iff ParentID == "".
	IsRoot bool `json:"isRoot"`

	// IsGenerating marks a streaming placeholder whose final text is
	// not yet known. Never true after a document is loaded from disk:
	// a generating flag surviving a session boundary is always stale.
	IsGenerating bool `json:"isGenerating,omitempty"`

	// GeneratedTextStart is the index into Text where model-authored
	// content begins. Invariant: 0 <= GeneratedTextStart <= len(Text).
	GeneratedTextStart int `json:"generatedTextStart"`

	// Error holds the last generation error for this node, if any.
	Error string `json:"error,omitempty"`
}

// Node is a unit of text in the tree.
type Node struct {
	ID       string   `json:"id"`
	Data     NodeData `json:"data"`
	Position Position `json:"position"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() Node {
	out := *n
	out.Data.ChildIDs = append([]string(nil), n.Data.ChildIDs...)
	return out
}

// Edge is one parent-to-child relationship, derived from node links.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is the serialized form of a document: the persisted `graph`
// blob and the import/export file contract share this shape.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: append([]Edge(nil), g.Edges...),
	}
	for i := range g.Nodes {
		out.Nodes[i] = g.Nodes[i].Clone()
	}
	return out
}

// Root returns the root node of the graph, or nil if none exists.
func (g Graph) Root() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Data.IsRoot {
			return &g.Nodes[i]
		}
	}
	return nil
}
