// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arborlabs/arbor/services/document"
)

// runGenerate produces sibling completions for one node and waits for
// the whole batch to resolve. Without --node the deepest leaf is used,
// which continues the longest branch of the document.
func runGenerate(cmd *cobra.Command, args []string) {
	a := mustApp(true)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := nodeID
	if target == "" {
		target = a.deepestLeaf()
	}

	if err := a.orch.ForNode(ctx, target, genCount); err != nil {
		log.Fatalf("Error generating for node %s: %v", target, err)
	}
	a.logger.Info("generation finished", "node_id", target)
}

// runLeaves generates completions for every non-empty leaf.
func runLeaves(cmd *cobra.Command, args []string) {
	a := mustApp(true)
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.orch.AllLeaves(ctx); err != nil {
		log.Fatalf("Error generating for leaves: %v", err)
	}
	a.logger.Info("generation finished for all leaves")
}

// deepestLeaf returns the id of the leaf furthest from the root,
// breaking ties by creation order.
func (a *app) deepestLeaf() string {
	best := ""
	bestDepth := -1
	for _, leaf := range a.store.Leaves() {
		if d := a.depth(leaf); d > bestDepth {
			best, bestDepth = leaf.ID, d
		}
	}
	return best
}

func (a *app) depth(n document.Node) int {
	d := 0
	cur := n
	for cur.Data.ParentID != "" {
		parent, ok := a.store.NodeByID(cur.Data.ParentID)
		if !ok {
			break
		}
		cur = parent
		d++
	}
	return d
}
