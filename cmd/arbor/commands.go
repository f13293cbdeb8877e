// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string
	nodeID        string
	genCount      int
	outPath       string
	forceWrite    bool
	backendName   string
	openaiBaseURL string

	rootCmd = &cobra.Command{
		Use:   "arbor",
		Short: "A branching writing tool driven by streaming LLM completions",
		Long: `Arbor keeps a document as a tree of alternative continuations.
Each node carries the full text from the root, so any node can be
extended, branched, or regenerated independently.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API over the local document store",
		Run:   runServe, // Defined in cmd_serve.go
	}

	exportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Write the current document as JSON to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		Run:   runExport, // Defined in cmd_io.go
	}

	importCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the current document with a previously exported JSON file",
		Args:  cobra.ExactArgs(1),
		Run:   runImport, // Defined in cmd_io.go
	}

	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate sibling completions for a node",
		Run:   runGenerate, // Defined in cmd_generate.go
	}

	leavesCmd = &cobra.Command{
		Use:   "leaves",
		Short: "Generate completions for every non-empty leaf node",
		Run:   runLeaves, // Defined in cmd_generate.go
	}

	completeCmd = &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Print one completion for a prompt, bypassing the document store",
		Args:  cobra.MaximumNArgs(1),
		Run:   runComplete, // Defined in cmd_complete.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the configuration file (default ~/.arbor/arbor.yaml)")

	generateCmd.Flags().StringVar(&nodeID, "node", "",
		"Node id to generate from (default: the deepest leaf)")
	generateCmd.Flags().IntVar(&genCount, "count", 0,
		"Number of sibling completions (default: per_node from config)")

	importCmd.Flags().BoolVar(&forceWrite, "force", false,
		"Replace the current document without confirmation")
	exportCmd.Flags().StringVarP(&outPath, "output", "o", "",
		"Output file (default stdout)")

	completeCmd.Flags().StringVar(&backendName, "backend", "stream",
		"Completion backend: stream (batch endpoint) or openai")
	completeCmd.Flags().StringVar(&openaiBaseURL, "base-url", "",
		"Base URL for the openai backend (default: the OpenAI API host)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(leavesCmd)
	rootCmd.AddCommand(completeCmd)
}
