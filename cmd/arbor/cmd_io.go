// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// runExport writes the current document as indented JSON.
func runExport(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.close()

	data, err := a.store.ExportJSON()
	if err != nil {
		log.Fatalf("Error serializing document: %v", err)
	}

	dest := outPath
	if dest == "" && len(args) == 1 {
		dest = args[0]
	}
	if dest == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(dest, data, 0640); err != nil {
		log.Fatalf("Error writing %s: %v", dest, err)
	}
	a.logger.Info("document exported", "path", dest, "nodes", a.store.Len())
}

// runImport replaces the current document with the given file.
// Validation is all-or-nothing: a rejected file leaves the existing
// document exactly as it was.
func runImport(cmd *cobra.Command, args []string) {
	a := mustApp(false)
	defer a.close()

	if a.store.Len() > 1 && !forceWrite {
		log.Fatalf("The current document has %d nodes; pass --force to replace it", a.store.Len())
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("Error reading %s: %v", args[0], err)
	}
	if err := a.store.ImportJSON(data); err != nil {
		log.Fatalf("Import rejected: %v", err)
	}
	a.logger.Info("document imported", "path", args[0], "nodes", a.store.Len())
}
