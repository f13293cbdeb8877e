// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arborlabs/arbor/pkg/config"
	"github.com/arborlabs/arbor/services/transport"
)

// runComplete prints one completion for a prompt without touching the
// document store. The prompt comes from the argument, or from stdin
// when none is given.
func runComplete(cmd *cobra.Command, args []string) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			log.Fatalf("Error resolving config path: %v", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	var prompt string
	if len(args) == 1 {
		prompt = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("Error reading prompt from stdin: %v", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		log.Fatal("Error: the prompt is empty")
	}

	completer, err := buildCompleter(cfg)
	if err != nil {
		log.Fatalf("Error initializing backend: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := completer.Complete(ctx, prompt, paramsFromConfig(cfg))
	if err != nil {
		log.Fatalf("Error completing prompt: %v", err)
	}
	fmt.Println(out)
}

// buildCompleter picks the backend: the batch streaming endpoint by
// default, or the OpenAI completions API with --backend openai.
func buildCompleter(cfg config.Config) (transport.Completer, error) {
	switch backendName {
	case "openai":
		return transport.NewOpenAIClient(openaiBaseURL, cfg.APIKey(), cfg.Generation.Model)
	case "", "stream":
		return transport.NewClient(transport.Config{
			Endpoint:             cfg.Transport.Endpoint,
			APIKey:               cfg.APIKey(),
			MaxStreamBatch:       cfg.Transport.MaxStreamBatch,
			MaxConcurrentStreams: cfg.Transport.MaxConcurrentStreams,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q (expected stream or openai)", backendName)
	}
}
