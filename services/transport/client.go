// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("arbor.transport")

// Defaults for Config.
const (
	DefaultMaxStreamBatch       = 8
	DefaultMaxConcurrentStreams = 4
	DefaultStreamTimeout        = 5 * time.Minute
)

// ErrEndpointRequired is returned by NewClient when no endpoint is set.
var ErrEndpointRequired = errors.New("transport: endpoint is required")

// Config configures the batch streaming client.
type Config struct {
	// Endpoint is the batch completion endpoint URL. Required.
	Endpoint string

	// APIKey is sent as a bearer token when non-empty. The client
	// still issues requests without one (local endpoints); callers
	// that require a credential check HasCredential first.
	APIKey string

	// MaxStreamBatch caps the requests multiplexed onto one physical
	// stream. Default: DefaultMaxStreamBatch.
	MaxStreamBatch int

	// MaxConcurrentStreams caps simultaneously open physical streams.
	// Default: DefaultMaxConcurrentStreams.
	MaxConcurrentStreams int

	// StreamTimeout bounds one physical stream end to end.
	// Default: DefaultStreamTimeout.
	StreamTimeout time.Duration

	// Logger receives skipped-line and stream diagnostics.
	// Default: slog.Default().
	Logger *slog.Logger
}

// Client issues batched streaming completion requests.
//
// Thread Safety: safe for concurrent use; each StreamBatch call owns
// its own goroutines and shares only the semaphore.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	batchSize  int
	sem        *Semaphore
	parser     *Parser
	logger     *slog.Logger
}

// NewClient creates a batch streaming client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrEndpointRequired
	}
	if cfg.MaxStreamBatch <= 0 {
		cfg.MaxStreamBatch = DefaultMaxStreamBatch
	}
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.StreamTimeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		batchSize:  cfg.MaxStreamBatch,
		sem:        NewSemaphore(cfg.MaxConcurrentStreams),
		parser:     NewParser(),
		logger:     cfg.Logger,
	}, nil
}

// HasCredential reports whether an API key is configured.
func (c *Client) HasCredential() bool {
	return c.apiKey != ""
}

// batchRequest is the wire body of one physical stream.
type batchRequest struct {
	Requests []Request `json:"requests"`
	Params
	Stream bool `json:"stream"`
}

// StreamBatch runs the logical batch, dispatching demultiplexed events
// to h until every physical stream has ended.
//
// Failure semantics: a connection-level failure of one physical stream
// is attributed via h.OnError to every id of that stream (the handler
// is expected to ignore ids already terminal) and never aborts sibling
// streams. StreamBatch itself returns non-nil only when the context is
// cancelled before completion.
func (c *Client) StreamBatch(ctx context.Context, reqs []Request, params Params, h Handler) error {
	if len(reqs) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "Client.StreamBatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch.requests", len(reqs)),
		attribute.String("llm.model", params.Model),
	)

	var g errgroup.Group
	for start := 0; start < len(reqs); start += c.batchSize {
		chunk := reqs[start:min(start+c.batchSize, len(reqs))]
		g.Go(func() error {
			if err := c.sem.Acquire(ctx); err != nil {
				for _, r := range chunk {
					h.fail(r.ID, err.Error())
				}
				return err
			}
			defer c.sem.Release()

			if err := c.streamOne(ctx, chunk, params, h); err != nil {
				// Local to this chunk's ids; the terminal-state guard
				// upstream drops it for ids that already finished.
				for _, r := range chunk {
					h.fail(r.ID, err.Error())
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// streamOne opens one physical stream and demultiplexes it to h.
func (c *Client) streamOne(ctx context.Context, chunk []Request, params Params, h Handler) error {
	body, err := json.Marshal(batchRequest{Requests: chunk, Params: params, Stream: true})
	if err != nil {
		return fmt.Errorf("marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("completion endpoint returned status %d: %s",
			resp.StatusCode, bytes.TrimSpace(detail))
	}

	return c.demux(ctx, resp.Body, h)
}

// demux reads newline-delimited event lines and routes them by id.
func (c *Client) demux(ctx context.Context, body io.Reader, h Handler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, end, err := c.parser.ParseLine(scanner.Text())
		if err != nil {
			c.logger.Debug("skipping malformed stream line", "error", err)
			continue
		}
		if end {
			return nil
		}
		if event == nil {
			continue
		}

		switch event.Type {
		case EventToken:
			h.token(event.ID, event.Text)
		case EventDone:
			h.done(event.ID)
		case EventError:
			h.fail(event.ID, event.Message())
		default:
			c.logger.Debug("skipping unknown event type",
				"type", string(event.Type), "id", event.ID)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}
