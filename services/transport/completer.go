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
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Completer is the single-request completion contract, used by CLI
// one-shot generation and by backends that do not speak the batch
// protocol.
type Completer interface {
	// Complete returns the full completion for one prompt.
	Complete(ctx context.Context, prompt string, params Params) (string, error)
}

// completionRequest is the wire body of a single-request completion.
type completionRequest struct {
	Prompt string `json:"prompt"`
	Params
	Stream bool `json:"stream"`
}

// completionChunk accepts both fragment shapes emitted by
// OpenAI-compatible proxies:
//
//	{"choices":[{"text":"Hello"}]}
//	{"content":"Hello"}
type completionChunk struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Content string `json:"content"`
}

func (c completionChunk) fragment() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Text
	}
	return c.Content
}

// Complete streams a single-prompt completion and returns the
// accumulated text. The wire framing is the same `data:` line protocol
// as the batch path, terminated by [DONE] or EOF.
func (c *Client) Complete(ctx context.Context, prompt string, params Params) (string, error) {
	ctx, span := tracer.Start(ctx, "Client.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", params.Model))

	body, err := json.Marshal(completionRequest{Prompt: prompt, Params: params, Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("completion endpoint returned status %d: %s",
			resp.StatusCode, bytes.TrimSpace(detail))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == doneSentinel {
			break
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed completion line", "error", err)
			continue
		}
		out.WriteString(chunk.fragment())
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("completion stream read failed: %w", err)
	}
	return out.String(), nil
}

var _ Completer = (*Client)(nil)
