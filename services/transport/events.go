// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport issues batched streaming completion requests over
// an event-stream protocol and demultiplexes the response into
// per-request token/done/error events.
//
// Wire format: newline-delimited lines, each meaningful line is
// `data: <json>`; the payload is {id, type: token|done|error, text?}.
// A line `data: [DONE]` terminates the whole multiplexed stream.
// Malformed individual lines are skipped without aborting the stream;
// a bad line must not poison the other in-flight ids.
//
// # Concurrency Bound
//
// The number of simultaneously in-flight physical streams is capped at
// the transport boundary: a logical batch is split into chunks of at
// most MaxStreamBatch requests, and chunks run under a counting
// semaphore of MaxConcurrentStreams slots. Callers never throttle.
package transport

// EventType discriminates the demultiplexed stream events.
type EventType string

const (
	// EventToken carries a text fragment for one request id.
	EventToken EventType = "token"

	// EventDone marks a request id complete.
	EventDone EventType = "done"

	// EventError marks a request id failed, with a message.
	EventError EventType = "error"
)

// Event is one demultiplexed stream event, tagged by request id.
type Event struct {
	ID    string    `json:"id"`
	Type  EventType `json:"type"`
	Text  string    `json:"text,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Message returns the error message of an error event. Servers carry
// it in either the error or the text field.
func (e Event) Message() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Text
}

// Request pairs a stream-local request id with the prompt to continue.
type Request struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Params are the generation parameters shared by every request of a
// batch. Pointer fields are omitted from the wire when nil, leaving
// the server default in effect.
type Params struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Handler receives demultiplexed events. Callbacks may be invoked from
// multiple goroutines (one per physical stream); within a single id
// they are invoked in stream order.
//
// Nil callbacks are skipped.
type Handler struct {
	OnToken func(id, text string)
	OnDone  func(id string)
	OnError func(id, message string)
}

func (h Handler) token(id, text string) {
	if h.OnToken != nil {
		h.OnToken(id, text)
	}
}

func (h Handler) done(id string) {
	if h.OnDone != nil {
		h.OnDone(id)
	}
}

func (h Handler) fail(id, message string) {
	if h.OnError != nil {
		h.OnError(id, message)
	}
}
