// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transport

import (
	"encoding/json"
	"strings"
)

// doneSentinel terminates the whole multiplexed stream.
const doneSentinel = "[DONE]"

// Parser parses server-sent event lines into Events.
//
// SSE format reference:
//
//	data: {"id":"r1","type":"token","text":"Hello"}\n
//	\n
//	data: [DONE]\n
//
// Empty lines are event delimiters and lines starting with ":" are
// comments; both parse to nothing. The parser is stateless and safe
// for concurrent use.
type Parser struct{}

// NewParser returns a stateless SSE line parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses a single line of the stream.
//
// Outputs:
//
//	*Event - the parsed event, or nil for empty/comment/non-data lines
//	bool   - true when the line is the [DONE] end-of-stream sentinel
//	error  - non-nil when a data line carries malformed JSON; callers
//	         skip such lines rather than aborting the stream
func (p *Parser) ParseLine(line string) (*Event, bool, error) {
	line = strings.TrimSpace(line)

	if line == "" || strings.HasPrefix(line, ":") {
		return nil, false, nil
	}

	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		// Some servers omit the space after the colon.
		payload, ok = strings.CutPrefix(line, "data:")
		if !ok {
			return nil, false, nil
		}
	}
	payload = strings.TrimSpace(payload)

	if payload == doneSentinel {
		return nil, true, nil
	}

	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, false, err
	}
	return &event, false, nil
}
