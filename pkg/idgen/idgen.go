// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package idgen provides pluggable ID generation for Arbor components.
//
// All constructors that mint node, edge, or stream-request identifiers
// accept a Generator, making the ID strategy a startup-time decision
// rather than a compile-time one. The document store uses Short ids
// (compact, URL-safe, cheap to render in the graph UI); stream requests
// use full UUIDs where collision resistance across sessions matters.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultLength is the length of ids produced by Default().
const DefaultLength = 12

// Generator produces unique string identifiers.
type Generator func() string

// Short returns a Generator producing base-36 ids of the given length.
//
// Ids are drawn from crypto/rand, so collision probability for the
// default length of 12 is negligible at document scale (a few thousand
// nodes). Use UUID() where ids must be unique across documents.
func Short(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if length <= 0 {
		length = DefaultLength
	}
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		out := make([]byte, length)
		for i := range out {
			out[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(out)
	}
}

// Default returns the standard node/edge id generator.
func Default() Generator {
	return Short(DefaultLength)
}

// UUID returns a Generator producing RFC 4122 v4 UUID strings.
func UUID() Generator {
	return func() string {
		return uuid.NewString()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every id.
// Useful for type-scoped identifiers (e.g. "edge_", "req_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequential returns a deterministic Generator for tests: "p-1", "p-2", ...
//
// Thread Safety: safe for concurrent use.
func Sequential(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}
