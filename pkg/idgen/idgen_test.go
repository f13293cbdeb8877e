// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestShort verifies length, alphabet, and practical uniqueness.
func TestShort(t *testing.T) {
	gen := Short(8)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		require.Len(t, id, 8)
		for _, r := range id {
			assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z'),
				"unexpected rune %q in id %s", r, id)
		}
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

// TestShortDefaultsLength verifies a non-positive length falls back.
func TestShortDefaultsLength(t *testing.T) {
	assert.Len(t, Short(0)(), DefaultLength)
	assert.Len(t, Default()(), DefaultLength)
}

// TestUUID verifies output parses as RFC 4122.
func TestUUID(t *testing.T) {
	id := UUID()()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

// TestPrefixed verifies prefix composition.
func TestPrefixed(t *testing.T) {
	gen := Prefixed("req_", Sequential("x"))
	assert.Equal(t, "req_x-1", gen())
	assert.Equal(t, "req_x-2", gen())
}

// TestSequentialConcurrent verifies the test generator never repeats
// under concurrency.
func TestSequentialConcurrent(t *testing.T) {
	gen := Sequential("n")
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := gen()
				require.True(t, strings.HasPrefix(id, "n-"))
				mu.Lock()
				assert.False(t, seen[id])
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
