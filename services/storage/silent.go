// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"log/slog"
)

// Silent decorates a BlobStore so that write failures are logged and
// swallowed instead of propagated.
//
// The document model must keep working when the disk is full or the
// store is otherwise unavailable: losing a persisted snapshot degrades
// durability, not correctness of the in-memory tree. Reads that fail
// for any reason report the key as absent, which the document store
// treats as a first-run state.
type Silent struct {
	inner  BlobStore
	logger *slog.Logger
}

// NewSilent wraps inner with silent-failure semantics.
// logger may be nil, in which case failures are dropped without a trace.
func NewSilent(inner BlobStore, logger *slog.Logger) *Silent {
	return &Silent{inner: inner, logger: logger}
}

// Get returns the stored value, or ErrKeyNotFound for both absent keys
// and read failures.
func (s *Silent) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.inner.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) && s.logger != nil {
			s.logger.Warn("storage read failed, treating key as absent",
				"key", key, "error", err)
		}
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// Put stores the value; failures are logged at warn and swallowed.
func (s *Silent) Put(ctx context.Context, key string, value []byte) error {
	if err := s.inner.Put(ctx, key, value); err != nil {
		if s.logger != nil {
			s.logger.Warn("storage write failed, continuing without persistence",
				"key", key, "size", len(value), "error", err)
		}
	}
	return nil
}

// Delete removes the key; failures are logged at warn and swallowed.
func (s *Silent) Delete(ctx context.Context, key string) error {
	if err := s.inner.Delete(ctx, key); err != nil {
		if s.logger != nil {
			s.logger.Warn("storage delete failed", "key", key, "error", err)
		}
	}
	return nil
}

// Close closes the underlying store.
func (s *Silent) Close() error {
	return s.inner.Close()
}

var _ BlobStore = (*Silent)(nil)
