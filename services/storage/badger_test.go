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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies the basic blob round trip.
func TestOpenInMemory(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	_, err = s.Get(ctx, KeyGraph)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Put(ctx, KeyGraph, []byte(`{"nodes":[]}`)))
	got, err := s.Get(ctx, KeyGraph)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"nodes":[]}`), got)

	require.NoError(t, s.Delete(ctx, KeyGraph))
	_, err = s.Get(ctx, KeyGraph)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// TestGetReturnsCopy verifies the returned slice is detached from the
// transaction buffer.
func TestGetReturnsCopy(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("original")))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

// TestOpenPersistsAcrossReopen verifies on-disk durability.
func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, KeySettings, []byte(`{"theme":"dark"}`)))
	require.NoError(t, s.Close())

	s2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, KeySettings)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"theme":"dark"}`), got)
}

// failing errors on everything, for exercising the Silent wrapper.
type failing struct{}

var errBroken = errors.New("disk on fire")

func (failing) Get(context.Context, string) ([]byte, error) { return nil, errBroken }
func (failing) Put(context.Context, string, []byte) error   { return errBroken }
func (failing) Delete(context.Context, string) error        { return errBroken }
func (failing) Close() error                                { return errBroken }

// TestSilentSwallowsFailures verifies the silent wrapper converts
// every backend failure into the not-found/no-op contract.
func TestSilentSwallowsFailures(t *testing.T) {
	s := NewSilent(failing{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound, "read failures present as absence")
	assert.NoError(t, s.Put(ctx, "k", []byte("v")))
	assert.NoError(t, s.Delete(ctx, "k"))

	// Close is the one operation that still reports its error.
	assert.ErrorIs(t, s.Close(), errBroken)
}

// TestSilentPassesThrough verifies a healthy backend is unaffected.
func TestSilentPassesThrough(t *testing.T) {
	inner, err := OpenInMemory()
	require.NoError(t, err)
	s := NewSilent(inner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
