// Copyright (C) 2025 Arbor Labs (dev@arborlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package document

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborlabs/arbor/pkg/idgen"
	"github.com/arborlabs/arbor/services/storage"
)

// memBlobs is an in-memory BlobStore that counts writes, so tests can
// assert on persistence timing without a real database.
type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (m *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memBlobs) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	m.puts++
	return nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memBlobs) Close() error { return nil }

func (m *memBlobs) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *memBlobs) graph(t *testing.T) Graph {
	t.Helper()
	data, err := m.Get(context.Background(), storage.KeyGraph)
	require.NoError(t, err)
	var g Graph
	require.NoError(t, json.Unmarshal(data, &g))
	return g
}

func testStore(t *testing.T, blobs storage.BlobStore) *Store {
	t.Helper()
	return Open(blobs, Options{
		IDs:     idgen.Sequential("n"),
		EdgeIDs: idgen.Sequential("e"),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// waitVersion blocks until ch delivers a version or the deadline hits.
func waitVersion(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a version commit")
		return 0
	}
}

// TestOpenFreshCreatesRoot verifies that an empty store starts with
// exactly one empty root node.
func TestOpenFreshCreatesRoot(t *testing.T) {
	s := testStore(t, newMemBlobs())

	require.Equal(t, 1, s.Len())
	root := s.Root()
	assert.True(t, root.Data.IsRoot)
	assert.Empty(t, root.Data.Text)
	assert.Empty(t, root.Data.ParentID)
	assert.Empty(t, root.Data.ChildIDs)
	assert.Equal(t, uint64(0), s.Version())
}

// TestAddChildLinksBothDirections verifies the parent's child index and
// the edge set both reflect a new child.
func TestAddChildLinksBothDirections(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()

	childID := s.AddChild(root.ID, "Once upon a time", 9)
	require.NotEmpty(t, childID)

	child, ok := s.NodeByID(childID)
	require.True(t, ok)
	assert.Equal(t, root.ID, child.Data.ParentID)
	assert.Equal(t, "Once upon a time", child.Data.Text)
	assert.Equal(t, 9, child.Data.GeneratedTextStart)
	assert.False(t, child.Data.IsGenerating)

	root = s.Root()
	assert.Equal(t, []string{childID}, root.Data.ChildIDs)

	g := s.Snapshot()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, root.ID, g.Edges[0].Source)
	assert.Equal(t, childID, g.Edges[0].Target)
}

// TestAddChildMissingParent verifies a vanished parent yields no node.
func TestAddChildMissingParent(t *testing.T) {
	s := testStore(t, newMemBlobs())

	id := s.AddChild("no-such-node", "text", 0)
	assert.Empty(t, id)
	assert.Equal(t, 1, s.Len())
}

// TestPromptIsFullText verifies that reading a node's prompt needs no
// tree walk: the node text already accumulates everything from the root.
func TestPromptIsFullText(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()

	s.PatchText(root.ID, "Once upon")
	childID := s.AddChild(root.ID, "Once upon a time", 9)

	prompt, ok := s.PromptFor(childID)
	require.True(t, ok)
	assert.Equal(t, "Once upon a time", prompt)

	prompt, ok = s.PromptFor(root.ID)
	require.True(t, ok)
	assert.Equal(t, "Once upon", prompt)

	_, ok = s.PromptFor("missing")
	assert.False(t, ok)
}

// TestVersionCoalescing verifies that a burst of structural mutations
// issued inside one coalescing window commits exactly one externally
// visible version increment.
func TestVersionCoalescing(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()

	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NotEmpty(t, s.AddStreamingChild(root.ID, "seed", 4))
	}

	v := waitVersion(t, ch)
	assert.Equal(t, uint64(1), v)

	// No trailing second increment from the same burst.
	time.Sleep(5 * DefaultCoalesceWindow)
	assert.Equal(t, uint64(1), s.Version())

	// A fresh mutation after the window is a new commit.
	s.AddChild(root.ID, "later", 0)
	v = waitVersion(t, ch)
	assert.Equal(t, uint64(2), v)
}

// TestTextEditsNeverBumpVersion verifies text patches are invisible to
// the structural version counter.
func TestTextEditsNeverBumpVersion(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()

	for i := 0; i < 10; i++ {
		s.PatchText(root.ID, "draft draft draft")
	}
	s.Sync()
	assert.Equal(t, uint64(0), s.Version())
}

// TestPatchTextClampsGeneratedStart verifies the start marker follows a
// shrinking text.
func TestPatchTextClampsGeneratedStart(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()
	childID := s.AddChild(root.ID, "0123456789", 8)

	s.PatchText(childID, "0123")
	child, ok := s.NodeByID(childID)
	require.True(t, ok)
	assert.Equal(t, 4, child.Data.GeneratedTextStart)
}

// TestDeleteCascades verifies deleting a node removes its whole
// subtree, its edges, and the entry in the former parent's child index.
func TestDeleteCascades(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()

	a := s.AddChild(root.ID, "a", 0)
	b := s.AddChild(a, "ab", 1)
	c := s.AddChild(a, "ac", 1)
	d := s.AddChild(b, "abd", 2)
	keep := s.AddChild(root.ID, "k", 0)
	require.Equal(t, 6, s.Len())

	s.DeleteNode(a)

	assert.Equal(t, 2, s.Len())
	for _, id := range []string{a, b, c, d} {
		_, ok := s.NodeByID(id)
		assert.False(t, ok, "node %s should be gone", id)
	}
	_, ok := s.NodeByID(keep)
	assert.True(t, ok)

	root = s.Root()
	assert.Equal(t, []string{keep}, root.Data.ChildIDs)

	g := s.Snapshot()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, keep, g.Edges[0].Target)
}

// TestDeleteRootIsNoop verifies the root can never be deleted.
func TestDeleteRootIsNoop(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()
	s.AddChild(root.ID, "child", 0)

	s.DeleteNode(root.ID)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, root.ID, s.Root().ID)
}

// TestStructuralChangesPersistImmediately verifies a structural
// mutation writes the graph blob synchronously.
func TestStructuralChangesPersistImmediately(t *testing.T) {
	blobs := newMemBlobs()
	s := testStore(t, blobs)
	before := blobs.putCount()

	s.AddChild(s.Root().ID, "child", 0)

	assert.Equal(t, before+1, blobs.putCount())
	g := blobs.graph(t)
	assert.Len(t, g.Nodes, 2)
}

// TestTextPersistenceDebounces verifies text patches do not write per
// keystroke, and that the debounced write eventually lands.
func TestTextPersistenceDebounces(t *testing.T) {
	blobs := newMemBlobs()
	s := Open(blobs, Options{
		IDs:          idgen.Sequential("n"),
		TextDebounce: 30 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	root := s.Root()
	before := blobs.putCount()

	for i := 0; i < 10; i++ {
		s.PatchText(root.ID, "typing...")
	}
	assert.Equal(t, before, blobs.putCount(), "no write inside the debounce window")

	require.Eventually(t, func() bool {
		return blobs.putCount() == before+1
	}, 2*time.Second, 5*time.Millisecond)

	g := blobs.graph(t)
	assert.Equal(t, "typing...", g.Nodes[0].Data.Text)
}

// TestFlushTextPersistsNow verifies FlushText bypasses the debounce
// without touching the version counter.
func TestFlushTextPersistsNow(t *testing.T) {
	blobs := newMemBlobs()
	s := testStore(t, blobs)
	root := s.Root()
	before := blobs.putCount()

	s.PatchText(root.ID, "final text")
	s.FlushText()

	assert.Equal(t, before+1, blobs.putCount())
	assert.Equal(t, uint64(0), s.Version())
	assert.Equal(t, "final text", blobs.graph(t).Nodes[0].Data.Text)
}

// TestPatchPositionIsEphemeral verifies layout positions change neither
// the version nor the persistence schedule.
func TestPatchPositionIsEphemeral(t *testing.T) {
	blobs := newMemBlobs()
	s := testStore(t, blobs)
	root := s.Root()
	before := blobs.putCount()

	s.PatchPosition(root.ID, 120, -42.5)
	s.Sync()

	assert.Equal(t, uint64(0), s.Version())
	assert.Equal(t, before+1, blobs.putCount()) // only the Sync flush itself

	n, _ := s.NodeByID(root.ID)
	assert.Equal(t, Position{X: 120, Y: -42.5}, n.Position)
}

// TestExportImportRoundTrip verifies a document survives export and
// re-import structurally intact.
func TestExportImportRoundTrip(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()
	s.PatchText(root.ID, "Once upon")
	a := s.AddChild(root.ID, "Once upon a time", 9)
	s.AddChild(a, "Once upon a time there", 16)
	s.AddChild(root.ID, "Once upon a cliff", 9)

	data, err := s.ExportJSON()
	require.NoError(t, err)

	s2 := testStore(t, newMemBlobs())
	require.NoError(t, s2.ImportJSON(data))

	assert.Equal(t, s.Len(), s2.Len())
	want := s.Snapshot()
	got := s2.Snapshot()
	assert.Equal(t, want.Nodes, got.Nodes)
	assert.Len(t, got.Edges, 3)
}

// TestImportIsAllOrNothing verifies a rejected import leaves the
// current document untouched.
func TestImportIsAllOrNothing(t *testing.T) {
	s := testStore(t, newMemBlobs())
	s.AddChild(s.Root().ID, "existing", 0)
	before := s.Snapshot()

	err := s.ImportJSON([]byte(`{"nodes": [], "edges": []}`))
	require.ErrorIs(t, err, ErrNoNodes)
	assert.Equal(t, before, s.Snapshot())

	err = s.ImportJSON([]byte(`{
		"nodes": [{"id": "x", "data": {"text": "hi", "childIds": [], "isRoot": false}}],
		"edges": []
	}`))
	require.ErrorIs(t, err, ErrNoRoot)
	assert.Equal(t, before, s.Snapshot())
}

// TestImportNormalizes verifies imported documents get their
// generating flags cleared, their child indices rebuilt from parent
// links, and their edges regenerated.
func TestImportNormalizes(t *testing.T) {
	s := testStore(t, newMemBlobs())

	// childIds lies, isGenerating is stale, and the edge set is empty;
	// all three are derived from parent links on import.
	payload := []byte(`{
		"nodes": [
			{"id": "r", "data": {"text": "root", "childIds": ["bogus"], "isRoot": true}},
			{"id": "c", "data": {"text": "root child", "parentId": "r", "childIds": [],
				"isGenerating": true, "generatedTextStart": 9999}}
		],
		"edges": []
	}`)
	require.NoError(t, s.ImportJSON(payload))

	root := s.Root()
	assert.Equal(t, "r", root.ID)
	assert.Equal(t, []string{"c"}, root.Data.ChildIDs)

	c, ok := s.NodeByID("c")
	require.True(t, ok)
	assert.False(t, c.Data.IsGenerating)
	assert.Equal(t, len("root child"), c.Data.GeneratedTextStart)

	g := s.Snapshot()
	require.Len(t, g.Edges, 1)
	assert.Equal(t, "r", g.Edges[0].Source)
	assert.Equal(t, "c", g.Edges[0].Target)
}

// TestClearResetsToFreshRoot verifies Clear leaves one empty root.
func TestClearResetsToFreshRoot(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()
	s.AddChild(root.ID, "a", 0)
	s.AddChild(root.ID, "b", 0)

	s.Clear()

	require.Equal(t, 1, s.Len())
	fresh := s.Root()
	assert.NotEqual(t, root.ID, fresh.ID)
	assert.Empty(t, fresh.Data.Text)
	assert.Empty(t, s.Snapshot().Edges)
}

// TestReloadClearsGeneratingFlags verifies a generating flag never
// survives a reopen.
func TestReloadClearsGeneratingFlags(t *testing.T) {
	blobs := newMemBlobs()
	s := testStore(t, blobs)
	root := s.Root()
	childID := s.AddStreamingChild(root.ID, "streaming...", 12)

	child, _ := s.NodeByID(childID)
	require.True(t, child.Data.IsGenerating)
	s.Sync()

	s2 := testStore(t, blobs)
	child2, ok := s2.NodeByID(childID)
	require.True(t, ok)
	assert.False(t, child2.Data.IsGenerating)
}

// TestReloadDiscardsCorruptSnapshot verifies a corrupt blob falls back
// to a fresh document instead of failing Open.
func TestReloadDiscardsCorruptSnapshot(t *testing.T) {
	blobs := newMemBlobs()
	require.NoError(t, blobs.Put(context.Background(), storage.KeyGraph, []byte("{not json")))

	s := testStore(t, blobs)
	require.Equal(t, 1, s.Len())
	assert.True(t, s.Root().Data.IsRoot)
}

// TestLeaves verifies only childless nodes are reported.
func TestLeaves(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()
	a := s.AddChild(root.ID, "a", 0)
	b := s.AddChild(a, "ab", 1)
	c := s.AddChild(root.ID, "c", 0)

	leaves := s.Leaves()
	ids := make([]string, len(leaves))
	for i, l := range leaves {
		ids[i] = l.ID
	}
	assert.ElementsMatch(t, []string{b, c}, ids)
}

// TestSubscribeCancel verifies a cancelled subscription stops
// receiving commits.
func TestSubscribeCancel(t *testing.T) {
	s := testStore(t, newMemBlobs())
	ch, cancel := s.Subscribe()
	cancel()

	s.AddChild(s.Root().ID, "x", 0)
	s.Sync()

	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("received version %d on a cancelled subscription", v)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// TestConcurrentMutations hammers the store from several goroutines to
// exercise the mutex paths under the race detector.
func TestConcurrentMutations(t *testing.T) {
	s := testStore(t, newMemBlobs())
	root := s.Root()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := s.AddChild(root.ID, "branch", 0)
				s.PatchText(id, "branch grown")
				s.PatchPosition(id, float64(j), float64(j))
			}
		}()
	}
	wg.Wait()

	s.Sync()
	assert.Equal(t, 1+8*25, s.Len())
	assert.Equal(t, len(s.Root().Data.ChildIDs), 8*25)
}

// TestSilentStorageFailuresDoNotSurface verifies persistence failures
// are swallowed: mutations still succeed in memory.
func TestSilentStorageFailuresDoNotSurface(t *testing.T) {
	failing := storage.NewSilent(&failingBlobs{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := Open(failing, Options{
		IDs:    idgen.Sequential("n"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	id := s.AddChild(s.Root().ID, "kept in memory", 0)
	require.NotEmpty(t, id)
	n, ok := s.NodeByID(id)
	require.True(t, ok)
	assert.Equal(t, "kept in memory", n.Data.Text)
}

// failingBlobs errors on every operation.
type failingBlobs struct{}

var errDiskGone = errors.New("disk gone")

func (f *failingBlobs) Get(context.Context, string) ([]byte, error) { return nil, errDiskGone }
func (f *failingBlobs) Put(context.Context, string, []byte) error   { return errDiskGone }
func (f *failingBlobs) Delete(context.Context, string) error        { return errDiskGone }
func (f *failingBlobs) Close() error                                { return nil }
