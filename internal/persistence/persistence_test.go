package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrisearch/distrisearch/internal/consensus"
	"github.com/distrisearch/distrisearch/internal/index"
	"github.com/distrisearch/distrisearch/internal/store"
	"github.com/distrisearch/distrisearch/internal/types"
)

func TestNewCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	_, err := New(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSaveAndLoadDocumentsRoundTrips(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)

	st := store.New()
	now := time.Now().Truncate(time.Second)
	st.Put(&store.Document{ID: "doc1", Content: "hello world", Metadata: map[string]string{"lang": "en"}, CreatedAt: now})
	st.Put(&store.Document{ID: "doc2", Content: "goodbye", CreatedAt: now})

	require.NoError(t, snap.SaveDocuments(st))

	restored := store.New()
	require.NoError(t, snap.LoadDocuments(restored))

	assert.Equal(t, 2, restored.Count())
	got, err := restored.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Content)
	assert.Equal(t, "en", got.Metadata["lang"])
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestLoadDocumentsMissingFileIsNoOp(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)
	st := store.New()
	require.NoError(t, snap.LoadDocuments(st))
	assert.Equal(t, 0, st.Count())
}

func TestSaveAndLoadIndexRoundTrips(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)

	in := IndexSnapshot{Documents: []index.DocTerms{
		{DocID: "doc1", Terms: []string{"fox", "fox", "jumps"}},
		{DocID: "doc2", Terms: []string{"dog"}},
	}}
	require.NoError(t, snap.SaveIndex(in))

	out, found, err := snap.LoadIndex()
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, out.Documents, 2)

	byDoc := make(map[types.DocID][]string, len(out.Documents))
	for _, dt := range out.Documents {
		byDoc[dt.DocID] = dt.Terms
	}
	assert.ElementsMatch(t, []string{"fox", "fox", "jumps"}, byDoc["doc1"])
	assert.ElementsMatch(t, []string{"dog"}, byDoc["doc2"])
}

func TestLoadIndexMissingFileReportsNotFound(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)
	_, found, err := snap.LoadIndex()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWriteAtomicLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	snap, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, snap.SaveIndex(IndexSnapshot{Documents: []index.DocTerms{{DocID: "doc1", Terms: []string{"x"}}}}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestRaftPersisterSaveAndLoadTerm(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)
	p := NewRaftPersister(snap)

	term, votedFor, ok := p.LoadTerm()
	assert.Equal(t, int64(0), term)
	assert.Empty(t, votedFor)
	assert.False(t, ok)

	require.NoError(t, p.SaveTerm(5, "n1"))

	term, votedFor, ok = p.LoadTerm()
	assert.Equal(t, int64(5), term)
	assert.Equal(t, types.NodeID("n1"), votedFor)
	assert.True(t, ok)
}

func TestRaftPersisterSaveAndLoadLogPreservesTerm(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)
	p := NewRaftPersister(snap)

	require.NoError(t, p.SaveTerm(3, "n2"))
	entries := []consensus.LogEntry{
		{Term: 1, Index: 0, Command: []byte("a")},
		{Term: 3, Index: 1, Command: []byte("b")},
	}
	require.NoError(t, p.SaveLog(entries))

	loadedLog := p.LoadLog()
	require.Len(t, loadedLog, 2)
	assert.Equal(t, []byte("b"), loadedLog[1].Command)

	// SaveLog must not clobber the previously saved term.
	term, votedFor, ok := p.LoadTerm()
	assert.Equal(t, int64(3), term)
	assert.Equal(t, types.NodeID("n2"), votedFor)
	assert.True(t, ok)
}

func TestRaftPersisterLoadLogEmptyWhenNoFile(t *testing.T) {
	snap, err := New(t.TempDir())
	require.NoError(t, err)
	p := NewRaftPersister(snap)
	assert.Empty(t, p.LoadLog())
}
