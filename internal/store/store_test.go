package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrisearch/distrisearch/internal/types"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	doc := &Document{ID: "doc1", Content: "hello world", CreatedAt: time.Now()}
	s.Put(doc)

	got, err := s.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, doc.Content, got.Content)
	assert.True(t, s.Exists("doc1"))

	s.Delete("doc1")
	assert.False(t, s.Exists("doc1"))
	_, err = s.Get("doc1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := New()
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountAndAll(t *testing.T) {
	s := New()
	s.Put(&Document{ID: "a"})
	s.Put(&Document{ID: "b"})
	s.Put(&Document{ID: "c"})

	assert.Equal(t, 3, s.Count())
	all := s.All()
	assert.Len(t, all, 3)
}

func TestLockSerializesSameDocID(t *testing.T) {
	s := New()
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := s.Lock("shared-doc")
			defer unlock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 20) // no panics, no lost updates under the striped lock
}

func TestLockAllowsConcurrentDistinctDocIDs(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	ids := []types.DocID{"doc-a", "doc-b", "doc-c", "doc-d"}
	for _, id := range ids {
		wg.Add(1)
		go func(id types.DocID) {
			defer wg.Done()
			unlock := s.Lock(id)
			defer unlock()
			s.Put(&Document{ID: id})
		}(id)
	}
	wg.Wait()
	assert.Equal(t, len(ids), s.Count())
}
