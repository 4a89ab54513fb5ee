// Package store is the per-node authoritative document store: a keyed
// docID -> Document map (spec §4.2). It is deliberately ignorant of
// replication; the replication layer decides which documents a given node
// is responsible for and calls Put/Delete accordingly.
package store

import (
	"errors"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/distrisearch/distrisearch/internal/types"
)

// ErrNotFound is returned by Get when the docID is not held locally.
var ErrNotFound = errors.New("store: document not found")

// Document is the immutable record a node holds for a replicated docID.
type Document struct {
	ID        types.DocID
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

const stripes = 256

// Store is a local keyed document store. Reads observe a consistent
// immutable snapshot (hashicorp/go-immutable-radix, the same mechanism used
// by internal/index); writes to distinct docIDs proceed independently,
// writes to the same docID serialize through a striped lock, matching the
// "single-writer per docID" discipline of spec §5.
type Store struct {
	mu     sync.Mutex // guards installing a new root
	tree   *iradix.Tree
	writes [stripes]sync.Mutex
}

// New constructs an empty document store.
func New() *Store {
	return &Store{tree: iradix.New()}
}

// Lock acquires the per-docID write stripe for id. Callers (replication.Writer)
// hold this for the duration of a tentative-index-then-replicate write so
// that concurrent writes to the same docID serialize at the primary.
func (s *Store) Lock(id types.DocID) func() {
	m := &s.writes[stripeIndex(id)]
	m.Lock()
	return m.Unlock
}

func stripeIndex(id types.DocID) uint8 {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return uint8(h % stripes)
}

// Put inserts or overwrites doc.
func (s *Store) Put(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, _, _ := s.tree.Insert(doc.ID.Bytes(), doc)
	s.tree = tree
}

// Get returns the document for id, or ErrNotFound.
func (s *Store) Get(id types.DocID) (*Document, error) {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()

	raw, ok := tree.Get(id.Bytes())
	if !ok {
		return nil, ErrNotFound
	}
	return raw.(*Document), nil
}

// Exists reports whether id is held locally.
func (s *Store) Exists(id types.DocID) bool {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()
	_, ok := tree.Get(id.Bytes())
	return ok
}

// Delete removes id, if present.
func (s *Store) Delete(id types.DocID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, _, _ := s.tree.Delete(id.Bytes())
	s.tree = tree
}

// Count returns the number of documents currently held.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// All returns every document currently held, for snapshotting.
func (s *Store) All() []*Document {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()

	out := make([]*Document, 0, tree.Len())
	it := tree.Root().Iterator()
	for {
		_, v, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, v.(*Document))
	}
	return out
}
