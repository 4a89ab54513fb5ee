// Package directory implements the term directory of spec §4.5: a
// leader-held map term -> {nodeID} that answers "which nodes could possibly
// have a document containing this term?". The directory IS the Raft state
// machine — it is mutated only by Apply, called from consensus on commit,
// never directly, so every node's view converges deterministically with the
// replicated log.
package directory

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/distrisearch/distrisearch/internal/types"
)

// Delta is a single term-directory mutation, the command type carried in
// consensus log entries (spec §4.5: "TermDirectoryDelta{add|remove, term,
// nodeID}").
type Delta struct {
	Add    bool         `json:"add"`
	Term   string       `json:"term"`
	NodeID types.NodeID `json:"node_id"`
}

// Encode serializes a Delta for the consensus log.
func (d Delta) Encode() []byte {
	out, _ := json.Marshal(d)
	return out
}

// Decode parses a Delta from a consensus log entry.
func Decode(raw []byte) (Delta, error) {
	var d Delta
	err := json.Unmarshal(raw, &d)
	return d, err
}

// Directory is the replicated term -> {nodeID} map.
type Directory struct {
	mu      sync.RWMutex
	nodes   map[string]map[types.NodeID]struct{}
	version uint64

	onChange func(term string)
}

// New constructs an empty directory.
func New() *Directory {
	return &Directory{nodes: make(map[string]map[types.NodeID]struct{})}
}

// OnChange registers a callback invoked after every applied delta, with the
// affected term — the coordinator uses this to broadcast CacheInvalidate to
// the rest of the cluster (spec §4.5).
func (d *Directory) OnChange(fn func(term string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

// Apply mutates the directory per delta. Called only from the consensus
// Apply callback, in log order, so it is the directory's single writer.
func (d *Directory) Apply(delta Delta) {
	d.mu.Lock()
	set, ok := d.nodes[delta.Term]
	if delta.Add {
		if !ok {
			set = make(map[types.NodeID]struct{})
			d.nodes[delta.Term] = set
		}
		set[delta.NodeID] = struct{}{}
	} else if ok {
		delete(set, delta.NodeID)
		if len(set) == 0 {
			delete(d.nodes, delta.Term)
		}
	}
	d.version++
	onChange := d.onChange
	d.mu.Unlock()

	if onChange != nil {
		onChange(delta.Term)
	}
}

// Nodes returns the current set of nodes believed to index term.
func (d *Directory) Nodes(term string) []types.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.nodes[term]
	if !ok {
		return nil
	}
	out := make([]types.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Version returns the monotonically increasing directory version.
func (d *Directory) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Cache is the local, TTL-bounded view of directory lookups a node keeps to
// avoid round-tripping to the leader on every query term (spec §4.5's pull
// flow). Invalidated both by local directory Apply and by CacheInvalidate
// messages that other members broadcast when they apply a delta.
type Cache struct {
	lru *lru.LRU[string, []types.NodeID]
}

// NewCache builds a Cache with the given TTL and capacity.
func NewCache(ttl time.Duration, capacity int) *Cache {
	return &Cache{lru: lru.NewLRU[string, []types.NodeID](capacity, nil, ttl)}
}

// Get returns a cached node list for term, if present and unexpired.
func (c *Cache) Get(term string) ([]types.NodeID, bool) {
	return c.lru.Get(term)
}

// Put installs a fresh lookup result for term.
func (c *Cache) Put(term string, nodes []types.NodeID) {
	c.lru.Add(term, nodes)
}

// Invalidate drops any cached entry for term; idempotent, safe to call
// whether or not an entry exists (spec §4.5).
func (c *Cache) Invalidate(term string) {
	c.lru.Remove(term)
}
