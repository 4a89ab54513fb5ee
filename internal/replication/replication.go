// Package replication implements the quorum write protocol of spec §4.4:
// deterministic replica-set selection by content hashing, primary-first
// writes, parallel fan-out to secondaries, quorum ack collection, and
// rollback on insufficient acks.
package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/distrisearch/distrisearch/internal/types"
)

var (
	// ErrNoPrimaryReachable means forwarding to the primary failed for a
	// docID this node does not itself replicate: the primary could not be
	// reached or it rejected the write.
	ErrNoPrimaryReachable = errors.New("replication: no primary reachable")

	// ErrQuorumFailed means fewer than ceil(k/2) replicas acknowledged the
	// write within the deadline.
	ErrQuorumFailed = errors.New("replication: quorum not reached")

	// ErrTimeout means the overall write deadline elapsed before quorum.
	ErrTimeout = errors.New("replication: write timed out")
)

// ReplicaSet computes the deterministic, ordered list of k distinct members
// responsible for docID. Every node computes this identically: it is a pure
// function of docID and the fixed membership (spec §3/§4.4). The primary is
// replicas[0].
//
// Each member's rank comes from its own weight, so the result does not
// depend on the order of members.
func ReplicaSet(docID types.DocID, members []types.NodeID, k int) []types.NodeID {
	if k > len(members) {
		k = len(members)
	}
	seed := xxhash.Sum64(docID.Bytes())

	type ranked struct {
		id    types.NodeID
		score uint64
	}
	ranks := make([]ranked, len(members))
	for i, m := range members {
		ranks[i] = ranked{id: m, score: mix(seed, []byte(m))}
	}

	// Simple selection sort over a small (cluster-sized) slice — clearer
	// than pulling in sort.Slice for what is at most a few dozen entries,
	// and keeps the ranking a pure, allocation-light function.
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(ranks); j++ {
			if ranks[j].score > ranks[best].score {
				best = j
			}
		}
		ranks[i], ranks[best] = ranks[best], ranks[i]
	}

	out := make([]types.NodeID, k)
	for i := 0; i < k; i++ {
		out[i] = ranks[i].id
	}
	return out
}

// mix combines the docID's hash with a member identity to produce a
// per-(docID, node) weight, the core of highest-random-weight / rendezvous
// hashing: the member with the highest weight for a given key is that key's
// preferred owner, and because each weight is an independent hash of
// (docID, node), adding or removing members only reshuffles the entries
// touching that member instead of the whole ring.
func mix(seed uint64, member []byte) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	h := xxhash.New()
	h.Write(buf[:])
	h.Write(member)
	return h.Sum64()
}

// Primary returns the primary (replicas[0]) for docID.
func Primary(docID types.DocID, members []types.NodeID, k int) types.NodeID {
	return ReplicaSet(docID, members, k)[0]
}

// Contains reports whether node is in docID's replica set.
func Contains(docID types.DocID, members []types.NodeID, k int, node types.NodeID) bool {
	for _, r := range ReplicaSet(docID, members, k) {
		if r == node {
			return true
		}
	}
	return false
}

// LocalIndexer is the subset of internal/index.Index and internal/store.Store
// the writer needs, kept narrow so replication doesn't import either package
// directly and tests can stub it.
type LocalIndexer interface {
	IndexDoc(docID types.DocID, content string, metadata map[string]string) []string
	RemoveDoc(docID types.DocID)

	// Lock acquires the per-docID write stripe, serializing concurrent
	// writes to the same docID at the primary (spec §4.4/§5).
	Lock(docID types.DocID) func()
}

// ReplicaClient is the narrow transport surface replication needs to talk to
// other replicas.
type ReplicaClient interface {
	ReplicateDoc(ctx context.Context, target types.NodeID, docID types.DocID, content string, metadata map[string]string) error
	RollbackDoc(ctx context.Context, target types.NodeID, docID types.DocID) error
	ForwardAdd(ctx context.Context, target types.NodeID, docID types.DocID, content string, metadata map[string]string) error
}

// DirectoryPusher submits a term-directory delta for (term, nodeID) through
// the current Raft leader (spec §4.5's push flow).
type DirectoryPusher interface {
	PushDelta(ctx context.Context, add bool, term string, node types.NodeID) error
}

// Config bounds the write protocol's per-replica and overall timeouts.
type Config struct {
	K                int
	PerReplicaTimeout time.Duration
	OverallDeadline   time.Duration
}

// DefaultConfig returns the spec's k=3, 5s-per-replica defaults.
func DefaultConfig() Config {
	return Config{K: 3, PerReplicaTimeout: 5 * time.Second, OverallDeadline: 10 * time.Second}
}

// Writer implements spec §4.4's write protocol.
type Writer struct {
	self    types.NodeID
	members []types.NodeID
	cfg     Config

	local LocalIndexer
	repl  ReplicaClient
	dir   DirectoryPusher
}

// New constructs a Writer.
func New(self types.NodeID, members []types.NodeID, cfg Config, local LocalIndexer, repl ReplicaClient, dir DirectoryPusher) *Writer {
	return &Writer{
		self:    self,
		members: members,
		cfg:     cfg,
		local:   local,
		repl:    repl,
		dir:     dir,
	}
}

// AckResult is the outcome of Add.
type AckResult struct {
	Primary  types.NodeID
	Replicas []types.NodeID
}

// Add implements the write protocol of spec §4.4. If self is not a replica
// for docID, it forwards to the primary and returns that result. If self is
// a replica, it indexes tentatively, fans ReplicateDoc out to the other
// replicas in parallel, and waits for ceil(k/2) total acks (including
// itself) before committing; on failure it rolls back everywhere it
// tentatively succeeded.
func (w *Writer) Add(ctx context.Context, docID types.DocID, content string, metadata map[string]string) (AckResult, error) {
	set := ReplicaSet(docID, w.members, w.cfg.K)
	primary := set[0]

	if !contains(set, w.self) {
		cctx, cancel := context.WithTimeout(ctx, w.cfg.PerReplicaTimeout)
		defer cancel()
		if err := w.repl.ForwardAdd(cctx, primary, docID, content, metadata); err != nil {
			return AckResult{}, ErrNoPrimaryReachable
		}
		return AckResult{Primary: primary, Replicas: set}, nil
	}

	unlock := w.local.Lock(docID)
	defer unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, w.cfg.OverallDeadline)
	defer cancel()

	terms := w.local.IndexDoc(docID, content, metadata)

	secondaries := make([]types.NodeID, 0, len(set)-1)
	for _, r := range set {
		if r != w.self {
			secondaries = append(secondaries, r)
		}
	}

	needed := (w.cfg.K + 1) / 2 // ceil(k/2)
	acked := []types.NodeID{w.self}
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(secondaries))
	for _, r := range secondaries {
		go func(r types.NodeID) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(deadlineCtx, w.cfg.PerReplicaTimeout)
			defer cancel()
			if err := w.repl.ReplicateDoc(cctx, r, docID, content, metadata); err != nil {
				log.Debug().Err(err).Str("replica", string(r)).Str("doc", string(docID)).Msg("replicate failed")
				return
			}
			mu.Lock()
			acked = append(acked, r)
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	if len(acked) < needed {
		w.rollback(ctx, docID, acked)
		w.local.RemoveDoc(docID)
		return AckResult{}, ErrQuorumFailed
	}

	if w.self == primary {
		w.pushDirectory(ctx, terms, set)
	}

	return AckResult{Primary: primary, Replicas: set}, nil
}

func (w *Writer) rollback(ctx context.Context, docID types.DocID, acked []types.NodeID) {
	for _, r := range acked {
		if r == w.self {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, w.cfg.PerReplicaTimeout)
		if err := w.repl.RollbackDoc(cctx, r, docID); err != nil {
			log.Warn().Err(err).Str("replica", string(r)).Str("doc", string(docID)).Msg("rollback failed")
		}
		cancel()
	}
}

func (w *Writer) pushDirectory(ctx context.Context, terms []string, replicas []types.NodeID) {
	var wg sync.WaitGroup
	for _, term := range terms {
		for _, node := range replicas {
			wg.Add(1)
			go func(term string, node types.NodeID) {
				defer wg.Done()
				if err := w.dir.PushDelta(ctx, true, term, node); err != nil {
					log.Warn().Err(err).Str("term", term).Str("node", string(node)).Msg("directory push failed")
				}
			}(term, node)
		}
	}
	wg.Wait()
}

// ReplicateDoc is the secondary-side handler for an incoming ReplicateDoc
// call: idempotent, per spec §4.4 ("if the secondary already holds docID,
// it acks success without reapplying").
func (w *Writer) ReplicateDoc(exists bool, apply func()) {
	if exists {
		return
	}
	apply()
}

func contains(set []types.NodeID, id types.NodeID) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}
