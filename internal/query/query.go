// Package query implements distributed query execution (spec §4.6):
// tokenize, resolve candidate nodes per term via the directory, fan out
// SearchLocal in parallel, and aggregate TF-IDF scores across the
// responding replicas.
package query

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/distrisearch/distrisearch/internal/index"
	"github.com/distrisearch/distrisearch/internal/types"
)

// ErrAllCandidatesFailed is returned when every node believed to hold a
// query's terms failed to respond (and no reachable fallback existed for
// any of them), so the search produced no usable result at all — distinct
// from a Partial result, where at least one candidate answered.
var ErrAllCandidatesFailed = errors.New("query: all candidate nodes failed to respond")

// Tokenizer is the narrow surface query needs from internal/index.Tokenizer.
type Tokenizer interface {
	Tokenize(text string) []string
}

// LocalSearcher runs a query against this node's own local index, used when
// this node is itself one of the resolved candidates.
type LocalSearcher interface {
	SearchAll(terms []string) []types.DocID
	Rank(docIDs []types.DocID, terms []string) []index.Result
}

// Resolver answers "which nodes might hold documents for these terms",
// backed by the directory's cache-then-leader-lookup flow (spec §4.5).
type Resolver interface {
	Resolve(ctx context.Context, terms []string) (map[string][]types.NodeID, error)
}

// RemoteSearcher runs SearchLocal against another node over the transport
// bus.
type RemoteSearcher interface {
	SearchLocal(ctx context.Context, target types.NodeID, terms []string, topK int) ([]Hit, error)

	// Available reports whether target is currently believed reachable, the
	// same last-observed-reachability signal transport.Bus.Available
	// exposes, consulted before retrying a failed node against a fallback
	// replica (spec §4.6 step 4).
	Available(target types.NodeID) bool
}

// Hit is one scored result from a single node.
type Hit struct {
	DocID types.DocID
	Score float64
}

// Config bounds the fan-out and retry timeouts of spec §4.6.
type Config struct {
	FanoutTimeout time.Duration
	RetryTimeout  time.Duration
}

// DefaultConfig returns the spec's 5s fan-out / 3s retry defaults.
func DefaultConfig() Config {
	return Config{FanoutTimeout: 5 * time.Second, RetryTimeout: 3 * time.Second}
}

// Executor runs distributed searches.
type Executor struct {
	self types.NodeID
	cfg  Config

	tok      Tokenizer
	local    LocalSearcher
	resolver Resolver
	remote   RemoteSearcher
}

// New constructs an Executor.
func New(self types.NodeID, cfg Config, tok Tokenizer, local LocalSearcher, resolver Resolver, remote RemoteSearcher) *Executor {
	return &Executor{self: self, cfg: cfg, tok: tok, local: local, resolver: resolver, remote: remote}
}

// Result is the ranked, deduplicated outcome of a distributed search.
type Result struct {
	Hits    []Hit
	Partial bool // true if a candidate node failed and no fallback replica answered in its place
}

// Search implements spec §4.6: tokenize the query, resolve candidate nodes
// per term from the directory, query every distinct candidate node (plus
// self, if applicable) in parallel, sum scores for docIDs seen from more
// than one node, and return the top topK results sorted descending with a
// lexicographic docID tiebreak. A failed node is retried only against a
// reachable directory node that was not already queried; since the
// candidate set is the union of every resolved node, there is no such node,
// so a failed node's results are dropped and the result is marked Partial.
func (e *Executor) Search(ctx context.Context, text string, topK int) (Result, error) {
	terms := e.tok.Tokenize(text)
	if len(terms) == 0 {
		return Result{}, nil
	}

	nodesByTerm, err := e.resolver.Resolve(ctx, terms)
	if err != nil {
		return Result{}, err
	}

	candidates := unionNodes(nodesByTerm)
	if len(candidates) == 0 {
		return Result{}, nil
	}

	type nodeResult struct {
		hits []Hit
		err  error
	}

	results := make(map[types.NodeID]nodeResult, len(candidates))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range candidates {
		wg.Add(1)
		go func(node types.NodeID) {
			defer wg.Done()
			hits, err := e.searchNode(ctx, node, terms, topK)
			mu.Lock()
			results[node] = nodeResult{hits: hits, err: err}
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	partial := false
	for node, r := range results {
		if r.err == nil {
			continue
		}
		log.Debug().Err(r.err).Str("node", string(node)).Msg("query: node failed, trying fallback replica")
		fallback := alternativeReplica(nodesByTerm, node, candidates, e.remote.Available)
		if fallback == "" {
			partial = true
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.RetryTimeout)
		hits, err := e.searchNode(cctx, fallback, terms, topK)
		cancel()
		if err != nil {
			partial = true
			continue
		}
		mu.Lock()
		results[node] = nodeResult{hits: hits}
		mu.Unlock()
	}

	anySucceeded := false
	for _, r := range results {
		if r.err == nil {
			anySucceeded = true
			break
		}
	}
	if !anySucceeded {
		return Result{}, ErrAllCandidatesFailed
	}

	agg := make(map[types.DocID]float64)
	for _, r := range results {
		if r.err != nil {
			continue
		}
		for _, h := range r.hits {
			agg[h.DocID] += h.Score
		}
	}

	out := make([]Hit, 0, len(agg))
	for docID, score := range agg {
		out = append(out, Hit{DocID: docID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}

	return Result{Hits: out, Partial: partial}, nil
}

func (e *Executor) searchNode(ctx context.Context, node types.NodeID, terms []string, topK int) ([]Hit, error) {
	if node == e.self {
		docIDs := e.local.SearchAll(terms)
		ranked := e.local.Rank(docIDs, terms)
		hits := make([]Hit, len(ranked))
		for i, r := range ranked {
			hits[i] = Hit{DocID: r.DocID, Score: r.Score}
		}
		return hits, nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.FanoutTimeout)
	defer cancel()
	return e.remote.SearchLocal(cctx, node, terms, topK)
}

func unionNodes(byTerm map[string][]types.NodeID) []types.NodeID {
	seen := make(map[types.NodeID]struct{})
	var out []types.NodeID
	for _, nodes := range byTerm {
		for _, n := range nodes {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// alternativeReplica finds a candidate node, believed to index at least one
// of the same terms as failed, that hasn't already been queried and that
// available reports reachable (spec §4.6 step 4: a fallback must satisfy
// both directory membership and live reachability).
func alternativeReplica(byTerm map[string][]types.NodeID, failed types.NodeID, tried []types.NodeID, available func(types.NodeID) bool) types.NodeID {
	triedSet := make(map[types.NodeID]struct{}, len(tried))
	for _, t := range tried {
		triedSet[t] = struct{}{}
	}
	for _, nodes := range byTerm {
		hasFailed := false
		for _, n := range nodes {
			if n == failed {
				hasFailed = true
				break
			}
		}
		if !hasFailed {
			continue
		}
		for _, n := range nodes {
			if n == failed {
				continue
			}
			if _, ok := triedSet[n]; ok {
				continue
			}
			if available != nil && !available(n) {
				continue
			}
			return n
		}
	}
	return ""
}
