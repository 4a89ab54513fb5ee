// Package coordinator is the composition root of one cluster node (spec
// §6): it wires together the tokenizer, local index, document store, Raft
// consensus, term directory, replication writer, and query executor, and is
// the sole implementation of transport.Handler, dispatching every inbound
// Envelope by Kind to the right subsystem. It mirrors the teacher's pattern
// of a single top-level type (node.Node) that every RPC handler and every
// external operation is a method on.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/distrisearch/distrisearch/internal/consensus"
	"github.com/distrisearch/distrisearch/internal/directory"
	"github.com/distrisearch/distrisearch/internal/index"
	"github.com/distrisearch/distrisearch/internal/metrics"
	"github.com/distrisearch/distrisearch/internal/persistence"
	"github.com/distrisearch/distrisearch/internal/query"
	"github.com/distrisearch/distrisearch/internal/replication"
	"github.com/distrisearch/distrisearch/internal/store"
	"github.com/distrisearch/distrisearch/internal/transport"
	"github.com/distrisearch/distrisearch/internal/types"
)

// Config bundles the per-node tuning parameters the coordinator needs,
// already resolved from internal/config.
type Config struct {
	Self    types.NodeID
	Members []types.NodeID

	ConsensusCfg      consensus.Config
	ReplicationCfg    replication.Config
	QueryCfg          query.Config
	DirectoryTTL      time.Duration
	DirectoryCap      int
	RPCTimeout        time.Duration
	LeaderlessTimeout time.Duration
}

// ErrNoLeader is returned when no cluster leader could be discovered within
// Config.LeaderlessTimeout (spec §4.5/§9's Lookup/PushDelta blocking
// contract).
var ErrNoLeader = errors.New("coordinator: no leader discovered before timeout")

// Coordinator is one node's hub: every cross-node RPC arrives here via
// HandleEnvelope, and every client-facing operation (Add, Search, Status) is
// a method on this type.
type Coordinator struct {
	cfg Config

	tok   *index.Tokenizer
	idx   *index.Index
	store *store.Store

	raft      *consensus.Node
	dir       *directory.Directory
	dirCache  *directory.Cache
	writer    *replication.Writer
	exec      *query.Executor
	bus       transport.Bus
	snapshot  *persistence.Snapshotter
	metrics   *metrics.Metrics

	startTime time.Time
}

// New constructs a fully wired Coordinator. bus must be ready to send but
// need not yet be serving inbound RPCs — HandleEnvelope is registered with
// the grpc server by the caller after New returns.
func New(cfg Config, bus transport.Bus, snap *persistence.Snapshotter, raftPersist consensus.Persister, extraStopwords []string) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		tok:       index.NewTokenizer(extraStopwords),
		idx:       index.New(),
		store:     store.New(),
		dir:       directory.New(),
		dirCache:  directory.NewCache(cfg.DirectoryTTL, cfg.DirectoryCap),
		bus:       bus,
		snapshot:  snap,
		metrics:   metrics.New(),
		startTime: time.Now(),
	}

	c.raft = consensus.New(cfg.Self, cfg.Members, cfg.ConsensusCfg, &raftTransport{c: c}, raftPersist)
	c.raft.OnApply(c.applyDirectoryDelta)

	c.dir.OnChange(c.broadcastInvalidate)

	c.writer = replication.New(cfg.Self, cfg.Members, cfg.ReplicationCfg, &localIndexAdapter{c: c}, &replicaClientAdapter{c: c}, &directoryPusherAdapter{c: c})
	c.exec = query.New(cfg.Self, cfg.QueryCfg, c.tok, &localSearchAdapter{c: c}, &resolverAdapter{c: c}, &remoteSearcherAdapter{c: c})

	return c
}

// Run starts the background election timer and heartbeat loops; block until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	go c.raft.Run(ctx)
	go c.raft.RunHeartbeat(ctx)
	<-ctx.Done()
}

// applyDirectoryDelta is registered as the Raft node's OnApply callback: it
// decodes a committed log entry as a directory.Delta and folds it into the
// local directory, then notifies subscribers via Directory.OnChange.
func (c *Coordinator) applyDirectoryDelta(index int64, command []byte) {
	delta, err := directory.Decode(command)
	if err != nil {
		log.Warn().Err(err).Int64("index", index).Msg("coordinator: failed to decode committed directory delta")
		return
	}
	c.dir.Apply(delta)
	c.metrics.DirectoryUpdates.Inc()
}

// broadcastInvalidate pushes a CacheInvalidate to every other member after a
// local directory change, so stale cache entries elsewhere are dropped
// promptly rather than waiting out their TTL (spec §4.5).
func (c *Coordinator) broadcastInvalidate(term string) {
	c.dirCache.Invalidate(term)
	for _, m := range c.cfg.Members {
		if m == c.cfg.Self {
			continue
		}
		go func(m types.NodeID) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
			defer cancel()
			env, err := transport.NewEnvelope(transport.KindCacheInvalidate, c.cfg.Self, transport.CacheInvalidateMsg{Term: term})
			if err != nil {
				return
			}
			if _, err := c.bus.Send(ctx, m, env); err != nil {
				log.Debug().Err(err).Str("peer", string(m)).Str("term", term).Msg("cache invalidate broadcast failed")
			}
		}(m)
	}
}

// Add is the client-facing document-write operation (spec §6).
func (c *Coordinator) Add(ctx context.Context, docID types.DocID, content string, metadata map[string]string) (replication.AckResult, error) {
	result, err := c.writer.Add(ctx, docID, content, metadata)
	if err == nil {
		c.metrics.WritesTotal.Inc()
	} else if err == replication.ErrQuorumFailed {
		c.metrics.QuorumFailures.Inc()
	}
	return result, err
}

// Search is the client-facing search operation (spec §6).
func (c *Coordinator) Search(ctx context.Context, q string, topK int) (query.Result, error) {
	start := time.Now()
	result, err := c.exec.Search(ctx, q, topK)
	c.metrics.SearchLatency.Observe(time.Since(start).Seconds())
	if result.Partial {
		c.metrics.SearchesPartial.Inc()
	}
	return result, err
}

// NodeStatus is the aggregate status returned by Status() (spec §6).
type NodeStatus struct {
	NodeID           types.NodeID
	KnownPeers       []types.NodeID
	Uptime           time.Duration
	Raft             consensus.Status
	DocumentCount    int
	DirectoryVersion uint64
	Metrics          metrics.Snapshot
}

// Status reports this node's identity, known peers, uptime, current Raft
// role, document count, directory version, and counters, read-only (spec
// §6).
func (c *Coordinator) Status() NodeStatus {
	peers := make([]types.NodeID, 0, len(c.cfg.Members))
	for _, m := range c.cfg.Members {
		if m == c.cfg.Self {
			continue
		}
		peers = append(peers, m)
	}
	return NodeStatus{
		NodeID:           c.cfg.Self,
		KnownPeers:       peers,
		Uptime:           time.Since(c.startTime),
		Raft:             c.raft.Status(),
		DocumentCount:    c.store.Count(),
		DirectoryVersion: c.dir.Version(),
		Metrics:          c.metrics.Snapshot(),
	}
}

// waitForLeader polls for a known Raft leader, blocking up to
// Config.LeaderlessTimeout before giving up with ErrNoLeader (spec §4.5/§9).
func (c *Coordinator) waitForLeader(ctx context.Context) (types.NodeID, error) {
	if leader, ok := c.raft.LeaderID(); ok {
		return leader, nil
	}

	timeout := c.cfg.LeaderlessTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrNoLeader
		case <-ticker.C:
			if leader, ok := c.raft.LeaderID(); ok {
				return leader, nil
			}
		}
	}
}

// Snapshot persists the document store and local index to documents.json
// and index.json (spec §6); intended to run periodically and on graceful
// shutdown. Raft state is not written here: the Raft persister saves
// raft.json on every term or log change.
func (c *Coordinator) Snapshot() error {
	if err := c.snapshot.SaveDocuments(c.store); err != nil {
		return fmt.Errorf("coordinator: snapshot documents: %w", err)
	}
	if err := c.snapshot.SaveIndex(persistence.IndexSnapshot{Documents: c.idx.Dump()}); err != nil {
		return fmt.Errorf("coordinator: snapshot index: %w", err)
	}
	return nil
}

// Restore reloads documents.json, run once at startup before serving
// traffic. It prefers index.json to repopulate the local index, since that
// already carries each document's term list; only when index.json is
// absent (e.g. an upgrade from a snapshot that predates it) does it fall
// back to re-tokenizing every restored document.
func (c *Coordinator) Restore() error {
	if err := c.snapshot.LoadDocuments(c.store); err != nil {
		return fmt.Errorf("coordinator: restore documents: %w", err)
	}

	indexSnap, found, err := c.snapshot.LoadIndex()
	if err != nil {
		return fmt.Errorf("coordinator: restore index: %w", err)
	}
	if found {
		for _, dt := range indexSnap.Documents {
			c.idx.Add(dt.DocID, dt.Terms)
		}
		return nil
	}

	for _, doc := range c.store.All() {
		terms := c.tok.Tokenize(doc.Content)
		c.idx.Add(doc.ID, terms)
	}
	return nil
}
