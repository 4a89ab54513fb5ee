package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/distrisearch/distrisearch/internal/consensus"
	"github.com/distrisearch/distrisearch/internal/directory"
	"github.com/distrisearch/distrisearch/internal/store"
	"github.com/distrisearch/distrisearch/internal/transport"
	"github.com/distrisearch/distrisearch/internal/types"
)

// HandleEnvelope implements transport.Handler: the single inbound entry
// point for every cross-node RPC, dispatched by Kind. This is the method
// registered with transport.RegisterServer.
func (c *Coordinator) HandleEnvelope(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	switch env.Kind {
	case transport.KindRequestVote:
		return c.handleRequestVote(env)
	case transport.KindAppendEntries:
		return c.handleAppendEntries(env)
	case transport.KindReplicateDoc:
		return c.handleReplicateDoc(env)
	case transport.KindRollbackDoc:
		return c.handleRollbackDoc(env)
	case transport.KindForwardAdd:
		return c.handleForwardAdd(ctx, env)
	case transport.KindSearchLocal:
		return c.handleSearchLocal(env)
	case transport.KindDirectoryLookup:
		return c.handleDirectoryLookup(env)
	case transport.KindDirectoryDelta:
		return c.handleDirectoryDelta(ctx, env)
	case transport.KindCacheInvalidate:
		return c.handleCacheInvalidate(env)
	case transport.KindPing:
		return transport.NewEnvelope(transport.KindPing, c.cfg.Self, transport.PingMsg{})
	default:
		return transport.Envelope{}, fmt.Errorf("coordinator: unknown message kind %q", env.Kind)
	}
}

func (c *Coordinator) handleRequestVote(env transport.Envelope) (transport.Envelope, error) {
	var req transport.VoteRequestMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	reply := c.raft.HandleVote(consensus.VoteRequest{
		Term: req.Term, Candidate: req.Candidate, LastLogIndex: req.LastLogIndex, LastLogTerm: req.LastLogTerm,
	})
	return transport.NewEnvelope(transport.KindRequestVote, c.cfg.Self, transport.VoteReplyMsg{
		Term: reply.Term, VoteGranted: reply.VoteGranted, Voter: reply.Voter,
	})
}

func (c *Coordinator) handleAppendEntries(env transport.Envelope) (transport.Envelope, error) {
	var req transport.AppendRequestMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	entries := make([]consensus.LogEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = consensus.LogEntry{Term: e.Term, Index: e.Index, Command: e.Command}
	}
	reply := c.raft.HandleAppend(consensus.AppendRequest{
		Term: req.Term, Leader: req.Leader, PrevLogIndex: req.PrevLogIndex, PrevLogTerm: req.PrevLogTerm,
		Entries: entries, LeaderCommit: req.LeaderCommit,
	})
	return transport.NewEnvelope(transport.KindAppendEntries, c.cfg.Self, transport.AppendReplyMsg{
		Term: reply.Term, Success: reply.Success,
	})
}

// handleReplicateDoc is the secondary-side entry point for a tentative
// write: idempotent on an already-held docID per spec §4.4.
func (c *Coordinator) handleReplicateDoc(env transport.Envelope) (transport.Envelope, error) {
	var req transport.ReplicateDocMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	exists := c.store.Exists(req.DocID)
	c.writer.ReplicateDoc(exists, func() {
		terms := c.tok.Tokenize(req.Content)
		c.idx.Add(req.DocID, terms)
		c.store.Put(&store.Document{ID: req.DocID, Content: req.Content, Metadata: req.Metadata, CreatedAt: time.Now()})
	})
	return transport.NewEnvelope(transport.KindReplicateDoc, c.cfg.Self, transport.ReplicateAckMsg{OK: true})
}

func (c *Coordinator) handleRollbackDoc(env transport.Envelope) (transport.Envelope, error) {
	var req transport.RollbackDocMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	c.idx.Remove(req.DocID)
	c.store.Delete(req.DocID)
	return transport.NewEnvelope(transport.KindRollbackDoc, c.cfg.Self, transport.ReplicateAckMsg{OK: true})
}

func (c *Coordinator) handleForwardAdd(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req transport.ForwardAddMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	_, err := c.Add(ctx, req.DocID, req.Content, req.Metadata)
	if err != nil {
		return transport.NewEnvelope(transport.KindForwardAdd, c.cfg.Self, transport.ForwardAddReplyMsg{OK: false, Error: err.Error()})
	}
	return transport.NewEnvelope(transport.KindForwardAdd, c.cfg.Self, transport.ForwardAddReplyMsg{OK: true})
}

func (c *Coordinator) handleSearchLocal(env transport.Envelope) (transport.Envelope, error) {
	var req transport.SearchLocalMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	docIDs := c.idx.SearchAll(req.Terms)
	ranked := c.idx.Rank(docIDs, req.Terms)
	if req.TopK > 0 && len(ranked) > req.TopK {
		ranked = ranked[:req.TopK]
	}
	hits := make([]transport.SearchHitMsg, len(ranked))
	for i, r := range ranked {
		hits[i] = transport.SearchHitMsg{DocID: r.DocID, Score: r.Score}
	}
	return transport.NewEnvelope(transport.KindSearchLocal, c.cfg.Self, transport.SearchLocalReplyMsg{Hits: hits})
}

// handleDirectoryLookup answers from this node's local directory whether or
// not it is leader; a follower receiving this (e.g. during a
// leadership-change race) replies with whatever it locally knows, which
// callers treat as best-effort.
func (c *Coordinator) handleDirectoryLookup(env transport.Envelope) (transport.Envelope, error) {
	var req transport.DirectoryLookupMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	result := make(map[string][]types.NodeID, len(req.Terms))
	for _, term := range req.Terms {
		result[term] = c.dir.Nodes(term)
	}
	return transport.NewEnvelope(transport.KindDirectoryLookup, c.cfg.Self, transport.DirectoryLookupReplyMsg{Nodes: result})
}

// handleDirectoryDelta is the leader-side entry point for a delta pushed by
// a non-leader primary: propose it through Raft.
func (c *Coordinator) handleDirectoryDelta(ctx context.Context, env transport.Envelope) (transport.Envelope, error) {
	var req transport.DirectoryDeltaMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	if !c.raft.IsLeader() {
		return transport.Envelope{}, fmt.Errorf("coordinator: not leader, cannot accept directory delta")
	}
	delta := directory.Delta{Add: req.Add, Term: req.Term, NodeID: req.NodeID}
	if _, err := c.raft.AppendCommand(ctx, delta.Encode()); err != nil {
		return transport.Envelope{}, err
	}
	return transport.NewEnvelope(transport.KindDirectoryDelta, c.cfg.Self, transport.ReplicateAckMsg{OK: true})
}

func (c *Coordinator) handleCacheInvalidate(env transport.Envelope) (transport.Envelope, error) {
	var req transport.CacheInvalidateMsg
	if err := env.Decode(&req); err != nil {
		return transport.Envelope{}, err
	}
	c.dirCache.Invalidate(req.Term)
	return transport.NewEnvelope(transport.KindCacheInvalidate, c.cfg.Self, transport.ReplicateAckMsg{OK: true})
}
