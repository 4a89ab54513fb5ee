package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/distrisearch/distrisearch/internal/consensus"
	"github.com/distrisearch/distrisearch/internal/directory"
	"github.com/distrisearch/distrisearch/internal/index"
	"github.com/distrisearch/distrisearch/internal/query"
	"github.com/distrisearch/distrisearch/internal/store"
	"github.com/distrisearch/distrisearch/internal/transport"
	"github.com/distrisearch/distrisearch/internal/types"
)

// raftTransport implements consensus.Transport over the coordinator's
// transport.Bus, translating typed vote/append requests into Envelopes and
// back. consensus itself never imports transport.
type raftTransport struct {
	c *Coordinator
}

func (t *raftTransport) RequestVote(ctx context.Context, peer types.NodeID, req consensus.VoteRequest) (consensus.VoteReply, error) {
	env, err := transport.NewEnvelope(transport.KindRequestVote, t.c.cfg.Self, transport.VoteRequestMsg{
		Term: req.Term, Candidate: req.Candidate, LastLogIndex: req.LastLogIndex, LastLogTerm: req.LastLogTerm,
	})
	if err != nil {
		return consensus.VoteReply{}, err
	}
	reply, err := t.c.bus.Send(ctx, peer, env)
	if err != nil {
		return consensus.VoteReply{}, err
	}
	var out transport.VoteReplyMsg
	if err := reply.Decode(&out); err != nil {
		return consensus.VoteReply{}, err
	}
	return consensus.VoteReply{Term: out.Term, VoteGranted: out.VoteGranted, Voter: out.Voter}, nil
}

func (t *raftTransport) AppendEntries(ctx context.Context, peer types.NodeID, req consensus.AppendRequest) (consensus.AppendReply, error) {
	entries := make([]transport.LogEntryMsg, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = transport.LogEntryMsg{Term: e.Term, Index: e.Index, Command: e.Command}
	}
	env, err := transport.NewEnvelope(transport.KindAppendEntries, t.c.cfg.Self, transport.AppendRequestMsg{
		Term: req.Term, Leader: req.Leader, PrevLogIndex: req.PrevLogIndex, PrevLogTerm: req.PrevLogTerm,
		Entries: entries, LeaderCommit: req.LeaderCommit,
	})
	if err != nil {
		return consensus.AppendReply{}, err
	}
	reply, err := t.c.bus.Send(ctx, peer, env)
	if err != nil {
		return consensus.AppendReply{}, err
	}
	var out transport.AppendReplyMsg
	if err := reply.Decode(&out); err != nil {
		return consensus.AppendReply{}, err
	}
	return consensus.AppendReply{Term: out.Term, Success: out.Success}, nil
}

// localIndexAdapter implements replication.LocalIndexer by composing the
// tokenizer, local index, and document store: a tentative write means
// tokenizing, indexing, and storing the document together.
type localIndexAdapter struct {
	c *Coordinator
}

func (a *localIndexAdapter) IndexDoc(docID types.DocID, content string, metadata map[string]string) []string {
	terms := a.c.tok.Tokenize(content)
	a.c.idx.Add(docID, terms)
	a.c.store.Put(&store.Document{ID: docID, Content: content, Metadata: metadata, CreatedAt: time.Now()})
	uniq := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := uniq[t]; ok {
			continue
		}
		uniq[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (a *localIndexAdapter) RemoveDoc(docID types.DocID) {
	a.c.idx.Remove(docID)
	a.c.store.Delete(docID)
}

// Lock delegates to the document store's striped write lock, so a tentative
// write's whole index-then-replicate critical section serializes against
// concurrent Store.Put/Delete for the same docID.
func (a *localIndexAdapter) Lock(docID types.DocID) func() {
	return a.c.store.Lock(docID)
}

// replicaClientAdapter implements replication.ReplicaClient over the
// transport bus.
type replicaClientAdapter struct {
	c *Coordinator
}

func (a *replicaClientAdapter) ReplicateDoc(ctx context.Context, target types.NodeID, docID types.DocID, content string, metadata map[string]string) error {
	env, err := transport.NewEnvelope(transport.KindReplicateDoc, a.c.cfg.Self, transport.ReplicateDocMsg{
		DocID: docID, Content: content, Metadata: metadata,
	})
	if err != nil {
		return err
	}
	reply, err := a.c.bus.Send(ctx, target, env)
	if err != nil {
		return err
	}
	var out transport.ReplicateAckMsg
	if err := reply.Decode(&out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("coordinator: replica %s rejected document %s", target, docID)
	}
	return nil
}

func (a *replicaClientAdapter) RollbackDoc(ctx context.Context, target types.NodeID, docID types.DocID) error {
	env, err := transport.NewEnvelope(transport.KindRollbackDoc, a.c.cfg.Self, transport.RollbackDocMsg{DocID: docID})
	if err != nil {
		return err
	}
	_, err = a.c.bus.Send(ctx, target, env)
	return err
}

func (a *replicaClientAdapter) ForwardAdd(ctx context.Context, target types.NodeID, docID types.DocID, content string, metadata map[string]string) error {
	env, err := transport.NewEnvelope(transport.KindForwardAdd, a.c.cfg.Self, transport.ForwardAddMsg{
		DocID: docID, Content: content, Metadata: metadata,
	})
	if err != nil {
		return err
	}
	reply, err := a.c.bus.Send(ctx, target, env)
	if err != nil {
		return err
	}
	var out transport.ForwardAddReplyMsg
	if err := reply.Decode(&out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("coordinator: forwarded add rejected: %s", out.Error)
	}
	return nil
}

// directoryPusherAdapter implements replication.DirectoryPusher: submit a
// delta to the current Raft leader (self, if we are the leader, otherwise
// forward the delta command over the bus as a pre-committed DirectoryDelta
// message for the leader to re-propose).
type directoryPusherAdapter struct {
	c *Coordinator
}

func (a *directoryPusherAdapter) PushDelta(ctx context.Context, add bool, term string, node types.NodeID) error {
	delta := directory.Delta{Add: add, Term: term, NodeID: node}

	if a.c.raft.IsLeader() {
		_, err := a.c.raft.AppendCommand(ctx, delta.Encode())
		return err
	}

	leader, err := a.c.waitForLeader(ctx)
	if err != nil {
		return err
	}
	env, err := transport.NewEnvelope(transport.KindDirectoryDelta, a.c.cfg.Self, transport.DirectoryDeltaMsg{
		Add: add, Term: term, NodeID: node,
	})
	if err != nil {
		return err
	}
	_, err = a.c.bus.Send(ctx, leader, env)
	return err
}

// localSearchAdapter implements query.LocalSearcher over this node's index.
type localSearchAdapter struct {
	c *Coordinator
}

func (a *localSearchAdapter) SearchAll(terms []string) []types.DocID {
	return a.c.idx.SearchAll(terms)
}

func (a *localSearchAdapter) Rank(docIDs []types.DocID, terms []string) []index.Result {
	return a.c.idx.Rank(docIDs, terms)
}

// resolverAdapter implements query.Resolver: check the local TTL cache
// first, falling back to a DirectoryLookup RPC against the current leader
// (spec §4.5's pull flow), then populate the cache with the result.
type resolverAdapter struct {
	c *Coordinator
}

func (a *resolverAdapter) Resolve(ctx context.Context, terms []string) (map[string][]types.NodeID, error) {
	out := make(map[string][]types.NodeID, len(terms))
	var uncached []string
	for _, term := range terms {
		if nodes, ok := a.c.dirCache.Get(term); ok {
			out[term] = nodes
			continue
		}
		uncached = append(uncached, term)
	}
	if len(uncached) == 0 {
		return out, nil
	}

	if a.c.raft.IsLeader() {
		for _, term := range uncached {
			nodes := a.c.dir.Nodes(term)
			out[term] = nodes
			a.c.dirCache.Put(term, nodes)
		}
		return out, nil
	}

	leader, err := a.c.waitForLeader(ctx)
	if err != nil {
		return out, err
	}
	env, err := transport.NewEnvelope(transport.KindDirectoryLookup, a.c.cfg.Self, transport.DirectoryLookupMsg{Terms: uncached})
	if err != nil {
		return out, err
	}
	reply, err := a.c.bus.Send(ctx, leader, env)
	if err != nil {
		return out, err
	}
	var lookupReply transport.DirectoryLookupReplyMsg
	if err := reply.Decode(&lookupReply); err != nil {
		return out, err
	}
	for term, nodes := range lookupReply.Nodes {
		out[term] = nodes
		a.c.dirCache.Put(term, nodes)
	}
	return out, nil
}

// remoteSearcherAdapter implements query.RemoteSearcher over the transport
// bus.
type remoteSearcherAdapter struct {
	c *Coordinator
}

func (a *remoteSearcherAdapter) SearchLocal(ctx context.Context, target types.NodeID, terms []string, topK int) ([]query.Hit, error) {
	env, err := transport.NewEnvelope(transport.KindSearchLocal, a.c.cfg.Self, transport.SearchLocalMsg{Terms: terms, TopK: topK})
	if err != nil {
		return nil, err
	}
	reply, err := a.c.bus.Send(ctx, target, env)
	if err != nil {
		return nil, err
	}
	var out transport.SearchLocalReplyMsg
	if err := reply.Decode(&out); err != nil {
		return nil, err
	}
	hits := make([]query.Hit, len(out.Hits))
	for i, h := range out.Hits {
		hits[i] = query.Hit{DocID: h.DocID, Score: h.Score}
	}
	return hits, nil
}

// Available delegates to the transport bus's last-observed reachability
// signal, refreshed by the periodic Ping sweep (spec §4.6 step 4).
func (a *remoteSearcherAdapter) Available(target types.NodeID) bool {
	return a.c.bus.Available(target)
}
