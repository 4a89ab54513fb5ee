package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrisearch/distrisearch/internal/types"
)

// fakePersister is an in-memory Persister for tests, replacing raft.json.
type fakePersister struct {
	mu       sync.Mutex
	term     int64
	votedFor types.NodeID
	hasVote  bool
	log      []LogEntry
}

func newFakePersister() *fakePersister { return &fakePersister{} }

func (p *fakePersister) LoadTerm() (int64, types.NodeID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term, p.votedFor, p.hasVote
}

func (p *fakePersister) SaveTerm(term int64, votedFor types.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.term = term
	p.votedFor = votedFor
	p.hasVote = votedFor != ""
	return nil
}

func (p *fakePersister) LoadLog() []LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LogEntry{}, p.log...)
}

func (p *fakePersister) SaveLog(entries []LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append([]LogEntry{}, entries...)
	return nil
}

// hub wires a set of in-process Nodes together, routing RequestVote/
// AppendEntries calls directly into each target Node's Handle* methods,
// standing in for the transport.Bus/grpc layer in unit tests.
type hub struct {
	mu    sync.Mutex
	nodes map[types.NodeID]*Node
	down  map[types.NodeID]bool
}

func newHub() *hub {
	return &hub{nodes: make(map[types.NodeID]*Node), down: make(map[types.NodeID]bool)}
}

func (h *hub) register(id types.NodeID, n *Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[id] = n
}

func (h *hub) setDown(id types.NodeID, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[id] = down
}

type hubTransport struct {
	hub *hub
}

func (t *hubTransport) RequestVote(_ context.Context, peer types.NodeID, req VoteRequest) (VoteReply, error) {
	t.hub.mu.Lock()
	n, ok := t.hub.nodes[peer]
	down := t.hub.down[peer]
	t.hub.mu.Unlock()
	if !ok || down {
		return VoteReply{}, errors.New("peer unreachable")
	}
	return n.HandleVote(req), nil
}

func (t *hubTransport) AppendEntries(_ context.Context, peer types.NodeID, req AppendRequest) (AppendReply, error) {
	t.hub.mu.Lock()
	n, ok := t.hub.nodes[peer]
	down := t.hub.down[peer]
	t.hub.mu.Unlock()
	if !ok || down {
		return AppendReply{}, errors.New("peer unreachable")
	}
	return n.HandleAppend(req), nil
}

// newCluster builds a fully-connected in-process cluster of len(ids) nodes
// sharing one hub, each with its own fake persister.
func newCluster(ids []types.NodeID) (*hub, map[types.NodeID]*Node) {
	h := newHub()
	nodes := make(map[types.NodeID]*Node, len(ids))
	for _, id := range ids {
		n := New(id, ids, DefaultConfig(), &hubTransport{hub: h}, newFakePersister())
		h.register(id, n)
		nodes[id] = n
	}
	return h, nodes
}

func TestDoElectionSucceedsWithMajority(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3"}
	_, nodes := newCluster(ids)

	won := nodes["n1"].doElection(context.Background())
	assert.True(t, won)
	assert.True(t, nodes["n1"].IsLeader())
	assert.Equal(t, Leader, nodes["n1"].Status().Role)
}

func TestDoElectionFailsWithoutMajority(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3", "n4", "n5"}
	h, nodes := newCluster(ids)
	h.setDown("n2", true)
	h.setDown("n3", true)
	h.setDown("n4", true)

	won := nodes["n1"].doElection(context.Background())
	assert.False(t, won)
	assert.False(t, nodes["n1"].IsLeader())
}

func TestAppendCommandReplicatesAndApplies(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3"}
	_, nodes := newCluster(ids)

	var mu sync.Mutex
	applied := map[types.NodeID][][]byte{}
	for id, n := range nodes {
		id, n := id, n
		n.OnApply(func(_ int64, command []byte) {
			mu.Lock()
			applied[id] = append(applied[id], command)
			mu.Unlock()
		})
	}

	require.True(t, nodes["n1"].doElection(context.Background()))

	idx, err := nodes["n1"].AppendCommand(context.Background(), []byte("delta-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)

	// Followers only learn the advanced commit index on the leader's next
	// heartbeat; send one so they apply too, as RunHeartbeat would.
	require.NoError(t, nodes["n1"].SendAppend(context.Background(), 0))

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		require.Len(t, applied[id], 1, "node %s should have applied the committed entry", id)
		assert.Equal(t, []byte("delta-1"), applied[id][0])
	}
}

func TestAppendCommandFailsWhenNotLeader(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3"}
	_, nodes := newCluster(ids)

	_, err := nodes["n2"].AppendCommand(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestCommitIndexAdvancesOnlyWithMajority(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3", "n4", "n5"}
	h, nodes := newCluster(ids)
	require.True(t, nodes["n1"].doElection(context.Background()))

	// Two of four followers unreachable: 3/5 nodes (including self) still a
	// majority, so the append should still succeed.
	h.setDown("n4", true)
	h.setDown("n5", true)

	_, err := nodes["n1"].AppendCommand(context.Background(), []byte("ok"))
	require.NoError(t, err)

	// Now only self + one follower reachable: below majority.
	h.setDown("n3", true)
	_, err = nodes["n1"].AppendCommand(context.Background(), []byte("fails"))
	assert.Error(t, err)
}

func TestHandleVoteRejectsStaleTerm(t *testing.T) {
	ids := []types.NodeID{"n1", "n2"}
	_, nodes := newCluster(ids)
	n2 := nodes["n2"]
	_ = n2.setTerm(5, "")

	reply := n2.HandleVote(VoteRequest{Term: 3, Candidate: "n1", LastLogIndex: -1, LastLogTerm: 0})
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, int64(5), reply.Term)
}

func TestHandleVoteRejectsUnknownCandidate(t *testing.T) {
	ids := []types.NodeID{"n1", "n2"}
	_, nodes := newCluster(ids)
	n2 := nodes["n2"]

	reply := n2.HandleVote(VoteRequest{Term: 1, Candidate: "ghost", LastLogIndex: -1, LastLogTerm: 0})
	assert.False(t, reply.VoteGranted)
}

func TestHandleVoteGrantsOncePerTerm(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3"}
	_, nodes := newCluster(ids)
	n2 := nodes["n2"]

	first := n2.HandleVote(VoteRequest{Term: 1, Candidate: "n1", LastLogIndex: -1, LastLogTerm: 0})
	assert.True(t, first.VoteGranted)

	second := n2.HandleVote(VoteRequest{Term: 1, Candidate: "n3", LastLogIndex: -1, LastLogTerm: 0})
	assert.False(t, second.VoteGranted, "must not grant a second vote in the same term to a different candidate")
}

func TestHandleAppendRejectsStaleTerm(t *testing.T) {
	ids := []types.NodeID{"n1", "n2"}
	_, nodes := newCluster(ids)
	n2 := nodes["n2"]
	_ = n2.setTerm(5, "")

	reply := n2.HandleAppend(AppendRequest{Term: 2, Leader: "n1", PrevLogIndex: -1})
	assert.False(t, reply.Success)
	assert.Equal(t, int64(5), reply.Term)
}

func TestHandleAppendRejectsOnPrevLogMismatch(t *testing.T) {
	ids := []types.NodeID{"n1", "n2"}
	_, nodes := newCluster(ids)
	n2 := nodes["n2"]

	reply := n2.HandleAppend(AppendRequest{Term: 1, Leader: "n1", PrevLogIndex: 3, PrevLogTerm: 1})
	assert.False(t, reply.Success, "prevLogIndex beyond the follower's log must fail")
}

func TestHandleAppendAcceptsAndSetsLeader(t *testing.T) {
	ids := []types.NodeID{"n1", "n2"}
	_, nodes := newCluster(ids)
	n2 := nodes["n2"]

	reply := n2.HandleAppend(AppendRequest{
		Term:         1,
		Leader:       "n1",
		PrevLogIndex: -1,
		Entries:      []LogEntry{{Term: 1, Index: 0, Command: []byte("x")}},
		LeaderCommit: -1,
	})
	assert.True(t, reply.Success)
	leader, has := n2.LeaderID()
	assert.True(t, has)
	assert.Equal(t, types.NodeID("n1"), leader)
	assert.Equal(t, Follower, n2.Status().Role)
}

func TestReconcileLogsTruncatesConflictingSuffix(t *testing.T) {
	existing := []LogEntry{
		{Term: 1, Index: 0, Command: []byte("a")},
		{Term: 1, Index: 1, Command: []byte("b")},
		{Term: 2, Index: 2, Command: []byte("stale")},
	}
	req := AppendRequest{
		PrevLogIndex: 0,
		PrevLogTerm:  1,
		Entries: []LogEntry{
			{Term: 1, Index: 1, Command: []byte("b")},
			{Term: 3, Index: 2, Command: []byte("fresh")},
		},
	}
	merged := reconcileLogs(existing, req)
	require.Len(t, merged, 3)
	assert.Equal(t, []byte("fresh"), merged[2].Command)
	assert.Equal(t, int64(3), merged[2].Term)
}

func TestReconcileLogsAppendsWithoutConflict(t *testing.T) {
	existing := []LogEntry{{Term: 1, Index: 0, Command: []byte("a")}}
	req := AppendRequest{
		PrevLogIndex: 0,
		PrevLogTerm:  1,
		Entries:      []LogEntry{{Term: 1, Index: 1, Command: []byte("b")}},
	}
	merged := reconcileLogs(existing, req)
	require.Len(t, merged, 2)
	assert.Equal(t, []byte("b"), merged[1].Command)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ids := []types.NodeID{"n1", "n2", "n3"}
	_, nodes := newCluster(ids)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		nodes["n1"].Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
