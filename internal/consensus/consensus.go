// Package consensus implements the Raft state machine described in spec
// §4.3: leader election, heartbeat-driven log replication, and commit.
// It is adapted from the teacher repo's internal/node/node.go almost
// statement-for-statement, generalized to replicate an opaque command log
// (here: term-directory deltas) instead of a fixed SET/DEL key-value log,
// and to transport votes/appends through the cluster's single Envelope bus
// instead of a dedicated protobuf/grpc service.
//
// Consensus never references the coordinator directly: it exposes an Apply
// callback the coordinator registers at construction time, matching the
// "coordinator subscribes to Raft's apply(command) callback" design note
// in spec §9.
package consensus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/distrisearch/distrisearch/internal/types"
)

// Role is the node's current position in the Raft state machine.
type Role string

const (
	Follower  Role = "follower"
	Candidate Role = "candidate"
	Leader    Role = "leader"
)

var (
	// ErrNotLeader indicates a write (AppendCommand) was attempted on a
	// node that is not currently the leader.
	ErrNotLeader = errors.New("consensus: not leader")

	// ErrExpiredTerm indicates an append-entries send was attempted for a
	// term this node has since moved past.
	ErrExpiredTerm = errors.New("consensus: append request for expired term")

	// ErrAppendFailed indicates a log append could not reach a quorum of
	// followers within the retry budget.
	ErrAppendFailed = errors.New("consensus: failed to append to a majority of nodes")

	// ErrCommitFailed indicates the leader's commit index did not advance
	// to cover a just-appended record.
	ErrCommitFailed = errors.New("consensus: record failed to commit")
)

// LogEntry is one record in the replicated log. Command is opaque to
// consensus; the coordinator's Apply callback interprets it.
type LogEntry struct {
	Term    int64
	Index   int64
	Command []byte
}

// Transport is the narrow slice of cross-node RPC consensus needs. The
// coordinator supplies an implementation backed by transport.Bus; consensus
// itself has no notion of grpc, json, or envelopes.
type Transport interface {
	RequestVote(ctx context.Context, peer types.NodeID, req VoteRequest) (VoteReply, error)
	AppendEntries(ctx context.Context, peer types.NodeID, req AppendRequest) (AppendReply, error)
}

// VoteRequest mirrors spec §4.3's RequestVote(term, lastLogIndex, lastLogTerm).
type VoteRequest struct {
	Term         int64
	Candidate    types.NodeID
	LastLogIndex int64
	LastLogTerm  int64
}

// VoteReply mirrors RequestVote's reply.
type VoteReply struct {
	Term        int64
	VoteGranted bool
	Voter       types.NodeID
}

// AppendRequest mirrors spec §4.3's AppendEntries(...).
type AppendRequest struct {
	Term         int64
	Leader       types.NodeID
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []LogEntry
	LeaderCommit int64
}

// AppendReply mirrors AppendEntries's reply.
type AppendReply struct {
	Term    int64
	Success bool
}

// Persister loads and saves the non-volatile Raft state (current term,
// voted-for, log) per spec §6's raft.json snapshot.
type Persister interface {
	LoadTerm() (term int64, votedFor types.NodeID, ok bool)
	SaveTerm(term int64, votedFor types.NodeID) error
	LoadLog() []LogEntry
	SaveLog(log []LogEntry) error
}

// Config bounds the election/heartbeat timers per spec §4.3.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// DefaultConfig returns the spec's baseline 150-300ms election / ~50ms
// heartbeat profile.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// followerState tracks per-peer replication progress, the same bookkeeping
// the teacher's ForeignNode carries (NextIndex/MatchIndex/Available).
type followerState struct {
	nextIndex  int64
	matchIndex int64
	available  bool
}

// Node is one member's Raft state machine.
type Node struct {
	mu sync.Mutex

	self    types.NodeID
	members []types.NodeID
	cfg     Config
	trans   Transport
	persist Persister

	role        Role
	term        int64
	votedFor    types.NodeID
	hasVoted    bool
	log         []LogEntry
	commitIndex int64
	lastApplied int64
	allowVote   bool
	leader      types.NodeID
	hasLeader   bool

	followers map[types.NodeID]*followerState

	resetCh chan struct{}
	applyFn func(index int64, command []byte)

	rng *rand.Rand
}

// New constructs a Node from persisted state, following the teacher's
// NewNode: load term/log from disk, start as Follower, seed follower
// bookkeeping for every other member.
func New(self types.NodeID, members []types.NodeID, cfg Config, trans Transport, persist Persister) *Node {
	term, votedFor, hadVote := persist.LoadTerm()
	logEntries := persist.LoadLog()

	followers := make(map[types.NodeID]*followerState, len(members))
	for _, m := range members {
		if m == self {
			continue
		}
		followers[m] = &followerState{nextIndex: 0, matchIndex: -1, available: true}
	}

	n := &Node{
		self:        self,
		members:     members,
		cfg:         cfg,
		trans:       trans,
		persist:     persist,
		role:        Follower,
		term:        term,
		votedFor:    votedFor,
		hasVoted:    hadVote,
		log:         logEntries,
		commitIndex: -1,
		lastApplied: -1,
		allowVote:   true,
		followers:   followers,
		resetCh:     make(chan struct{}, 1),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return n
}

// OnApply registers the callback invoked, in log order, for every entry
// that becomes committed. The coordinator uses this to fold directory
// deltas into its term directory.
func (n *Node) OnApply(fn func(index int64, command []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.applyFn = fn
}

// Status is a point-in-time snapshot of this node's Raft state, for the
// coordinator's Status() operation (spec §6).
type Status struct {
	Role        Role
	Term        int64
	LeaderID    types.NodeID
	HasLeader   bool
	CommitIndex int64
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		Role:        n.role,
		Term:        n.term,
		LeaderID:    n.leader,
		HasLeader:   n.hasLeader,
		CommitIndex: n.commitIndex,
	}
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderID returns the last-known leader, if any.
func (n *Node) LeaderID() (types.NodeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader, n.hasLeader
}

func (n *Node) electionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)))
}

// resetElectionTimer forces Follower role and pings the election loop's
// reset channel, mirroring the teacher's resetElectionTimer.
func (n *Node) resetElectionTimer() {
	n.role = Follower
	select {
	case n.resetCh <- struct{}{}:
	default:
	}
}

func (n *Node) setTerm(term int64, votedFor types.NodeID) error {
	n.term = term
	n.votedFor = votedFor
	n.hasVoted = votedFor != ""
	return n.persist.SaveTerm(term, votedFor)
}

func (n *Node) setLog(entries []LogEntry) error {
	if err := n.persist.SaveLog(entries); err != nil {
		return err
	}
	n.log = entries
	return nil
}

// Run starts the election timer loop and blocks until ctx is cancelled. It
// should be launched in its own goroutine by the coordinator.
func (n *Node) Run(ctx context.Context) {
	timer := time.NewTimer(n.electionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.electionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != Leader {
				n.doElection(ctx)
			}
			timer.Reset(n.electionTimeout())
		}
	}
}

// RunHeartbeat starts the leader's heartbeat ticker; a no-op while this
// node is not leader. Run alongside Run in its own goroutine.
func (n *Node) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.IsLeader() {
				_ = n.SendAppend(ctx, 3)
			}
		}
	}
}

// doElection implements spec §4.3's election procedure, following the
// teacher's DoElection: increment term, vote for self, request votes from
// every peer in parallel, become leader on majority.
func (n *Node) doElection(ctx context.Context) bool {
	n.mu.Lock()
	_ = n.setTerm(n.term+1, n.self)
	currentTerm := n.term
	numNodes := len(n.followers) + 1
	majority := numNodes/2 + 1
	lastLogIndex := int64(len(n.log)) - 1
	var lastLogTerm int64
	if lastLogIndex >= 0 {
		lastLogTerm = n.log[lastLogIndex].Term
	}
	peers := make([]types.NodeID, 0, len(n.followers))
	for id := range n.followers {
		peers = append(peers, id)
	}
	n.mu.Unlock()

	log.Info().Int64("term", currentTerm).Int("cluster_size", numNodes).Int("needed", majority).Msg("becoming candidate")

	numVotes := 1
	maxTermSeen := currentTerm
	var maxTermSource types.NodeID
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(peers))

	for _, p := range peers {
		go func(p types.NodeID) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			reply, err := n.trans.RequestVote(cctx, p, VoteRequest{
				Term:         currentTerm,
				Candidate:    n.self,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			})
			n.mu.Lock()
			if fs, ok := n.followers[p]; ok {
				fs.available = err == nil
			}
			n.mu.Unlock()
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.VoteGranted {
				numVotes++
			} else if reply.Term > maxTermSeen {
				maxTermSeen = reply.Term
				maxTermSource = reply.Voter
			}
		}(p)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()

	if numVotes < majority {
		log.Info().Int("needed", majority).Int("got", numVotes).Int64("term", currentTerm).Msg("election failed")
		if maxTermSeen > n.term {
			_ = n.setTerm(maxTermSeen, maxTermSource)
		}
		return false
	}

	log.Info().Int("needed", majority).Int("got", numVotes).Int64("term", currentTerm).Msg("election succeeded")
	n.role = Leader
	n.leader = n.self
	n.hasLeader = true
	n.allowVote = false
	for _, fs := range n.followers {
		fs.matchIndex = -1
		fs.nextIndex = int64(len(n.log))
	}
	return true
}

// AppendCommand appends command to the log (as leader) and blocks until it
// is committed to a quorum, or returns an error. This is the single entry
// point the coordinator uses to submit term-directory deltas.
func (n *Node) AppendCommand(ctx context.Context, command []byte) (int64, error) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	entry := LogEntry{Term: n.term, Index: int64(len(n.log)), Command: command}
	newLog := append(append([]LogEntry{}, n.log...), entry)
	if err := n.setLog(newLog); err != nil {
		n.mu.Unlock()
		return 0, err
	}
	idx := entry.Index
	n.mu.Unlock()

	if err := n.SendAppend(ctx, 3); err != nil {
		return 0, err
	}

	n.mu.Lock()
	committed := n.commitIndex >= idx
	n.mu.Unlock()
	if !committed {
		return 0, ErrCommitFailed
	}
	return idx, nil
}

// SendAppend fans out AppendEntries to every follower and advances the
// commit index on quorum success, following the teacher's SendAppend/
// requestAppend pair (including its "decrement nextIndex and retry on
// mismatch" log-matching repair).
func (n *Node) SendAppend(ctx context.Context, retriesRemaining int) error {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	term := n.term
	numNodes := len(n.followers) + 1
	majority := numNodes/2 + 1
	peers := make([]types.NodeID, 0, len(n.followers))
	for id := range n.followers {
		peers = append(peers, id)
	}
	n.mu.Unlock()

	var mu sync.Mutex
	numAppended := 1
	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, p := range peers {
		go func(p types.NodeID) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
			if err := n.requestAppend(cctx, p, term); err != nil {
				log.Debug().Err(err).Str("peer", string(p)).Int64("term", term).Msg("append request failed")
				return
			}
			mu.Lock()
			numAppended++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	if numAppended >= majority {
		n.commitRecords()
		return nil
	}
	if retriesRemaining > 0 {
		return n.SendAppend(ctx, retriesRemaining-1)
	}
	return ErrAppendFailed
}

func (n *Node) requestAppend(ctx context.Context, peer types.NodeID, term int64) error {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if term != n.term {
		n.mu.Unlock()
		return ErrExpiredTerm
	}
	fs := n.followers[peer]
	prevLogIndex := fs.matchIndex
	idx := int64(len(n.log))
	var prevLogTerm int64
	if prevLogIndex >= 0 && prevLogIndex < int64(len(n.log)) {
		prevLogTerm = n.log[prevLogIndex].Term
	}
	newEntries := append([]LogEntry{}, n.log[prevLogIndex+1:idx]...)
	req := AppendRequest{
		Term:         term,
		Leader:       n.self,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      newEntries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	reply, err := n.trans.AppendEntries(ctx, peer, req)

	n.mu.Lock()
	if err != nil {
		fs.available = false
		n.mu.Unlock()
		return err
	}
	if reply.Success {
		fs.matchIndex = idx - 1
		fs.nextIndex = idx
		fs.available = true
		n.mu.Unlock()
		return nil
	}
	if prevLogIndex > -1 {
		fs.matchIndex--
		n.mu.Unlock()
		return n.requestAppend(ctx, peer, term)
	}
	fs.available = false
	n.mu.Unlock()
	return errors.New("consensus: append range reached, not retrying")
}

// commitRecords advances commitIndex to the highest index replicated to a
// majority and applies newly committed entries, mirroring the teacher's
// commitRecords.
func (n *Node) commitRecords() {
	n.mu.Lock()
	defer n.mu.Unlock()

	numNodes := len(n.followers) + 1
	majority := numNodes/2 + 1
	lastIdx := int64(len(n.log) - 1)

	for lastIdx > n.commitIndex {
		count := 1
		for _, fs := range n.followers {
			if fs.matchIndex >= lastIdx {
				count++
			}
		}
		if count >= majority {
			n.commitIndex = lastIdx
			break
		}
		lastIdx--
	}

	n.applyCommitted()
}

func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry := n.log[n.lastApplied]
		if n.applyFn != nil {
			n.applyFn(entry.Index, entry.Command)
		}
	}
}

func (n *Node) candidateLogUpToDate(cLogIndex, cLogTerm int64) bool {
	if cLogIndex == -1 && n.commitIndex == -1 {
		return true
	}
	if cLogIndex > n.commitIndex {
		return true
	}
	if cLogIndex == n.commitIndex && cLogIndex >= 0 && cLogIndex < int64(len(n.log)) {
		return cLogTerm == n.log[cLogIndex].Term
	}
	return false
}

// HandleVote answers a RequestVote RPC, mirroring the teacher's HandleVote.
func (n *Node) HandleVote(req VoteRequest) VoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	var granted bool
	switch {
	case req.Term < n.term:
		granted = false
	case req.Term == n.term:
		granted = false
		if n.role == Leader {
			_ = n.setTerm(n.term+1, n.self)
		}
	case !n.isKnownMember(req.Candidate):
		granted = false
	case !n.candidateLogUpToDate(req.LastLogIndex, req.LastLogTerm):
		granted = false
	case !n.allowVote:
		granted = false
	default:
		granted = true
		n.resetElectionTimer()
		_ = n.setTerm(req.Term, req.Candidate)
	}

	return VoteReply{Term: n.term, VoteGranted: granted, Voter: n.self}
}

func (n *Node) isKnownMember(id types.NodeID) bool {
	if id == n.self {
		return true
	}
	_, ok := n.followers[id]
	return ok
}

func (n *Node) validateAppend(term int64, leaderID types.NodeID) bool {
	if term < n.term {
		return false
	}
	if term == n.term && n.hasVoted && leaderID != n.votedFor {
		return false
	}
	n.resetElectionTimer()
	return true
}

func (n *Node) checkPrevious(prevIndex, prevTerm int64) bool {
	if prevIndex < 0 {
		return true
	}
	if prevIndex >= int64(len(n.log)) {
		return false
	}
	return n.log[prevIndex].Term == prevTerm
}

// reconcileLogs deletes any conflicting suffix and appends new entries,
// mirroring the teacher's reconcileLogs / the Raft log-matching property.
func reconcileLogs(existing []LogEntry, req AppendRequest) []LogEntry {
	mismatch := int64(-1)
	if req.PrevLogIndex < int64(len(existing)-1) {
		overlap := existing[req.PrevLogIndex+1:]
		for i, rec := range overlap {
			if i >= len(req.Entries) {
				mismatch = req.PrevLogIndex + int64(i) + 1
				break
			}
			if rec.Term != req.Entries[i].Term {
				mismatch = req.PrevLogIndex + 1 + int64(i)
				break
			}
		}
	}
	if mismatch >= 0 {
		existing = existing[:mismatch]
	}
	offset := int64(len(existing)-1) - req.PrevLogIndex
	if offset < 0 {
		offset = 0
	}
	if offset > int64(len(req.Entries)) {
		offset = int64(len(req.Entries))
	}
	return append(append([]LogEntry{}, existing...), req.Entries[offset:]...)
}

// HandleAppend answers an AppendEntries RPC, mirroring the teacher's
// HandleAppend.
func (n *Node) HandleAppend(req AppendRequest) AppendReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	valid := n.validateAppend(req.Term, req.Leader)
	matched := valid && n.checkPrevious(req.PrevLogIndex, req.PrevLogTerm)

	success := valid && matched
	if success {
		if len(req.Entries) > 0 {
			merged := reconcileLogs(n.log, req)
			_ = n.setLog(merged)
		}
		n.applyCommittedFrom(req.LeaderCommit)
	}
	if valid {
		if req.Term > n.term {
			_ = n.setTerm(req.Term, req.Leader)
		}
		n.leader = req.Leader
		n.hasLeader = true
		n.role = Follower
	}
	return AppendReply{Term: n.term, Success: success}
}

func (n *Node) applyCommittedFrom(leaderCommit int64) {
	if leaderCommit <= n.commitIndex {
		return
	}
	last := int64(len(n.log))
	if leaderCommit > last {
		leaderCommit = last
	}
	n.commitIndex = leaderCommit
	n.applyCommitted()
}
