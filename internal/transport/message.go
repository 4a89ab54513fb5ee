// Package transport is the addressed message bus every cross-node RPC in
// the cluster goes through: send(targetNodeID, message) -> reply or error
// (spec §4.7). Messages are a sealed tagged union dispatched by Kind, per
// the redesign note in spec §9 ("model as a sealed tagged union ... dispatch
// by kind") rather than the source's dynamically-typed dictionaries.
package transport

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/distrisearch/distrisearch/internal/types"
)

// MessageKind tags the payload carried by an Envelope.
type MessageKind string

const (
	KindRequestVote    MessageKind = "RequestVote"
	KindAppendEntries  MessageKind = "AppendEntries"
	KindReplicateDoc   MessageKind = "ReplicateDoc"
	KindRollbackDoc    MessageKind = "RollbackDoc"
	KindForwardAdd     MessageKind = "ForwardAdd"
	KindSearchLocal    MessageKind = "SearchLocal"
	KindDirectoryLookup MessageKind = "DirectoryLookup"
	KindDirectoryDelta MessageKind = "DirectoryDelta"
	KindCacheInvalidate MessageKind = "CacheInvalidate"
	KindPing           MessageKind = "Ping"
)

// Envelope is the single wire type every RPC in the cluster uses. Payload is
// kept as raw JSON and decoded by the handler once it has dispatched on
// Kind, so adding a new message kind never requires touching the transport
// or grpc plumbing.
type Envelope struct {
	Kind      MessageKind     `json:"kind"`
	From      types.NodeID    `json:"from"`
	RequestID uuid.UUID       `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
	Err       string          `json:"err,omitempty"`
}

// NewEnvelope marshals payload and stamps a fresh request ID.
func NewEnvelope(kind MessageKind, from types.NodeID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:      kind,
		From:      from,
		RequestID: uuid.New(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the envelope's payload into out.
func (e Envelope) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// --- Per-kind payloads ---------------------------------------------------

// VoteRequestMsg mirrors the Raft RequestVote RPC (spec §4.3).
type VoteRequestMsg struct {
	Term         int64        `json:"term"`
	Candidate    types.NodeID `json:"candidate"`
	LastLogIndex int64        `json:"last_log_index"`
	LastLogTerm  int64        `json:"last_log_term"`
}

// VoteReplyMsg mirrors the Raft RequestVote reply.
type VoteReplyMsg struct {
	Term        int64        `json:"term"`
	VoteGranted bool         `json:"vote_granted"`
	Voter       types.NodeID `json:"voter"`
}

// LogEntryMsg is one replicated Raft log record.
type LogEntryMsg struct {
	Term    int64  `json:"term"`
	Index   int64  `json:"index"`
	Command []byte `json:"command"`
}

// AppendRequestMsg mirrors the Raft AppendEntries RPC.
type AppendRequestMsg struct {
	Term         int64        `json:"term"`
	Leader       types.NodeID `json:"leader"`
	PrevLogIndex int64        `json:"prev_log_index"`
	PrevLogTerm  int64        `json:"prev_log_term"`
	Entries      []LogEntryMsg `json:"entries"`
	LeaderCommit int64        `json:"leader_commit"`
}

// AppendReplyMsg mirrors the Raft AppendEntries reply.
type AppendReplyMsg struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

// ReplicateDocMsg carries a document to a secondary replica.
type ReplicateDocMsg struct {
	DocID    types.DocID       `json:"doc_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// ReplicateAckMsg is the secondary's response to ReplicateDoc.
type ReplicateAckMsg struct {
	OK bool `json:"ok"`
}

// RollbackDocMsg asks a replica to discard a tentatively-written document.
type RollbackDocMsg struct {
	DocID types.DocID `json:"doc_id"`
}

// ForwardAddMsg is a client write forwarded from a non-replica node to the
// primary.
type ForwardAddMsg struct {
	DocID    types.DocID       `json:"doc_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// ForwardAddReplyMsg is the primary's response to a forwarded write.
type ForwardAddReplyMsg struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SearchLocalMsg asks a node to run an AND-semantics search against its
// local index.
type SearchLocalMsg struct {
	Terms []string `json:"terms"`
	TopK  int      `json:"top_k"`
}

// SearchHitMsg is one result from a SearchLocal call.
type SearchHitMsg struct {
	DocID types.DocID `json:"doc_id"`
	Score float64     `json:"score"`
}

// SearchLocalReplyMsg is the full response to a SearchLocal call.
type SearchLocalReplyMsg struct {
	Hits []SearchHitMsg `json:"hits"`
}

// DirectoryLookupMsg asks the leader which nodes index a set of terms.
type DirectoryLookupMsg struct {
	Terms []string `json:"terms"`
}

// DirectoryLookupReplyMsg maps each requested term to the nodes indexing it.
type DirectoryLookupReplyMsg struct {
	Nodes map[string][]types.NodeID `json:"nodes"`
}

// DirectoryDeltaMsg is a single term-directory mutation, submitted by a
// primary after a successful write and applied through the Raft log.
type DirectoryDeltaMsg struct {
	Add    bool         `json:"add"`
	Term   string       `json:"term"`
	NodeID types.NodeID `json:"node_id"`
}

// CacheInvalidateMsg asks a node to drop its cached lookup for Term.
type CacheInvalidateMsg struct {
	Term string `json:"term"`
}

// PingMsg is an empty liveness probe.
type PingMsg struct{}
