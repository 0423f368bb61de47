// Package rpc holds the messages exchanged between Raft servers, and between clients and servers, together with the
// gRPC service that carries them. The messages follow Figure 2 from the [Raft paper](https://raft.github.io/raft.pdf).
package rpc

import "jsonvault/internal/raft"

// LogEntry is a single entry of the replicated log. An entry with an empty ID and no Command is a no-op appended by a
// new leader at the start of its term.
type LogEntry struct {
	// Index is the 1-based position of the entry in the log
	Index uint64 `json:"index"`
	// Term is the term of the leader that created the entry
	Term uint64 `json:"term"`
	// ID is the dedup id of the client submission that produced the entry
	ID string `json:"id,omitempty"`
	// Command is the opaque state machine command
	Command []byte `json:"command,omitempty"`
}

// IsNoop reports whether the entry carries no state machine command
func (e *LogEntry) IsNoop() bool {
	return e.ID == "" && len(e.Command) == 0
}

type RequestVoteRequest struct {
	Term         uint64      `json:"term"`
	CandidateId  raft.NodeID `json:"candidate_id"`
	LastLogIndex uint64      `json:"last_log_index"`
	LastLogTerm  uint64      `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type AppendEntriesRequest struct {
	Term         uint64      `json:"term"`
	LeaderId     raft.NodeID `json:"leader_id"`
	PrevLogIndex uint64      `json:"prev_log_index"`
	PrevLogTerm  uint64      `json:"prev_log_term"`
	// Entries is empty for heartbeats
	Entries      []*LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64      `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// MatchIndex is the last index known to match the leader on success. On a log-matching failure it is a hint: the
	// highest index the follower could possibly match, which lets the leader skip several decrements at once.
	MatchIndex uint64 `json:"match_index"`
}

type InstallSnapshotRequest struct {
	Term              uint64      `json:"term"`
	LeaderId          raft.NodeID `json:"leader_id"`
	LastIncludedIndex uint64      `json:"last_included_index"`
	LastIncludedTerm  uint64      `json:"last_included_term"`
	Data              []byte      `json:"data"`
}

type InstallSnapshotResponse struct {
	Term uint64 `json:"term"`
}

// ClientCommandRequest carries a state machine command submitted by a client
type ClientCommandRequest struct {
	Command []byte `json:"command"`
}

type ClientCommandResponse struct {
	Success bool `json:"success"`
	// Index of the log entry the command was committed at
	Index uint64 `json:"index,omitempty"`
	// Result is the state machine response for the command
	Result []byte `json:"result,omitempty"`
	// LeaderId and LeaderAddress are set when the server is not the leader but knows who is
	LeaderId      raft.NodeID `json:"leader_id,omitempty"`
	LeaderAddress string      `json:"leader_address,omitempty"`
	Error         string      `json:"error,omitempty"`
}

type StatusRequest struct{}

type StatusResponse struct {
	NodeId       raft.NodeID `json:"node_id"`
	CurrentTerm  uint64      `json:"current_term"`
	State        string      `json:"state"`
	IsLeader     bool        `json:"is_leader"`
	LeaderId     raft.NodeID `json:"leader_id,omitempty"`
	ClusterSize  int         `json:"cluster_size"`
	LastLogIndex uint64      `json:"last_log_index"`
	CommitIndex  uint64      `json:"commit_index"`
	LastApplied  uint64      `json:"last_applied"`
}
