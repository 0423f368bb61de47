package server

import (
	"time"

	"jsonvault/internal/pubsub"
	"jsonvault/internal/raft"
)

// A State is a custom type representing the state of a server at any given point: leader, follower, or candidate
type State uint64

// As Golang does not support Enums this is a common pattern for implementing one
const (
	Leader State = iota
	Follower
	Candidate
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	default:
		return "Unknown"
	}
}

const (
	// ServerShutDown event is sent when the server is shutting down. The payload for this event is an empty struct.
	ServerShutDown pubsub.EventType = iota
	// ElectionTimeoutExpired is sent when the ElectionTimeout of the server has expired. The payload is an
	// ElectionTimeoutPayload.
	ElectionTimeoutExpired
	// LeaderElected is sent when the server wins an election. The payload is a LeaderElectedPayload.
	LeaderElected
)

type serverCtx struct {
	ID   raft.NodeID
	Addr raft.ServerAddress
}

// ElectionTimeoutPayload travels with ElectionTimeoutExpired events. Term is the term the server was in when the timer
// fired, so that an election is not started for a term that has already moved on.
type ElectionTimeoutPayload struct {
	Term      uint64
	ExpiredAt time.Time
}

// LeaderElectedPayload travels with LeaderElected events
type LeaderElectedPayload struct {
	ID   raft.NodeID
	Term uint64
}

// ClusterMetrics is a point-in-time view of a Server, safe to hand out to callers
type ClusterMetrics struct {
	NodeID       raft.NodeID `json:"node_id"`
	CurrentTerm  uint64      `json:"current_term"`
	State        State       `json:"-"`
	StateName    string      `json:"state"`
	IsLeader     bool        `json:"is_leader"`
	LeaderID     raft.NodeID `json:"leader_id,omitempty"`
	HasLeader    bool        `json:"has_leader"`
	ClusterSize  int         `json:"cluster_size"`
	LastLogIndex uint64      `json:"last_log_index"`
	CommitIndex  uint64      `json:"commit_index"`
	LastApplied  uint64      `json:"last_applied"`
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommandLatency(time.Duration)   {}
func (noopMetrics) RecordCommandCommitted()              {}
func (noopMetrics) RecordAppendEntries()                 {}
func (noopMetrics) RecordRequestVote()                   {}
func (noopMetrics) RecordHeartbeat()                     {}
func (noopMetrics) RecordElection()                      {}
func (noopMetrics) RecordElectionDuration(time.Duration) {}
