package server

import (
	"context"
	"sync"
	"time"

	"jsonvault/internal/raft"
)

// serverState is container for different state variables as defined in Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). Every field is guarded by mu, which is the single synchronization
// boundary of a Server: RPC handlers, timers, replication jobs and the applier all go through it. Network calls are
// never made while holding it.
type serverState struct {
	// Protects all fields below
	mu sync.RWMutex

	// The state of the server as per Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf). When a server
	// initially starts it is a Follower as per Section 5.2 from the paper.
	state State
	// The latest term server has seen. It is a [logical clock](https://dl.acm.org/doi/pdf/10.1145/359545.359563) used
	// by servers to detect obsolete info, such as stale leaders. It is initialized to 0 on first boot of the cluster,
	// and increases monotonically, as per Section 5.1 from the [Raft paper](https://raft.github.io/raft.pdf)
	currentTerm uint64
	// The ID of the Candidate Server that the current Server has voted for in the currentTerm. It is nil at the
	// beginning of a new term, as no votes are issued.
	votedFor *raft.NodeID

	// Index of highest log entry known to be committed. It never decreases.
	commitIndex uint64
	// Index of highest log entry applied to the state machine, always <= commitIndex
	lastApplied uint64

	// Index and term of the last entry in the log. The log itself lives in storage; these mirror its tail and fall
	// back to the snapshot position once the log has been compacted away.
	lastLogIndex uint64
	lastLogTerm  uint64
	// Position of the latest snapshot. Entries up to snapshotIndex are no longer in the log.
	snapshotIndex uint64
	snapshotTerm  uint64

	// The leader of the currentTerm, if known
	currentLeader *raft.NodeID
	// Last time a valid AppendEntries or InstallSnapshot was received from the leader
	lastLeaderContact time.Time

	// ElectionTimeout is the current election timeout for the server. A new random value is picked every time the
	// timer is reset, as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf). It only makes sense
	// when Server is Follower or Candidate.
	electionTimeout time.Duration
	// When the current election was started, for metrics
	electionStartedAt time.Time
	// votesReceived holds the servers that granted their vote in the current election, including self
	votesReceived map[raft.NodeID]struct{}

	// Leader only. For each follower, the index of the next log entry to send, and the highest index known to be
	// replicated on it. Reinitialized after every election.
	nextIndex  map[raft.NodeID]uint64
	matchIndex map[raft.NodeID]uint64

	// roleCtx is cancelled whenever the server changes role, stopping vote requests and replication jobs
	roleCtx    context.Context
	roleCancel context.CancelFunc

	// Submissions waiting for their entry to be applied, keyed by entry ID
	pending map[string]*pendingCommand

	// started is set once InitializeCluster has run
	started  bool
	shutdown bool
}

func (s *serverState) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *serverState) getCurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

func (s *serverState) getVotedFor() *raft.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.votedFor == nil {
		return nil
	}
	id := *s.votedFor
	return &id
}

func (s *serverState) getElectionTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electionTimeout
}

func (s *serverState) getCommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

func (s *serverState) getLastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *serverState) getLastLog() (index, term uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLogIndex, s.lastLogTerm
}

// newRoleCtxLocked cancels the context of the previous role and derives a fresh one from parent
func (s *serverState) newRoleCtxLocked(parent context.Context) context.Context {
	s.cancelRoleLocked()
	s.roleCtx, s.roleCancel = context.WithCancel(parent)
	return s.roleCtx
}

func (s *serverState) cancelRoleLocked() {
	if s.roleCancel != nil {
		s.roleCancel()
		s.roleCancel = nil
	}
}
