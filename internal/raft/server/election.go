package server

import (
	"context"
	"log"
	"time"

	"jsonvault/internal/pubsub"
	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"
)

// BeginElection starts a new election as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf).
// observedTerm is the term the server was in when its election timeout expired. The election is abandoned when the
// term has moved on since, when the server is the Leader, or when a leader has been heard from within the timeout.
func (s *Server) BeginElection(observedTerm uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown || !s.started || s.state == Leader {
		return
	}
	if s.currentTerm != observedTerm {
		// The term advanced while the expiry event was in flight
		s.resetElectionTimerLocked()
		return
	}
	if s.currentLeader != nil && time.Since(s.lastLeaderContact) < s.electionTimeout {
		s.resetElectionTimerLocked()
		return
	}

	// To begin an election, a follower increments its current term and transitions to candidate state. It then votes
	// for itself. Both are persisted before any RequestVote goes out.
	newTerm := s.currentTerm + 1
	if err := s.log.SetTermAndVote(newTerm, &s.ID); err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] Failed to persist term and vote, not starting election: %v", s.ID, s.currentTerm, err)
		s.resetElectionTimerLocked()
		return
	}

	log.Printf("[SERVER-%s] [TERM-%d] Election timeout expired, starting election for term %d", s.ID, s.currentTerm, newTerm)

	s.state = Candidate
	s.currentTerm = newTerm
	s.votedFor = &s.ID
	s.currentLeader = nil
	s.votesReceived = map[raft.NodeID]struct{}{s.ID: {}}
	s.electionStartedAt = time.Now()
	// A split vote ends with this timer firing again for the new term
	s.resetElectionTimerLocked()
	s.metrics.RecordElection()

	ctx := s.newRoleCtxLocked(s.ctx)

	if s.cluster.IsQuorum(s.votesReceived) {
		s.becomeLeaderLocked()
		return
	}

	req := &rpc.RequestVoteRequest{
		Term:         s.currentTerm,
		CandidateId:  s.ID,
		LastLogIndex: s.lastLogIndex,
		LastLogTerm:  s.lastLogTerm,
	}

	// Issue RequestVote RPCs in parallel to each of the other servers in the cluster
	for _, peer := range s.cluster.Peers(s.ID) {
		s.wg.Add(1)
		go func(peer raft.NodeID) {
			defer s.wg.Done()
			s.requestVote(ctx, peer, req)
		}(peer)
	}
}

// requestVote asks a single peer for its vote and counts the answer if it is still relevant
func (s *Server) requestVote(ctx context.Context, peer raft.NodeID, req *rpc.RequestVoteRequest) {
	resp, err := s.transport.RequestVote(withSender(ctx, s.ID, s.Address, req.Term), peer, req)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[SERVER-%s] [TERM-%d] RequestVote to %s failed: %v", s.ID, req.Term, peer, err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Term > s.currentTerm {
		log.Printf("[SERVER-%s] [TERM-%d] Discovered higher term %d from %s during election", s.ID, s.currentTerm, resp.Term, peer)
		s.stepDownLocked(resp.Term)
		return
	}
	// Stale answer to an election that is already over
	if s.state != Candidate || s.currentTerm != req.Term || ctx.Err() != nil {
		return
	}
	if !resp.VoteGranted {
		return
	}

	s.votesReceived[peer] = struct{}{}
	log.Printf("[SERVER-%s] [TERM-%d] Received vote from %s (%d/%d)", s.ID, s.currentTerm, peer,
		len(s.votesReceived), s.cluster.QuorumSize())

	if s.cluster.IsQuorum(s.votesReceived) {
		s.becomeLeaderLocked()
	}
}

// becomeLeaderLocked turns a Candidate that won its election into the Leader of the current term
func (s *Server) becomeLeaderLocked() {
	log.Printf("[SERVER-%s] [TERM-%d] Won election, becoming leader", s.ID, s.currentTerm)

	id := s.ID
	s.state = Leader
	s.currentLeader = &id
	s.lastLeaderContact = time.Now()
	s.electionTimeoutTimer.Stop()
	ctx := s.newRoleCtxLocked(s.ctx)

	// When a leader first comes to power, it initializes all nextIndex values to the index just after the last one in
	// its log
	peers := s.cluster.Peers(s.ID)
	s.nextIndex = make(map[raft.NodeID]uint64, len(peers))
	s.matchIndex = make(map[raft.NodeID]uint64, len(peers))
	for _, peer := range peers {
		s.nextIndex[peer] = s.lastLogIndex + 1
		s.matchIndex[peer] = 0
	}

	// A no-op of the new term lets entries of previous terms be committed, as per Section 8 from the paper
	if err := s.appendLocked(&rpc.LogEntry{Term: s.currentTerm}); err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] Failed to append no-op entry, stepping down: %v", s.ID, s.currentTerm, err)
		s.stepDownLocked(s.currentTerm)
		return
	}

	s.triggers = make(map[raft.NodeID]chan struct{}, len(peers))
	for _, peer := range peers {
		s.startReplicatorLocked(ctx, peer)
	}
	s.advanceCommitIndexLocked()

	if !s.electionStartedAt.IsZero() {
		s.metrics.RecordElectionDuration(time.Since(s.electionStartedAt))
		s.electionStartedAt = time.Time{}
	}
	pubsub.Publish(s.pubSub, pubsub.NewEvent(LeaderElected, LeaderElectedPayload{ID: s.ID, Term: s.currentTerm}))
}

// stepDownLocked makes the server a Follower. A higher term is adopted and persisted together with a cleared vote.
// Submissions waiting on a former leader fail with ErrLeadershipLost.
func (s *Server) stepDownLocked(term uint64) {
	wasLeader := s.state == Leader

	if term > s.currentTerm {
		if err := s.log.SetTermAndVote(term, nil); err != nil {
			log.Printf("[SERVER-%s] [TERM-%d] Failed to persist term %d: %v", s.ID, s.currentTerm, term, err)
		}
		s.currentTerm = term
		s.votedFor = nil
		s.currentLeader = nil
	}

	if s.state != Follower {
		log.Printf("[SERVER-%s] [TERM-%d] Stepping down from %s to Follower", s.ID, s.currentTerm, s.state)
	}
	s.state = Follower
	s.votesReceived = make(map[raft.NodeID]struct{})
	s.cancelRoleLocked()

	if wasLeader {
		s.nextIndex, s.matchIndex = nil, nil
		s.triggers = make(map[raft.NodeID]chan struct{})
		s.failPendingLocked(ErrLeadershipLost)
	}
	s.resetElectionTimerLocked()
}

// RequestVote is invoked by candidates to gather votes, as per Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf)
func (s *Server) RequestVote(ctx context.Context, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, ErrShutdown
	}
	s.metrics.RecordRequestVote()

	// Reply false if term < currentTerm (§5.1)
	if req.Term < s.currentTerm {
		log.Printf("[SERVER-%s] [TERM-%d] Rejected vote for %s with stale term %d", s.ID, s.currentTerm, req.CandidateId, req.Term)
		return &rpc.RequestVoteResponse{Term: s.currentTerm}, nil
	}
	// Checked before the term is adopted, so that a stranger cannot disrupt the cluster
	if err := s.verifySenderLocked(ctx, req.CandidateId, req.Term); err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] Rejected vote: %v", s.ID, s.currentTerm, err)
		return &rpc.RequestVoteResponse{Term: s.currentTerm}, nil
	}
	if req.Term > s.currentTerm {
		s.stepDownLocked(req.Term)
	}

	resp := &rpc.RequestVoteResponse{Term: s.currentTerm}

	if s.votedFor != nil && *s.votedFor != req.CandidateId {
		return resp, nil
	}
	// Grant the vote only if the candidate's log is at least as up-to-date as ours (§5.4.1)
	if !isLogUpToDate(req.LastLogTerm, req.LastLogIndex, s.lastLogTerm, s.lastLogIndex) {
		log.Printf("[SERVER-%s] [TERM-%d] Rejected vote for %s: log is behind", s.ID, s.currentTerm, req.CandidateId)
		return resp, nil
	}

	candidate := req.CandidateId
	if err := s.log.SetTermAndVote(s.currentTerm, &candidate); err != nil {
		return nil, err
	}
	s.votedFor = &candidate
	resp.VoteGranted = true
	// Granting a vote counts as hearing from a would-be leader
	s.resetElectionTimerLocked()

	log.Printf("[SERVER-%s] [TERM-%d] Granted vote to %s", s.ID, s.currentTerm, req.CandidateId)
	return resp, nil
}

// isLogUpToDate compares the last entries of two logs as per Section 5.4.1: the later term wins, and on equal terms
// the longer log wins.
func isLogUpToDate(candidateTerm, candidateIndex, ownTerm, ownIndex uint64) bool {
	if candidateTerm != ownTerm {
		return candidateTerm > ownTerm
	}
	return candidateIndex >= ownIndex
}
