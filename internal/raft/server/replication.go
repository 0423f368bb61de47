package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"
	"jsonvault/internal/raft/storage"
)

// startReplicatorLocked starts the replication job of a single follower. The job lives as long as ctx, which is the
// context of the current leadership.
func (s *Server) startReplicatorLocked(ctx context.Context, peer raft.NodeID) {
	trigger := make(chan struct{}, 1)
	s.triggers[peer] = trigger

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runReplicator(ctx, peer, trigger)
	}()
}

// triggerReplicationLocked wakes up every replication job without waiting for the next heartbeat
func (s *Server) triggerReplicationLocked() {
	for _, trigger := range s.triggers {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}
}

// runReplicator sends AppendEntries to a follower on every heartbeat and whenever new entries are appended. An
// initial empty AppendEntries goes out straight away to establish the leadership, as per Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf).
func (s *Server) runReplicator(ctx context.Context, peer raft.NodeID, trigger <-chan struct{}) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	s.replicateTo(ctx, peer)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		s.replicateTo(ctx, peer)
	}
}

// replicateTo keeps sending to a follower until it has caught up, the leadership ends or a round fails. Failed rounds
// are retried on the next heartbeat.
func (s *Server) replicateTo(ctx context.Context, peer raft.NodeID) {
	for ctx.Err() == nil {
		more, err := s.sendAppendOnce(ctx, peer)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[SERVER-%s] Replication to %s failed: %v", s.ID, peer, err)
			}
			return
		}
		if !more {
			return
		}
	}
}

// sendAppendOnce sends one AppendEntries (or an InstallSnapshot when the entries the follower needs are compacted)
// and processes the reply. It reports whether there is more to send right away.
func (s *Server) sendAppendOnce(ctx context.Context, peer raft.NodeID) (bool, error) {
	s.mu.RLock()
	if s.state != Leader || ctx.Err() != nil {
		s.mu.RUnlock()
		return false, nil
	}
	req, needSnapshot, err := s.buildAppendRequestLocked(peer)
	s.mu.RUnlock()
	if err != nil {
		return false, err
	}
	if needSnapshot {
		return s.sendSnapshot(ctx, peer)
	}

	if len(req.Entries) == 0 {
		s.metrics.RecordHeartbeat()
	} else {
		s.metrics.RecordAppendEntries()
	}

	resp, err := s.transport.AppendEntries(withSender(ctx, s.ID, s.Address, req.Term), peer, req)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Term > s.currentTerm {
		log.Printf("[SERVER-%s] [TERM-%d] Discovered higher term %d from %s, stepping down", s.ID, s.currentTerm, resp.Term, peer)
		s.stepDownLocked(resp.Term)
		return false, nil
	}
	// The reply belongs to a leadership that is already over
	if s.state != Leader || s.currentTerm != req.Term || ctx.Err() != nil {
		return false, nil
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > s.matchIndex[peer] {
			s.matchIndex[peer] = match
		}
		if match+1 > s.nextIndex[peer] {
			s.nextIndex[peer] = match + 1
		}
		s.advanceCommitIndexLocked()
		return s.nextIndex[peer] <= s.lastLogIndex, nil
	}

	// The follower's log does not contain an entry matching prevLogIndex and prevLogTerm. Jump back using its hint.
	next := req.PrevLogIndex + 1
	if next <= 1 {
		return false, fmt.Errorf("follower %s rejected entries at the start of the log", peer)
	}
	newNext := min(next-1, resp.MatchIndex+1)
	if newNext < 1 {
		newNext = 1
	}
	s.nextIndex[peer] = newNext
	return true, nil
}

// buildAppendRequestLocked prepares the AppendEntries for a follower. It reports needSnapshot when the follower is
// behind the compacted part of the log.
func (s *Server) buildAppendRequestLocked(peer raft.NodeID) (req *rpc.AppendEntriesRequest, needSnapshot bool, err error) {
	next := s.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	if next <= s.snapshotIndex {
		return nil, true, nil
	}

	prevIndex := next - 1
	prevTerm, err := s.termAtLocked(prevIndex)
	if errors.Is(err, storage.ErrEntryNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entries []*rpc.LogEntry
	if next <= s.lastLogIndex {
		end := min(s.lastLogIndex, next+uint64(s.config.MaxEntriesPerAppend)-1)
		entries, err = s.log.GetEntries(next, end)
		if err != nil {
			return nil, false, err
		}
		if uint64(len(entries)) != end-next+1 {
			// Compacted away underneath us
			return nil, true, nil
		}
	}

	return &rpc.AppendEntriesRequest{
		Term:         s.currentTerm,
		LeaderId:     s.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	}, false, nil
}

// sendSnapshot ships the latest snapshot to a follower that is too far behind to be caught up from the log
func (s *Server) sendSnapshot(ctx context.Context, peer raft.NodeID) (bool, error) {
	s.mu.RLock()
	term := s.currentTerm
	snapshot, err := s.log.LoadSnapshot()
	s.mu.RUnlock()
	if err != nil {
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return false, fmt.Errorf("follower %s needs compacted entries but no snapshot exists", peer)
	}

	log.Printf("[SERVER-%s] [TERM-%d] Sending snapshot up to index %d to %s", s.ID, term, snapshot.LastIncludedIndex, peer)

	req := &rpc.InstallSnapshotRequest{
		Term:              term,
		LeaderId:          s.ID,
		LastIncludedIndex: snapshot.LastIncludedIndex,
		LastIncludedTerm:  snapshot.LastIncludedTerm,
		Data:              snapshot.Data,
	}
	resp, err := s.transport.InstallSnapshot(withSender(ctx, s.ID, s.Address, term), peer, req)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Term > s.currentTerm {
		s.stepDownLocked(resp.Term)
		return false, nil
	}
	if s.state != Leader || s.currentTerm != term || ctx.Err() != nil {
		return false, nil
	}

	if req.LastIncludedIndex > s.matchIndex[peer] {
		s.matchIndex[peer] = req.LastIncludedIndex
	}
	if req.LastIncludedIndex+1 > s.nextIndex[peer] {
		s.nextIndex[peer] = req.LastIncludedIndex + 1
	}
	s.advanceCommitIndexLocked()
	return s.nextIndex[peer] <= s.lastLogIndex, nil
}

// advanceCommitIndexLocked moves commitIndex to the highest index replicated on a majority, provided the entry at that
// index belongs to the current term (Section 5.4.2)
func (s *Server) advanceCommitIndexLocked() {
	if s.state != Leader {
		return
	}

	// The leader counts itself with its whole log
	matches := []uint64{s.lastLogIndex}
	for _, peer := range s.cluster.Peers(s.ID) {
		matches = append(matches, s.matchIndex[peer])
	}
	slices.Sort(matches)
	slices.Reverse(matches)

	quorum := s.cluster.QuorumSize()
	if quorum > len(matches) {
		return
	}
	n := matches[quorum-1]
	if n <= s.commitIndex {
		return
	}

	term, err := s.termAtLocked(n)
	if err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] Failed to read term of index %d: %v", s.ID, s.currentTerm, n, err)
		return
	}
	if term != s.currentTerm {
		return
	}

	s.commitIndex = n
	s.notifyApplier()
	// Followers learn the new commit index without waiting for the next heartbeat
	s.triggerReplicationLocked()
}

// AppendEntries is invoked by the leader to replicate log entries, and as a heartbeat, as per Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf)
func (s *Server) AppendEntries(ctx context.Context, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, ErrShutdown
	}

	// Reply false if term < currentTerm (§5.1)
	if req.Term < s.currentTerm {
		return &rpc.AppendEntriesResponse{Term: s.currentTerm}, nil
	}
	if err := s.verifySenderLocked(ctx, req.LeaderId, req.Term); err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] Rejected AppendEntries: %v", s.ID, s.currentTerm, err)
		return &rpc.AppendEntriesResponse{Term: s.currentTerm}, nil
	}
	// A candidate that hears from the leader of its term returns to follower state
	if req.Term > s.currentTerm || s.state != Follower {
		s.stepDownLocked(req.Term)
	}
	s.followLeaderLocked(req.LeaderId)

	resp := &rpc.AppendEntriesResponse{Term: s.currentTerm}

	// Reply false if log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm (§5.3). Entries covered
	// by the snapshot are committed, so they match by definition.
	if req.PrevLogIndex > s.lastLogIndex {
		resp.MatchIndex = s.lastLogIndex
		return resp, nil
	}
	if req.PrevLogIndex > s.snapshotIndex {
		prevTerm, err := s.termAtLocked(req.PrevLogIndex)
		if err != nil {
			return nil, err
		}
		if prevTerm != req.PrevLogTerm {
			resp.MatchIndex = min(s.lastLogIndex, req.PrevLogIndex-1)
			return resp, nil
		}
	}

	newEntries, err := s.reconcileLogLocked(req.Entries)
	if err != nil {
		return nil, err
	}
	if len(newEntries) > 0 {
		if err := s.log.AppendEntries(newEntries); err != nil {
			return nil, fmt.Errorf("failed to append entries: %w", err)
		}
		last := newEntries[len(newEntries)-1]
		s.lastLogIndex, s.lastLogTerm = last.Index, last.Term
	}

	resp.Success = true
	resp.MatchIndex = req.PrevLogIndex + uint64(len(req.Entries))

	// If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry)
	if newCommit := min(req.LeaderCommit, resp.MatchIndex); newCommit > s.commitIndex {
		s.commitIndex = newCommit
		s.notifyApplier()
	}

	return resp, nil
}

// reconcileLogLocked drops the entries the log already holds, truncates the log at the first conflicting entry, and
// returns what is left to append. Committed entries are never truncated.
func (s *Server) reconcileLogLocked(entries []*rpc.LogEntry) ([]*rpc.LogEntry, error) {
	for i, entry := range entries {
		if entry.Index <= s.snapshotIndex {
			continue
		}
		if entry.Index > s.lastLogIndex {
			return entries[i:], nil
		}

		term, err := s.termAtLocked(entry.Index)
		if err != nil {
			return nil, err
		}
		if term == entry.Term {
			continue
		}

		// If an existing entry conflicts with a new one (same index but different terms), delete the existing entry
		// and all that follow it (§5.3)
		if entry.Index <= s.commitIndex {
			return nil, fmt.Errorf("conflicting entry at index %d is already committed (commitIndex %d)", entry.Index, s.commitIndex)
		}
		log.Printf("[SERVER-%s] [TERM-%d] Truncating log from index %d", s.ID, s.currentTerm, entry.Index)
		if err := s.log.DeleteEntriesFrom(entry.Index); err != nil {
			return nil, fmt.Errorf("failed to truncate log: %w", err)
		}
		prevTerm, err := s.termAtLocked(entry.Index - 1)
		if err != nil {
			return nil, err
		}
		s.lastLogIndex, s.lastLogTerm = entry.Index-1, prevTerm
		return entries[i:], nil
	}
	return nil, nil
}

// followLeaderLocked records a valid message from the leader of the current term
func (s *Server) followLeaderLocked(leader raft.NodeID) {
	if s.currentLeader == nil || *s.currentLeader != leader {
		log.Printf("[SERVER-%s] [TERM-%d] Following leader %s", s.ID, s.currentTerm, leader)
	}
	s.currentLeader = &leader
	s.lastLeaderContact = time.Now()
	s.resetElectionTimerLocked()
}

// termAtLocked returns the term of the entry at index, falling back to the snapshot for the last compacted entry
func (s *Server) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == s.snapshotIndex {
		return s.snapshotTerm, nil
	}
	if index < s.snapshotIndex {
		return 0, fmt.Errorf("index %d is compacted into the snapshot: %w", index, storage.ErrEntryNotFound)
	}
	entry, err := s.log.GetEntry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// appendLocked appends a new entry at the end of the leader's log
func (s *Server) appendLocked(entry *rpc.LogEntry) error {
	entry.Index = s.lastLogIndex + 1
	if err := s.log.AppendEntry(entry); err != nil {
		return fmt.Errorf("failed to append entry %d: %w", entry.Index, err)
	}
	s.lastLogIndex, s.lastLogTerm = entry.Index, entry.Term
	return nil
}
