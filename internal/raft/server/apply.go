package server

import (
	"context"
	"fmt"
	"log"

	"jsonvault/internal/raft/rpc"
	"jsonvault/internal/raft/storage"
)

// maxApplyBatch bounds how many entries the applier reads from storage at once
const maxApplyBatch = 256

// notifyApplier wakes up the applier. Wake-ups coalesce, the applier always works up to the latest commitIndex.
func (s *Server) notifyApplier() {
	select {
	case s.applyCh <- struct{}{}:
	default:
	}
}

// runApplier applies committed entries to the state machine in log order, as per Section 5.3 from the
// [Raft paper](https://raft.github.io/raft.pdf). It is the only goroutine calling StateMachine.Apply.
func (s *Server) runApplier() {
	log.Printf("[JOB] Started applier for server %s", s.ID)
	for {
		select {
		case <-s.ctx.Done():
			log.Printf("[JOB] Stopping applier for server %s", s.ID)
			return
		case <-s.applyCh:
			if err := s.applyCommitted(); err != nil {
				log.Printf("[SERVER-%s] Failed to apply committed entries: %v", s.ID, err)
				continue
			}
			if err := s.maybeSnapshot(); err != nil {
				log.Printf("[SERVER-%s] Failed to take snapshot: %v", s.ID, err)
			}
		}
	}
}

// applyCommitted applies every entry in (lastApplied, commitIndex]. Results are handed to the submissions waiting on
// them, matched by entry ID.
func (s *Server) applyCommitted() error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	for {
		s.mu.RLock()
		first := s.lastApplied + 1
		last := min(s.commitIndex, s.lastApplied+maxApplyBatch)
		s.mu.RUnlock()
		if first > last {
			return nil
		}

		entries, err := s.log.GetEntries(first, last)
		if err != nil {
			return fmt.Errorf("failed to read entries [%d, %d]: %w", first, last, err)
		}
		if uint64(len(entries)) != last-first+1 || entries[0].Index != first {
			return fmt.Errorf("log is missing committed entries in [%d, %d]", first, last)
		}

		results := make([][]byte, len(entries))
		for i, entry := range entries {
			if entry.IsNoop() {
				continue
			}
			results[i] = s.stateMachine.Apply(entry.Command)
			s.metrics.RecordCommandCommitted()
		}

		s.mu.Lock()
		for i, entry := range entries {
			s.resolvePendingLocked(entry, results[i])
		}
		s.lastApplied = last
		s.mu.Unlock()
	}
}

func (s *Server) resolvePendingLocked(entry *rpc.LogEntry, result []byte) {
	if entry.ID == "" {
		return
	}
	p, ok := s.pending[entry.ID]
	if !ok {
		return
	}
	delete(s.pending, entry.ID)
	p.done <- commandResult{index: entry.Index, result: result}
}

// maybeSnapshot compacts the log once enough entries have been applied since the last snapshot
func (s *Server) maybeSnapshot() error {
	if s.config.SnapshotThreshold == 0 {
		return nil
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.RLock()
	applied, snapshotIndex := s.lastApplied, s.snapshotIndex
	s.mu.RUnlock()
	if applied <= snapshotIndex || applied-snapshotIndex < s.config.SnapshotThreshold {
		return nil
	}

	// The applier is held, so the state machine reflects exactly the entries up to applied
	data, err := s.stateMachine.Snapshot()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	term, err := s.termAtLocked(applied)
	if err != nil {
		return err
	}
	snapshot := &storage.Snapshot{LastIncludedIndex: applied, LastIncludedTerm: term, Data: data}
	if err := s.log.SaveSnapshot(snapshot); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	if err := s.log.DeleteEntriesTo(applied); err != nil {
		return fmt.Errorf("failed to compact log: %w", err)
	}
	s.snapshotIndex, s.snapshotTerm = applied, term

	log.Printf("[SERVER-%s] [TERM-%d] Compacted log up to index %d", s.ID, s.currentTerm, applied)
	return nil
}

// InstallSnapshot is invoked by the leader to send a snapshot to a follower that lags behind the compacted log, as per
// Figure 13 from the [Raft paper](https://raft.github.io/raft.pdf)
func (s *Server) InstallSnapshot(ctx context.Context, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, ErrShutdown
	}

	// Reply immediately if term < currentTerm
	if req.Term < s.currentTerm {
		return &rpc.InstallSnapshotResponse{Term: s.currentTerm}, nil
	}
	if err := s.verifySenderLocked(ctx, req.LeaderId, req.Term); err != nil {
		log.Printf("[SERVER-%s] [TERM-%d] Rejected InstallSnapshot: %v", s.ID, s.currentTerm, err)
		return &rpc.InstallSnapshotResponse{Term: s.currentTerm}, nil
	}
	if req.Term > s.currentTerm || s.state != Follower {
		s.stepDownLocked(req.Term)
	}
	s.followLeaderLocked(req.LeaderId)

	resp := &rpc.InstallSnapshotResponse{Term: s.currentTerm}

	// Everything the snapshot holds has been applied here already
	if req.LastIncludedIndex <= s.snapshotIndex || req.LastIncludedIndex <= s.lastApplied {
		return resp, nil
	}

	log.Printf("[SERVER-%s] [TERM-%d] Installing snapshot up to index %d from %s", s.ID, s.currentTerm, req.LastIncludedIndex, req.LeaderId)

	snapshot := &storage.Snapshot{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		Data:              req.Data,
	}
	if err := s.stateMachine.Restore(snapshot.Data); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if err := s.log.SaveSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	// If an existing log entry has the same index and term as the snapshot's last included entry, retain the log
	// entries following it. Otherwise discard the entire log.
	term, err := s.termAtLocked(req.LastIncludedIndex)
	if err == nil && req.LastIncludedIndex <= s.lastLogIndex && term == req.LastIncludedTerm {
		err = s.log.DeleteEntriesTo(req.LastIncludedIndex)
	} else {
		err = s.log.DeleteEntriesFrom(0)
		s.lastLogIndex, s.lastLogTerm = req.LastIncludedIndex, req.LastIncludedTerm
	}
	if err != nil {
		return nil, fmt.Errorf("failed to discard log covered by snapshot: %w", err)
	}

	s.snapshotIndex, s.snapshotTerm = req.LastIncludedIndex, req.LastIncludedTerm
	s.commitIndex = max(s.commitIndex, req.LastIncludedIndex)
	s.lastApplied = req.LastIncludedIndex
	// Entries committed past the snapshot can be applied now
	s.notifyApplier()

	return resp, nil
}
