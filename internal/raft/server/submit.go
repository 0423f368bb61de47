package server

import (
	"context"
	"errors"
	"log"
	"time"

	"jsonvault/internal/raft/rpc"

	"github.com/google/uuid"
)

// pendingCommand is a submission waiting for its entry to be applied
type pendingCommand struct {
	index uint64
	// Buffered with room for exactly one result, so that delivering never blocks the applier
	done chan commandResult
}

type commandResult struct {
	index  uint64
	result []byte
	err    error
}

// failPendingLocked fails every waiting submission with err
func (s *Server) failPendingLocked(err error) {
	for id, p := range s.pending {
		delete(s.pending, id)
		p.done <- commandResult{index: p.index, err: err}
	}
}

// Submit replicates a command through the log and returns the state machine result once the command is committed and
// applied. Only the leader accepts commands; any other server answers with a *NotLeaderError naming the leader, or
// with ErrNoLeader.
func (s *Server) Submit(ctx context.Context, command []byte) ([]byte, error) {
	result, _, err := s.submit(ctx, command)
	return result, err
}

func (s *Server) submit(ctx context.Context, command []byte) ([]byte, uint64, error) {
	start := time.Now()

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, 0, ErrShutdown
	}
	if s.state != Leader {
		err := s.notLeaderErrorLocked()
		s.mu.Unlock()
		return nil, 0, err
	}

	entry := &rpc.LogEntry{Term: s.currentTerm, ID: uuid.NewString(), Command: command}
	if err := s.appendLocked(entry); err != nil {
		s.mu.Unlock()
		return nil, 0, err
	}
	p := &pendingCommand{index: entry.Index, done: make(chan commandResult, 1)}
	s.pending[entry.ID] = p
	s.triggerReplicationLocked()
	// A leader without followers commits on its own
	s.advanceCommitIndexLocked()
	s.mu.Unlock()

	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, res.index, res.err
		}
		s.metrics.RecordCommandLatency(time.Since(start))
		return res.result, res.index, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, entry.ID)
		s.mu.Unlock()
		return nil, entry.Index, ctx.Err()
	}
}

// notLeaderErrorLocked builds the error returned to clients that talk to a server which is not the leader
func (s *Server) notLeaderErrorLocked() error {
	if s.currentLeader == nil {
		return ErrNoLeader
	}
	addr, _ := s.cluster.Address(*s.currentLeader)
	return &NotLeaderError{LeaderID: *s.currentLeader, LeaderAddress: addr}
}

// ClientCommand is the gRPC entry point for clients. Redirect information is returned in the response rather than as
// an error, so that clients can follow it.
func (s *Server) ClientCommand(ctx context.Context, req *rpc.ClientCommandRequest) (*rpc.ClientCommandResponse, error) {
	if len(req.Command) == 0 {
		return &rpc.ClientCommandResponse{Error: "empty command"}, nil
	}

	result, index, err := s.submit(ctx, req.Command)
	if err != nil {
		resp := &rpc.ClientCommandResponse{Error: err.Error()}
		var nl *NotLeaderError
		if errors.As(err, &nl) {
			resp.LeaderId = nl.LeaderID
			resp.LeaderAddress = string(nl.LeaderAddress)
		} else {
			log.Printf("[SERVER-%s] Client command failed: %v", s.ID, err)
		}
		return resp, nil
	}

	return &rpc.ClientCommandResponse{Success: true, Index: index, Result: result}, nil
}

// Status is the gRPC entry point returning the Metrics of the server
func (s *Server) Status(ctx context.Context, _ *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	m := s.Metrics()
	return &rpc.StatusResponse{
		NodeId:       m.NodeID,
		CurrentTerm:  m.CurrentTerm,
		State:        m.StateName,
		IsLeader:     m.IsLeader,
		LeaderId:     m.LeaderID,
		ClusterSize:  m.ClusterSize,
		LastLogIndex: m.LastLogIndex,
		CommitIndex:  m.CommitIndex,
		LastApplied:  m.LastApplied,
	}, nil
}
