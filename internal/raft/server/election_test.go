package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLogUpToDate(t *testing.T) {
	tests := []struct {
		name                string
		candTerm, candIndex uint64
		ownTerm, ownIndex   uint64
		expected            bool
	}{
		{"empty logs", 0, 0, 0, 0, true},
		{"higher last term wins over length", 3, 1, 2, 10, true},
		{"lower last term loses", 1, 10, 2, 1, false},
		{"same term longer log", 2, 5, 2, 4, true},
		{"same term same length", 2, 5, 2, 5, true},
		{"same term shorter log", 2, 4, 2, 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isLogUpToDate(tt.candTerm, tt.candIndex, tt.ownTerm, tt.ownIndex))
		})
	}
}

func TestRequestVote_RejectsStaleTerm(t *testing.T) {
	s := newTestServer(t, 1)
	s.setTerm(5)

	resp, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{Term: 4, CandidateId: 2})
	require.NoError(t, err)

	assert.False(t, resp.VoteGranted)
	assert.Equal(t, uint64(5), resp.Term)
	assert.Nil(t, s.getVotedFor())
}

func TestRequestVote_GrantsAndPersists(t *testing.T) {
	s := newTestServer(t, 1)

	resp, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{Term: 1, CandidateId: 2})
	require.NoError(t, err)

	assert.True(t, resp.VoteGranted)
	assert.Equal(t, uint64(1), resp.Term)
	assert.Equal(t, raft.NodeID(2), *s.getVotedFor())

	term, err := s.store.GetCurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)
	votedFor, err := s.store.GetVotedFor()
	require.NoError(t, err)
	require.NotNil(t, votedFor)
	assert.Equal(t, raft.NodeID(2), *votedFor)
	assert.Equal(t, 1, s.metrics.Counts().RequestVotes)
}

func TestRequestVote_OneVotePerTerm(t *testing.T) {
	s := newTestServer(t, 1)
	ctx := context.Background()

	resp, err := s.RequestVote(ctx, &rpc.RequestVoteRequest{Term: 1, CandidateId: 2})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)

	resp, err = s.RequestVote(ctx, &rpc.RequestVoteRequest{Term: 1, CandidateId: 3})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted, "a second candidate of the same term must be refused")

	resp, err = s.RequestVote(ctx, &rpc.RequestVoteRequest{Term: 1, CandidateId: 2})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted, "a retried request of the same candidate is granted again")

	resp, err = s.RequestVote(ctx, &rpc.RequestVoteRequest{Term: 2, CandidateId: 3})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted, "a new term clears the vote")
	assert.Equal(t, uint64(2), resp.Term)
}

func TestRequestVote_LogRecency(t *testing.T) {
	// Own log: three entries, the last one of term 2
	s := newTestServer(t, 1, 1, 2, 2)
	s.setTerm(2)

	tests := []struct {
		name         string
		lastLogTerm  uint64
		lastLogIndex uint64
		granted      bool
	}{
		{"older last term", 1, 10, false},
		{"same term shorter log", 2, 2, false},
		{"same term same length", 2, 3, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A fresh term for every case so that earlier votes do not interfere
			resp, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{
				Term:         uint64(3 + i),
				CandidateId:  2,
				LastLogIndex: tt.lastLogIndex,
				LastLogTerm:  tt.lastLogTerm,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.granted, resp.VoteGranted)
		})
	}
}

func TestRequestVote_HigherTermStepsDownLeader(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)
	s.setTerm(1)

	s.mu.Lock()
	s.becomeLeaderLocked()
	s.mu.Unlock()
	require.True(t, s.IsLeader())

	resp, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{
		Term:         3,
		CandidateId:  2,
		LastLogIndex: 1,
		LastLogTerm:  1,
	})
	require.NoError(t, err)

	assert.True(t, resp.VoteGranted)
	assert.Equal(t, Follower, s.getState())
	assert.Equal(t, uint64(3), s.getCurrentTerm())
	_, known := s.LeaderID()
	assert.False(t, known)
}

func TestRequestVote_RefusesNonMembers(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)

	resp, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{Term: 4, CandidateId: 9, LastLogIndex: 10, LastLogTerm: 3})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	// A stranger cannot push the term forward
	assert.Equal(t, uint64(0), resp.Term)
	assert.Equal(t, uint64(0), s.getCurrentTerm())
	assert.Nil(t, s.getVotedFor())
}

func TestRequestVote_RefusesMismatchedSender(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)

	// Node 3 asks for a vote on behalf of node 2
	ctx := withSender(context.Background(), 3, "node-3", 2)
	resp, err := s.RequestVote(ctx, &rpc.RequestVoteRequest{Term: 2, CandidateId: 2})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted)
	assert.Nil(t, s.getVotedFor())

	// The same request from node 2 itself is granted
	resp, err = s.RequestVote(withSender(context.Background(), 2, "node-2", 2), &rpc.RequestVoteRequest{Term: 2, CandidateId: 2})
	require.NoError(t, err)
	assert.True(t, resp.VoteGranted)
}

func TestRequestVote_PersistFailure(t *testing.T) {
	s := newTestServer(t, 1)
	s.store.SetError(&s.store.SetTermAndVoteError, errors.New("disk full"))

	_, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{Term: 1, CandidateId: 2})
	assert.EqualError(t, err, "disk full")
	assert.Nil(t, s.getVotedFor(), "a vote that was not persisted is not granted")
}

func TestRequestVote_AfterShutdown(t *testing.T) {
	s := newTestServer(t, 1)
	s.Shutdown()

	_, err := s.RequestVote(context.Background(), &rpc.RequestVoteRequest{Term: 1, CandidateId: 2})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestBeginElection_BecomesCandidate(t *testing.T) {
	s := newTestServer(t, 1, 1, 1)
	s.joinLocally(1, 2, 3)
	s.setTerm(1)

	s.BeginElection(1)

	assert.Equal(t, Candidate, s.getState())
	assert.Equal(t, uint64(2), s.getCurrentTerm())
	assert.Equal(t, raft.NodeID(1), *s.getVotedFor())

	term, err := s.store.GetCurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term, "the new term is persisted before asking for votes")
	assert.Equal(t, 1, s.metrics.Counts().Elections)
}

func TestBeginElection_Aborts(t *testing.T) {
	t.Run("when the term moved on", func(t *testing.T) {
		s := newTestServer(t, 1)
		s.joinLocally(1, 2, 3)
		s.setTerm(4)

		s.BeginElection(3)

		assert.Equal(t, Follower, s.getState())
		assert.Equal(t, uint64(4), s.getCurrentTerm())
	})

	t.Run("when a leader was heard from recently", func(t *testing.T) {
		s := newTestServer(t, 1)
		s.joinLocally(1, 2, 3)

		_, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{Term: 2, LeaderId: 2})
		require.NoError(t, err)
		s.mu.Lock()
		s.electionTimeout = time.Minute
		s.mu.Unlock()

		s.BeginElection(2)

		assert.Equal(t, Follower, s.getState())
		assert.Equal(t, uint64(2), s.getCurrentTerm())
	})

	t.Run("when leader", func(t *testing.T) {
		s := newTestServer(t, 1)
		s.joinLocally(1)
		s.BeginElection(0)
		require.True(t, s.IsLeader())
		term := s.getCurrentTerm()

		s.BeginElection(term)

		assert.True(t, s.IsLeader())
		assert.Equal(t, term, s.getCurrentTerm())
	})

	t.Run("before the cluster is initialized", func(t *testing.T) {
		s := newTestServer(t, 1)

		s.BeginElection(0)

		assert.Equal(t, Follower, s.getState())
		assert.Equal(t, uint64(0), s.getCurrentTerm())
	})
}

func TestBeginElection_PersistFailure(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)
	s.store.SetError(&s.store.SetTermAndVoteError, errors.New("disk full"))

	s.BeginElection(0)

	assert.Equal(t, Follower, s.getState())
	assert.Equal(t, uint64(0), s.getCurrentTerm())
}

func TestBecomeLeader_AppendsNoop(t *testing.T) {
	s := newTestServer(t, 1, 1, 1)
	s.joinLocally(1)
	s.setTerm(1)

	s.BeginElection(1)

	require.True(t, s.IsLeader())
	index, term := s.getLastLog()
	assert.Equal(t, uint64(3), index)
	assert.Equal(t, uint64(2), term)

	entry, err := s.store.GetEntry(3)
	require.NoError(t, err)
	assert.True(t, entry.IsNoop())

	// A single server is its own majority, so the no-op commits straight away, and with it the older entries
	assert.Equal(t, uint64(3), s.getCommitIndex())

	leader, ok := s.LeaderID()
	assert.True(t, ok)
	assert.Equal(t, raft.NodeID(1), leader)
	assert.Len(t, s.metrics.Counts().ElectionDurations, 1)
}

func TestStepDown_PersistsHigherTerm(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)
	s.BeginElection(0)
	require.Equal(t, Candidate, s.getState())

	s.mu.Lock()
	s.stepDownLocked(5)
	s.mu.Unlock()

	assert.Equal(t, Follower, s.getState())
	assert.Equal(t, uint64(5), s.getCurrentTerm())
	assert.Nil(t, s.getVotedFor())

	votedFor, err := s.store.GetVotedFor()
	require.NoError(t, err)
	assert.Nil(t, votedFor)
	term, err := s.store.GetCurrentTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
}
