package server

import (
	"context"
	"testing"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEntries_RejectsStaleTerm(t *testing.T) {
	s := newTestServer(t, 1)
	s.setTerm(3)

	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{Term: 2, LeaderId: 2})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, uint64(3), resp.Term)
	_, known := s.LeaderID()
	assert.False(t, known)
}

func TestAppendEntries_HeartbeatRecordsLeader(t *testing.T) {
	s := newTestServer(t, 1)

	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{Term: 1, LeaderId: 2})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, uint64(1), resp.Term)
	assert.Equal(t, uint64(0), resp.MatchIndex)

	leader, ok := s.LeaderID()
	assert.True(t, ok)
	assert.Equal(t, raft.NodeID(2), leader)
}

func TestAppendEntries_RefusesNonMembers(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)

	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
		Term:         5,
		LeaderId:     9,
		Entries:      entriesFrom(1, 5),
		LeaderCommit: 1,
	})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, uint64(0), resp.Term)

	m := s.Metrics()
	assert.Equal(t, uint64(0), m.CurrentTerm)
	assert.Equal(t, uint64(0), m.LastLogIndex)
	assert.Equal(t, uint64(0), m.CommitIndex)
	assert.Empty(t, s.logTerms(t))
	_, known := s.LeaderID()
	assert.False(t, known)
}

func TestAppendEntries_RefusesMismatchedSender(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)

	tests := map[string]struct {
		ctx context.Context
	}{
		"other member claims leadership": {withSender(context.Background(), 3, "node-3", 2)},
		"term differs from the sender's": {withSender(context.Background(), 2, "node-2", 7)},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := s.AppendEntries(tt.ctx, &rpc.AppendEntriesRequest{Term: 2, LeaderId: 2, Entries: entriesFrom(1, 2)})
			require.NoError(t, err)
			assert.False(t, resp.Success)
			assert.Empty(t, s.logTerms(t))
		})
	}

	resp, err := s.AppendEntries(withSender(context.Background(), 2, "node-2", 2),
		&rpc.AppendEntriesRequest{Term: 2, LeaderId: 2, Entries: entriesFrom(1, 2)})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []uint64{2}, s.logTerms(t))
}

func TestAppendEntries_CandidateStepsDown(t *testing.T) {
	s := newTestServer(t, 1)
	s.joinLocally(1, 2, 3)
	s.BeginElection(0)
	require.Equal(t, Candidate, s.getState())

	// The leader of the same term won first
	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{Term: 1, LeaderId: 2})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, Follower, s.getState())
	assert.Equal(t, uint64(1), s.getCurrentTerm())
}

func TestAppendEntries_AppendsToEmptyLog(t *testing.T) {
	s := newTestServer(t, 1)

	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
		Term:     1,
		LeaderId: 2,
		Entries:  entriesFrom(1, 1, 1, 1),
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, uint64(3), resp.MatchIndex)
	assert.Equal(t, []uint64{1, 1, 1}, s.logTerms(t))

	index, term := s.getLastLog()
	assert.Equal(t, uint64(3), index)
	assert.Equal(t, uint64(1), term)
}

func TestAppendEntries_LogMismatch(t *testing.T) {
	t.Run("prev index beyond the log", func(t *testing.T) {
		s := newTestServer(t, 1, 1, 1)

		resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
			Term:         1,
			LeaderId:     2,
			PrevLogIndex: 5,
			PrevLogTerm:  1,
			Entries:      entriesFrom(6, 1),
		})
		require.NoError(t, err)

		assert.False(t, resp.Success)
		assert.Equal(t, uint64(2), resp.MatchIndex, "hint points at the end of the follower log")
		assert.Equal(t, []uint64{1, 1}, s.logTerms(t))
	})

	t.Run("prev term differs", func(t *testing.T) {
		s := newTestServer(t, 1, 1, 1, 1)

		resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
			Term:         2,
			LeaderId:     2,
			PrevLogIndex: 2,
			PrevLogTerm:  2,
		})
		require.NoError(t, err)

		assert.False(t, resp.Success)
		assert.Equal(t, uint64(1), resp.MatchIndex, "hint stays below prevLogIndex")
		assert.Equal(t, []uint64{1, 1, 1}, s.logTerms(t), "nothing is removed on a failed check")
	})
}

func TestAppendEntries_TruncatesConflictingSuffix(t *testing.T) {
	s := newTestServer(t, 1, 1, 1, 1)
	s.setCommitIndex(1)

	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
		Term:         2,
		LeaderId:     2,
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      entriesFrom(2, 2),
		LeaderCommit: 1,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, uint64(2), resp.MatchIndex)
	assert.Equal(t, []uint64{1, 2}, s.logTerms(t))

	index, term := s.getLastLog()
	assert.Equal(t, uint64(2), index)
	assert.Equal(t, uint64(2), term)
}

func TestAppendEntries_KeepsMatchingEntries(t *testing.T) {
	s := newTestServer(t, 1, 1, 1, 1)

	// A delayed copy of an older AppendEntries must not shorten the log
	resp, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
		Term:     1,
		LeaderId: 2,
		Entries:  entriesFrom(1, 1),
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, uint64(1), resp.MatchIndex)
	assert.Equal(t, []uint64{1, 1, 1}, s.logTerms(t))
}

func TestAppendEntries_NeverTruncatesCommittedEntries(t *testing.T) {
	s := newTestServer(t, 1, 1, 1)
	s.setCommitIndex(2)

	_, err := s.AppendEntries(context.Background(), &rpc.AppendEntriesRequest{
		Term:     2,
		LeaderId: 2,
		Entries:  entriesFrom(1, 1, 2),
	})
	assert.ErrorContains(t, err, "already committed")
	assert.Equal(t, []uint64{1, 1}, s.logTerms(t))
}

func TestAppendEntries_AdvancesCommitIndex(t *testing.T) {
	s := newTestServer(t, 1)
	ctx := context.Background()

	// leaderCommit is capped by the last new entry
	_, err := s.AppendEntries(ctx, &rpc.AppendEntriesRequest{
		Term:         1,
		LeaderId:     2,
		Entries:      entriesFrom(1, 1, 1, 1),
		LeaderCommit: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.getCommitIndex())

	// and never moves backwards
	_, err = s.AppendEntries(ctx, &rpc.AppendEntriesRequest{
		Term:         1,
		LeaderId:     2,
		PrevLogIndex: 3,
		PrevLogTerm:  1,
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.getCommitIndex())
}

func TestAdvanceCommitIndex(t *testing.T) {
	t.Run("needs a majority", func(t *testing.T) {
		s := newTestServer(t, 1, 1, 1, 1)
		s.joinLocally(1, 2, 3, 4, 5)
		s.setTerm(1)

		s.mu.Lock()
		s.state = Leader
		s.matchIndex = map[raft.NodeID]uint64{2: 3, 3: 1, 4: 0, 5: 0}
		s.advanceCommitIndexLocked()
		s.mu.Unlock()
		assert.Equal(t, uint64(1), s.getCommitIndex())

		s.mu.Lock()
		s.matchIndex[4] = 2
		s.advanceCommitIndexLocked()
		s.mu.Unlock()
		assert.Equal(t, uint64(2), s.getCommitIndex())
	})

	t.Run("only commits entries of the current term", func(t *testing.T) {
		s := newTestServer(t, 1, 1, 1, 2)
		s.joinLocally(1, 2, 3)
		s.setTerm(2)

		s.mu.Lock()
		s.state = Leader
		s.matchIndex = map[raft.NodeID]uint64{2: 2, 3: 0}
		s.advanceCommitIndexLocked()
		s.mu.Unlock()
		assert.Equal(t, uint64(0), s.getCommitIndex(), "entries of older terms are not counted directly")

		s.mu.Lock()
		s.matchIndex[3] = 3
		s.advanceCommitIndexLocked()
		s.mu.Unlock()
		assert.Equal(t, uint64(3), s.getCommitIndex(), "a current term entry commits everything before it")
	})
}

func TestTermAt(t *testing.T) {
	s := newTestServer(t, 1, 1, 2, 3)

	s.mu.Lock()
	defer s.mu.Unlock()

	term, err := s.termAtLocked(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)

	term, err = s.termAtLocked(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)

	_, err = s.termAtLocked(7)
	assert.Error(t, err)
}
