package server

import (
	"fmt"
	"testing"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/mocks"
	"jsonvault/internal/raft/rpc"
	"jsonvault/internal/raft/transport"

	"github.com/stretchr/testify/require"
)

// testConfig is short enough to keep tests fast and long enough to stay stable under the race detector
func testConfig() Config {
	return Config{
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		HeartbeatInterval:   30 * time.Millisecond,
		RPCTimeout:          50 * time.Millisecond,
		MaxEntriesPerAppend: 16,
		SnapshotThreshold:   0,
	}
}

type testServer struct {
	*Server
	store   *mocks.MockLogStorage
	sm      *mocks.MockStateMachine
	metrics *mocks.MockMetricsCollector
}

// newTestServer creates a server that is not part of any cluster yet, so it never starts elections on its own.
// seedTerms pre-populates the log, one entry per term given.
func newTestServer(t *testing.T, id raft.NodeID, seedTerms ...uint64) *testServer {
	t.Helper()

	store := mocks.NewMockLogStorage()
	for i, term := range seedTerms {
		require.NoError(t, store.AppendEntry(&rpc.LogEntry{
			Index:   uint64(i + 1),
			Term:    term,
			ID:      "seed",
			Command: []byte("seed"),
		}))
	}
	sm := mocks.NewMockStateMachine()
	metrics := mocks.NewMockMetricsCollector()

	s, err := NewServer(id, raft.ServerAddress("node-"+id.String()), testConfig(), store, sm,
		transport.NewNetwork().Transport(id), metrics, nil)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	return &testServer{Server: s, store: store, sm: sm, metrics: metrics}
}

// joinLocally marks the server as a member of a cluster without starting any background job
func (ts *testServer) joinLocally(members ...raft.NodeID) {
	view := make(map[raft.NodeID]raft.ServerAddress, len(members))
	for _, id := range members {
		view[id] = raft.ServerAddress("node-" + id.String())
	}
	ts.cluster.Reset(view)

	ts.mu.Lock()
	ts.started = true
	ts.mu.Unlock()
}

func (ts *testServer) setTerm(term uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.currentTerm = term
}

func (ts *testServer) setCommitIndex(index uint64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.commitIndex = index
}

func (ts *testServer) logTerms(t *testing.T) []uint64 {
	t.Helper()
	first, err := ts.store.GetFirstIndex()
	require.NoError(t, err)
	entries, err := ts.store.GetEntriesFrom(first)
	require.NoError(t, err)

	terms := make([]uint64, 0, len(entries))
	for _, e := range entries {
		terms = append(terms, e.Term)
	}
	return terms
}

func entriesFrom(start uint64, terms ...uint64) []*rpc.LogEntry {
	entries := make([]*rpc.LogEntry, len(terms))
	for i, term := range terms {
		index := start + uint64(i)
		entries[i] = &rpc.LogEntry{Index: index, Term: term, ID: fmt.Sprintf("e%d", index), Command: []byte("cmd")}
	}
	return entries
}
