package mocks

import (
	"context"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/stretchr/testify/mock"
)

// MockTransport is a testify mock of the peer transport. Every RPC must be stubbed with On before it is made.
type MockTransport struct {
	mock.Mock
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) RequestVote(ctx context.Context, peerID raft.NodeID, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	args := m.Called(ctx, peerID, req)
	resp, _ := args.Get(0).(*rpc.RequestVoteResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) AppendEntries(ctx context.Context, peerID raft.NodeID, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	args := m.Called(ctx, peerID, req)
	resp, _ := args.Get(0).(*rpc.AppendEntriesResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) InstallSnapshot(ctx context.Context, peerID raft.NodeID, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error) {
	args := m.Called(ctx, peerID, req)
	resp, _ := args.Get(0).(*rpc.InstallSnapshotResponse)
	return resp, args.Error(1)
}

func (m *MockTransport) AddPeer(peerID raft.NodeID, peerAddr raft.ServerAddress) error {
	args := m.Called(peerID, peerAddr)
	return args.Error(0)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}
