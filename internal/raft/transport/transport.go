// Package transport holds the alternatives to the gRPC transport of the server package: an in-process network used to
// run whole clusters inside tests, and an rpcx based transport.
package transport

import (
	"context"
	"errors"

	"jsonvault/internal/raft/rpc"
)

var (
	// ErrUnreachable is returned when the network drops a message
	ErrUnreachable = errors.New("peer unreachable")
	// ErrUnknownPeer is returned when sending to a peer that was never added
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrClosed is returned when sending through a closed transport
	ErrClosed = errors.New("transport closed")
)

// Handler is the receiving side of the Raft RPCs. *server.Server implements it.
type Handler interface {
	RequestVote(ctx context.Context, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error)
}
