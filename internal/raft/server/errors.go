package server

import (
	"errors"
	"fmt"

	"jsonvault/internal/raft"
)

var (
	// ErrNotLeader is returned when a command is submitted to a server that is not the leader. The concrete error is
	// a *NotLeaderError naming the leader, so callers can redirect.
	ErrNotLeader = errors.New("not the leader")
	// ErrNoLeader is returned when a command is submitted to a follower that does not know any leader yet
	ErrNoLeader = errors.New("no known leader")
	// ErrShutdown is returned for work that could not complete because the server stopped
	ErrShutdown = errors.New("server is shut down")
	// ErrLeadershipLost is returned to pending submissions when the leader steps down before they are applied. The
	// command may or may not end up committed by the next leader.
	ErrLeadershipLost = errors.New("leadership lost before the command was applied")
	// ErrNotInCluster is returned when the local server is not part of the cluster it is asked to join
	ErrNotInCluster = errors.New("server is not a member of the cluster")
	// ErrUnknownSender is the reason an RPC from a server outside the cluster, or one whose transport-level identity
	// disagrees with the request, is refused
	ErrUnknownSender = errors.New("rpc sender rejected")
)

// NotLeaderError names the leader a rejected command should be sent to
type NotLeaderError struct {
	LeaderID      raft.NodeID
	LeaderAddress raft.ServerAddress
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("not the leader, current leader is %s at %s", e.LeaderID, e.LeaderAddress)
}

// Is makes errors.Is(err, ErrNotLeader) hold for every *NotLeaderError
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
