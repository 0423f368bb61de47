package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Transport sends Raft RPCs to the other servers of the cluster. Implementations must be safe for concurrent use and
// must honour ctx cancellation, since pending calls are abandoned when the server changes role.
type Transport interface {
	RequestVote(ctx context.Context, peerID raft.NodeID, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peerID raft.NodeID, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, peerID raft.NodeID, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error)
	// AddPeer makes a server reachable by its ID
	AddPeer(peerID raft.NodeID, peerAddr raft.ServerAddress) error
	// Close releases every outbound connection
	Close() error
}

// retryPolicy bounds how hard a single RPC is pushed before the caller sees the error. Raft itself never gives up on
// a peer: votes are asked again in the next election and the replication job resends on every heartbeat.
type retryPolicy struct {
	attempts   int
	perAttempt time.Duration
	backoff    time.Duration
	maxBackoff time.Duration
}

func (p retryPolicy) wait(attempt int) time.Duration {
	return min(p.backoff*time.Duration(attempt), p.maxBackoff)
}

// do runs call under the policy. A cancelled ctx ends the loop at once.
func do[Resp any](ctx context.Context, p retryPolicy, what string, call func(context.Context) (*Resp, error)) (*Resp, error) {
	ctx = outgoingSenderMetadata(ctx)

	var err error
	for attempt := 1; ; attempt++ {
		var resp *Resp
		attemptCtx, cancel := context.WithTimeout(ctx, p.perAttempt)
		resp, err = call(attemptCtx)
		cancel()
		switch {
		case err == nil:
			return resp, nil
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%s abandoned: %w", what, ctx.Err())
		case attempt >= p.attempts:
			return nil, fmt.Errorf("%s failed after %d attempts: %w", what, attempt, err)
		}

		timer := time.NewTimer(p.wait(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s abandoned: %w", what, ctx.Err())
		}
	}
}

// GRPCTransport is the Transport used in production. It dials every peer once, through the "raft:///<id>" resolver
// target, so that a peer's address can change under an open channel.
type GRPCTransport struct {
	mu    sync.RWMutex
	peers map[raft.NodeID]*grpcPeer

	votes     retryPolicy
	replicate retryPolicy
	snapshots retryPolicy
}

type grpcPeer struct {
	conn   *grpc.ClientConn
	client rpc.RaftServiceClient
}

// NewGRPCTransport creates a transport with no peers. A non positive rpcTimeout falls back to DefaultConfig's.
func NewGRPCTransport(rpcTimeout time.Duration) *GRPCTransport {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultConfig().RPCTimeout
	}
	base := retryPolicy{perAttempt: rpcTimeout, backoff: 10 * time.Millisecond, maxBackoff: 100 * time.Millisecond}

	// Three vote attempts still fit in one election timeout
	votes := base
	votes.attempts = 3
	replicate := base
	replicate.attempts = 2
	snapshots := replicate
	snapshots.perAttempt = 10 * rpcTimeout

	return &GRPCTransport{
		peers:     make(map[raft.NodeID]*grpcPeer),
		votes:     votes,
		replicate: replicate,
		snapshots: snapshots,
	}
}

func (t *GRPCTransport) peer(id raft.NodeID) (rpc.RaftServiceClient, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("no gRPC connection to server %s", id)
	}
	return p.client, nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peerID raft.NodeID, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	client, err := t.peer(peerID)
	if err != nil {
		return nil, err
	}
	resp, err := do(ctx, t.votes, "RequestVote to "+peerID.String(), func(ctx context.Context) (*rpc.RequestVoteResponse, error) {
		return client.RequestVote(ctx, req)
	})
	if err != nil {
		log.Printf("[TRANSPORT] %v", err)
	}
	return resp, err
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peerID raft.NodeID, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	client, err := t.peer(peerID)
	if err != nil {
		return nil, err
	}
	return do(ctx, t.replicate, "AppendEntries to "+peerID.String(), func(ctx context.Context) (*rpc.AppendEntriesResponse, error) {
		return client.AppendEntries(ctx, req)
	})
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, peerID raft.NodeID, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error) {
	client, err := t.peer(peerID)
	if err != nil {
		return nil, err
	}
	return do(ctx, t.snapshots, "InstallSnapshot to "+peerID.String(), func(ctx context.Context) (*rpc.InstallSnapshotResponse, error) {
		return client.InstallSnapshot(ctx, req)
	})
}

// AddPeer records the peer's address with the resolver and opens a channel to it unless one exists
func (t *GRPCTransport) AddPeer(peerID raft.NodeID, peerAddr raft.ServerAddress) error {
	RegisterResolverPeer(peerID, peerAddr)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peerID]; ok {
		return nil
	}

	conn, err := grpc.NewClient(fmt.Sprintf("%s:///%s", raftScheme, peerID),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create gRPC channel to peer %s: %w", peerID, err)
	}
	t.peers[peerID] = &grpcPeer{conn: conn, client: rpc.NewRaftServiceClient(conn)}
	log.Printf("[TRANSPORT] Peer %s reachable at %s", peerID, peerAddr)
	return nil
}

// RemovePeer closes the channel to a peer
func (t *GRPCTransport) RemovePeer(peerID raft.NodeID) {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	delete(t.peers, peerID)
	t.mu.Unlock()

	if ok {
		if err := p.conn.Close(); err != nil {
			log.Printf("[TRANSPORT] Closing channel to peer %s: %v", peerID, err)
		}
	}
}

// Close closes every channel opened by the transport
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[raft.NodeID]*grpcPeer)
	t.mu.Unlock()

	for id, p := range peers {
		if err := p.conn.Close(); err != nil {
			log.Printf("[TRANSPORT] Closing channel to peer %s: %v", id, err)
		}
	}
	log.Println("[TRANSPORT] gRPC channels closed")
	return nil
}
