package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"
)

type link struct {
	from, to raft.NodeID
}

// Network connects servers living in the same process. Messages are delivered by calling the handler of the receiver
// directly. Links can be cut to simulate crashes and partitions.
type Network struct {
	mu       sync.RWMutex
	handlers map[raft.NodeID]Handler
	// Servers cut off from everybody
	isolated map[raft.NodeID]bool
	// Single direction links that drop messages
	blocked map[link]bool
	latency time.Duration
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[raft.NodeID]Handler),
		isolated: make(map[raft.NodeID]bool),
		blocked:  make(map[link]bool),
	}
}

// Register makes a server reachable under its ID
func (n *Network) Register(id raft.NodeID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// SetLatency delays every delivered message by d
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// Disconnect cuts a server off from the rest of the network
func (n *Network) Disconnect(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Reconnect undoes Disconnect
func (n *Network) Reconnect(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, id)
}

// Partition splits the network into groups. Servers only reach servers of their own group. Servers not named in any
// group keep reaching everybody.
func (n *Network) Partition(groups ...[]raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.blocked = make(map[link]bool)
	for i, a := range groups {
		for j, b := range groups {
			if i == j {
				continue
			}
			for _, from := range a {
				for _, to := range b {
					n.blocked[link{from, to}] = true
				}
			}
		}
	}
}

// Heal removes every partition and reconnects every server
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[link]bool)
	n.isolated = make(map[raft.NodeID]bool)
}

func (n *Network) reachable(from, to raft.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.isolated[from] && !n.isolated[to] && !n.blocked[link{from, to}]
}

// deliver hands a message to the receiver and the answer back to the sender, checking the link both ways
func (n *Network) deliver(ctx context.Context, from, to raft.NodeID) (Handler, error) {
	n.mu.RLock()
	h, ok := n.handlers[to]
	latency := n.latency
	n.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if !n.reachable(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachable)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h, nil
}

// Transport returns the sending side of a server on this network
func (n *Network) Transport(self raft.NodeID) *InmemTransport {
	return &InmemTransport{
		network: n,
		self:    self,
		peers:   make(map[raft.NodeID]raft.ServerAddress),
	}
}

// InmemTransport sends the RPCs of one server over a Network
type InmemTransport struct {
	network *Network
	self    raft.NodeID

	mu     sync.RWMutex
	peers  map[raft.NodeID]raft.ServerAddress
	closed bool
}

func (t *InmemTransport) AddPeer(peerID raft.NodeID, peerAddr raft.ServerAddress) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = peerAddr
	return nil
}

func (t *InmemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *InmemTransport) target(ctx context.Context, peerID raft.NodeID) (Handler, error) {
	t.mu.RLock()
	_, known := t.peers[peerID]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.network.deliver(ctx, t.self, peerID)
}

// roundTrip calls the receiver and drops the answer if the link went down in the meantime
func roundTrip[Resp any](t *InmemTransport, ctx context.Context, peerID raft.NodeID,
	call func(h Handler) (*Resp, error)) (*Resp, error) {
	h, err := t.target(ctx, peerID)
	if err != nil {
		return nil, err
	}
	resp, err := call(h)
	if err != nil {
		return nil, err
	}
	if !t.network.reachable(peerID, t.self) {
		return nil, fmt.Errorf("%s -> %s: %w", peerID, t.self, ErrUnreachable)
	}
	return resp, nil
}

func (t *InmemTransport) RequestVote(ctx context.Context, peerID raft.NodeID, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	return roundTrip(t, ctx, peerID, func(h Handler) (*rpc.RequestVoteResponse, error) {
		return h.RequestVote(ctx, req)
	})
}

func (t *InmemTransport) AppendEntries(ctx context.Context, peerID raft.NodeID, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	return roundTrip(t, ctx, peerID, func(h Handler) (*rpc.AppendEntriesResponse, error) {
		return h.AppendEntries(ctx, req)
	})
}

func (t *InmemTransport) InstallSnapshot(ctx context.Context, peerID raft.NodeID, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error) {
	return roundTrip(t, ctx, peerID, func(h Handler) (*rpc.InstallSnapshotResponse, error) {
		return h.InstallSnapshot(ctx, req)
	})
}
