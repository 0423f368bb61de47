package transport

import (
	"context"
	"encoding"
	"fmt"
	"log"
	"sync"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"

	"github.com/smallnest/rpcx/client"
	"github.com/smallnest/rpcx/protocol"
	"github.com/smallnest/rpcx/server"
)

// rpcxServiceName is the name the Raft service is registered under on rpcx servers
const rpcxServiceName = "Raft"

// RaftService exposes a Handler as an rpcx service. Payloads are the protobuf encoding of the rpc messages, carried
// by rpcx as raw bytes, so both transports put the same bytes on the wire.
type RaftService struct {
	handler Handler
}

func (s *RaftService) RequestVote(ctx context.Context, args *[]byte, reply *[]byte) error {
	return handle(ctx, *args, reply, &rpc.RequestVoteRequest{}, s.handler.RequestVote)
}

func (s *RaftService) AppendEntries(ctx context.Context, args *[]byte, reply *[]byte) error {
	return handle(ctx, *args, reply, &rpc.AppendEntriesRequest{}, s.handler.AppendEntries)
}

func (s *RaftService) InstallSnapshot(ctx context.Context, args *[]byte, reply *[]byte) error {
	return handle(ctx, *args, reply, &rpc.InstallSnapshotRequest{}, s.handler.InstallSnapshot)
}

func handle[Req encoding.BinaryUnmarshaler, Resp encoding.BinaryMarshaler](ctx context.Context, args []byte, reply *[]byte,
	req Req, call func(context.Context, Req) (Resp, error)) error {
	if err := req.UnmarshalBinary(args); err != nil {
		return err
	}
	resp, err := call(ctx, req)
	if err != nil {
		return err
	}
	data, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	*reply = data
	return nil
}

// NewRPCXServer creates an rpcx server answering the Raft RPCs with handler. Start it with Serve("tcp", addr) and
// stop it with Close.
func NewRPCXServer(handler Handler) (*server.Server, error) {
	s := server.NewServer()
	if err := s.RegisterName(rpcxServiceName, &RaftService{handler: handler}, ""); err != nil {
		return nil, fmt.Errorf("failed to register rpcx service: %w", err)
	}
	return s, nil
}

// RPCXTransport sends the Raft RPCs over rpcx, with one XClient per peer
type RPCXTransport struct {
	mu         sync.RWMutex
	clients    map[raft.NodeID]client.XClient
	rpcTimeout time.Duration
	closed     bool
}

// NewRPCXTransport creates a transport with no peers. Peers are added through AddPeer.
func NewRPCXTransport(rpcTimeout time.Duration) *RPCXTransport {
	return &RPCXTransport{
		clients:    make(map[raft.NodeID]client.XClient),
		rpcTimeout: rpcTimeout,
	}
}

// AddPeer creates the client of a peer. Connections are established lazily on the first call.
func (t *RPCXTransport) AddPeer(peerID raft.NodeID, peerAddr raft.ServerAddress) error {
	d, err := client.NewPeer2PeerDiscovery("tcp@"+string(peerAddr), "")
	if err != nil {
		return fmt.Errorf("failed to create rpcx discovery for %s: %w", peerAddr, err)
	}
	opt := client.DefaultOption
	opt.SerializeType = protocol.SerializeNone
	xClient := client.NewXClient(rpcxServiceName, client.Failtry, client.RandomSelect, d, opt)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		xClient.Close()
		return ErrClosed
	}
	if old, ok := t.clients[peerID]; ok {
		old.Close()
	}
	t.clients[peerID] = xClient
	return nil
}

func (t *RPCXTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for id, c := range t.clients {
		if err := c.Close(); err != nil {
			log.Printf("[TRANSPORT] Failed to close rpcx client of %s: %v", id, err)
		}
		delete(t.clients, id)
	}
	return nil
}

func (t *RPCXTransport) call(ctx context.Context, peerID raft.NodeID, timeout time.Duration, method string,
	req encoding.BinaryMarshaler, resp encoding.BinaryUnmarshaler) error {
	t.mu.RLock()
	c, ok := t.clients[peerID]
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	args, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reply []byte
	if err := c.Call(ctx, method, args, &reply); err != nil {
		return fmt.Errorf("%s to %s failed: %w", method, peerID, err)
	}
	return resp.UnmarshalBinary(reply)
}

func (t *RPCXTransport) RequestVote(ctx context.Context, peerID raft.NodeID, req *rpc.RequestVoteRequest) (*rpc.RequestVoteResponse, error) {
	resp := &rpc.RequestVoteResponse{}
	if err := t.call(ctx, peerID, t.rpcTimeout, "RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *RPCXTransport) AppendEntries(ctx context.Context, peerID raft.NodeID, req *rpc.AppendEntriesRequest) (*rpc.AppendEntriesResponse, error) {
	resp := &rpc.AppendEntriesResponse{}
	if err := t.call(ctx, peerID, t.rpcTimeout, "AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot gets a longer deadline since it carries the whole store
func (t *RPCXTransport) InstallSnapshot(ctx context.Context, peerID raft.NodeID, req *rpc.InstallSnapshotRequest) (*rpc.InstallSnapshotResponse, error) {
	resp := &rpc.InstallSnapshotResponse{}
	if err := t.call(ctx, peerID, 10*t.rpcTimeout, "InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
