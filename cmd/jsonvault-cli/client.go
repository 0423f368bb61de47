package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"jsonvault/internal/raft"
	"jsonvault/internal/raft/rpc"
	"jsonvault/internal/raft/state_machine"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var errTooManyRedirects = errors.New("too many redirects")

// dialFunc opens a client to a node. The returned func releases the connection.
type dialFunc func(addr string) (rpc.RaftServiceClient, func() error, error)

func dialGRPC(addr string) (rpc.RaftServiceClient, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return rpc.NewRaftServiceClient(conn), conn.Close, nil
}

// client submits commands to a cluster, following NotLeader redirects until the leader answers
type client struct {
	dial dialFunc
	// addresses maps node ids to their gRPC address. Leader hints from the server carry the peer address, which
	// differs from the gRPC one when the cluster runs the rpcx transport.
	addresses    map[raft.NodeID]string
	maxRedirects int
	retryDelay   time.Duration
}

func newClient(addresses map[raft.NodeID]string) *client {
	return &client{
		dial:         dialGRPC,
		addresses:    addresses,
		maxRedirects: 5,
		retryDelay:   200 * time.Millisecond,
	}
}

// submit sends command starting at addr. It returns the response of the leader and the leader's address.
func (c *client) submit(ctx context.Context, addr string, command []byte) (*rpc.ClientCommandResponse, string, error) {
	for attempt := 0; attempt <= c.maxRedirects; attempt++ {
		resp, err := c.send(ctx, addr, command)
		if err != nil {
			return nil, addr, err
		}
		if resp.Success {
			return resp, addr, nil
		}

		switch {
		case resp.LeaderId != 0:
			next := resp.LeaderAddress
			if known, ok := c.addresses[resp.LeaderId]; ok {
				next = known
			}
			log.Printf("Node at %s is not the leader, redirecting to node %s at %s", addr, resp.LeaderId, next)
			addr = next
		case strings.Contains(resp.Error, "no known leader"):
			log.Printf("Node at %s knows no leader yet, retrying in %v", addr, c.retryDelay)
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, addr, ctx.Err()
			}
		default:
			return nil, addr, fmt.Errorf("command rejected by %s: %s", addr, resp.Error)
		}
	}
	return nil, addr, errTooManyRedirects
}

func (c *client) send(ctx context.Context, addr string, command []byte) (*rpc.ClientCommandResponse, error) {
	raftClient, closeConn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	defer closeConn()

	resp, err := raftClient.ClientCommand(ctx, &rpc.ClientCommandRequest{Command: command})
	if err != nil {
		return nil, fmt.Errorf("ClientCommand to %s failed: %w", addr, err)
	}
	return resp, nil
}

func (c *client) status(ctx context.Context, addr string) (*rpc.StatusResponse, error) {
	raftClient, closeConn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	defer closeConn()

	resp, err := raftClient.Status(ctx, &rpc.StatusRequest{})
	if err != nil {
		return nil, fmt.Errorf("status of %s failed: %w", addr, err)
	}
	return resp, nil
}

// parseCommand turns command line arguments, e.g. ["set", "user", `{"name":"ada"}`], into a store command
func parseCommand(args []string) (state_machine.Command, error) {
	if len(args) == 0 {
		return state_machine.Command{}, errors.New("no command given")
	}

	want := map[string]int{
		state_machine.OpSet:    2,
		state_machine.OpGet:    1,
		state_machine.OpDelete: 1,
		state_machine.OpMerge:  2,
		state_machine.OpQSet:   3,
		state_machine.OpQGet:   2,
		state_machine.OpPing:   0,
	}
	op := strings.ToLower(args[0])
	n, ok := want[op]
	if !ok {
		return state_machine.Command{}, fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 != n {
		return state_machine.Command{}, fmt.Errorf("%s takes %d arguments, got %d", op, n, len(args)-1)
	}

	switch op {
	case state_machine.OpSet, state_machine.OpMerge:
		value, err := jsonArg(args[2])
		if err != nil {
			return state_machine.Command{}, err
		}
		if op == state_machine.OpSet {
			return state_machine.SetCommand(args[1], value), nil
		}
		return state_machine.MergeCommand(args[1], value), nil
	case state_machine.OpQSet:
		value, err := jsonArg(args[3])
		if err != nil {
			return state_machine.Command{}, err
		}
		return state_machine.QSetCommand(args[1], args[2], value), nil
	case state_machine.OpGet:
		return state_machine.GetCommand(args[1]), nil
	case state_machine.OpDelete:
		return state_machine.DeleteCommand(args[1]), nil
	case state_machine.OpQGet:
		return state_machine.QGetCommand(args[1], args[2]), nil
	default:
		return state_machine.PingCommand(), nil
	}
}

func jsonArg(arg string) (json.RawMessage, error) {
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("value %q is not valid JSON", arg)
	}
	return json.RawMessage(arg), nil
}
