package server

import (
	"context"
	"fmt"
	"strconv"

	"jsonvault/internal"
	"jsonvault/internal/raft"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Keys describing the server that sent an RPC. The sender stores them in the request ctx, the gRPC transport carries
// them as metadata, and senderInterceptor restores them on the receiving side.
var (
	serverCurrTerm = internal.NewCtxKey[uint64]("currTerm")
	serverID       = internal.NewCtxKey[raft.NodeID]("serverID")
	serverAddr     = internal.NewCtxKey[raft.ServerAddress]("serverAddr")
)

const (
	senderIDHeader   = "x-raft-sender-id"
	senderTermHeader = "x-raft-sender-term"
	senderAddrHeader = "x-raft-sender-addr"
)

func SetServerCurrTerm(ctx context.Context, currTerm uint64) context.Context {
	return internal.SetCtxKey(ctx, serverCurrTerm, currTerm)
}

func GetServerCurrTerm(ctx context.Context) (uint64, bool) {
	return internal.GetCtxKey(ctx, serverCurrTerm)
}

func SetServerID(ctx context.Context, id raft.NodeID) context.Context {
	return internal.SetCtxKey(ctx, serverID, id)
}

func GetServerID(ctx context.Context) (raft.NodeID, bool) {
	return internal.GetCtxKey(ctx, serverID)
}

func SetServerAddr(ctx context.Context, addr raft.ServerAddress) context.Context {
	return internal.SetCtxKey(ctx, serverAddr, addr)
}

func GetServerAddr(ctx context.Context) (raft.ServerAddress, bool) {
	return internal.GetCtxKey(ctx, serverAddr)
}

// withSender stores the identity of the sending server in ctx
func withSender(ctx context.Context, id raft.NodeID, addr raft.ServerAddress, term uint64) context.Context {
	ctx = SetServerID(ctx, id)
	ctx = SetServerAddr(ctx, addr)
	return SetServerCurrTerm(ctx, term)
}

// outgoingSenderMetadata copies the sender stored in ctx into the outgoing gRPC metadata
func outgoingSenderMetadata(ctx context.Context) context.Context {
	var kv []string
	if id, ok := GetServerID(ctx); ok {
		kv = append(kv, senderIDHeader, id.String())
	}
	if term, ok := GetServerCurrTerm(ctx); ok {
		kv = append(kv, senderTermHeader, strconv.FormatUint(term, 10))
	}
	if addr, ok := GetServerAddr(ctx); ok {
		kv = append(kv, senderAddrHeader, string(addr))
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// senderFromIncomingMetadata restores the sender carried in the incoming gRPC metadata into ctx
func senderFromIncomingMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if values := md.Get(senderIDHeader); len(values) > 0 {
		if id, err := raft.ParseNodeID(values[0]); err == nil {
			ctx = SetServerID(ctx, id)
		}
	}
	if values := md.Get(senderTermHeader); len(values) > 0 {
		if term, err := strconv.ParseUint(values[0], 10, 64); err == nil {
			ctx = SetServerCurrTerm(ctx, term)
		}
	}
	if values := md.Get(senderAddrHeader); len(values) > 0 {
		ctx = SetServerAddr(ctx, raft.ServerAddress(values[0]))
	}
	return ctx
}

// senderInterceptor makes the sender of a peer RPC available to the handlers through the ctx keys above
func senderInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	return handler(senderFromIncomingMetadata(ctx), req)
}

// verifySenderLocked admits a peer RPC that claims to come from claimed in term. The identity the transport carried,
// when there is one, must agree with the request, and once the cluster is formed the sender must be a member.
func (s *Server) verifySenderLocked(ctx context.Context, claimed raft.NodeID, term uint64) error {
	if id, ok := GetServerID(ctx); ok && id != claimed {
		return fmt.Errorf("%w: sent by %s on behalf of %s", ErrUnknownSender, id, claimed)
	}
	if sentIn, ok := GetServerCurrTerm(ctx); ok && sentIn != term {
		return fmt.Errorf("%w: sent by %s in term %d for term %d", ErrUnknownSender, claimed, sentIn, term)
	}
	if s.started && !s.cluster.Contains(claimed) {
		return fmt.Errorf("%w: %s is not a cluster member", ErrUnknownSender, claimed)
	}
	return nil
}
