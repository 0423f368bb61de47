package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "jsonvault.raft.RaftService"

	RequestVoteMethod     = "/" + serviceName + "/RequestVote"
	AppendEntriesMethod   = "/" + serviceName + "/AppendEntries"
	InstallSnapshotMethod = "/" + serviceName + "/InstallSnapshot"
	ClientCommandMethod   = "/" + serviceName + "/ClientCommand"
	StatusMethod          = "/" + serviceName + "/Status"
)

// RaftServiceServer is the server API of the RaftService. Peer RPCs and client RPCs share the service.
type RaftServiceServer interface {
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	ClientCommand(context.Context, *ClientCommandRequest) (*ClientCommandResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
}

// UnimplementedRaftServiceServer can be embedded to have forward compatible implementations
type UnimplementedRaftServiceServer struct{}

func (UnimplementedRaftServiceServer) RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RequestVote not implemented")
}

func (UnimplementedRaftServiceServer) AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AppendEntries not implemented")
}

func (UnimplementedRaftServiceServer) InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method InstallSnapshot not implemented")
}

func (UnimplementedRaftServiceServer) ClientCommand(context.Context, *ClientCommandRequest) (*ClientCommandResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ClientCommand not implemented")
}

func (UnimplementedRaftServiceServer) Status(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}

// RegisterRaftServiceServer registers srv on the given gRPC server
func RegisterRaftServiceServer(s grpc.ServiceRegistrar, srv RaftServiceServer) {
	s.RegisterService(&RaftService_ServiceDesc, srv)
}

// unaryHandler builds a grpc.MethodDesc handler for a unary method with request type Req
func unaryHandler[Req any, Resp any](
	fullMethod string,
	call func(srv RaftServiceServer, ctx context.Context, req *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RaftServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RaftServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RaftService_ServiceDesc is the grpc.ServiceDesc for the RaftService
var RaftService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(RequestVoteMethod, func(srv RaftServiceServer, ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
				return srv.RequestVote(ctx, req)
			}),
		},
		{
			MethodName: "AppendEntries",
			Handler: unaryHandler(AppendEntriesMethod, func(srv RaftServiceServer, ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
				return srv.AppendEntries(ctx, req)
			}),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: unaryHandler(InstallSnapshotMethod, func(srv RaftServiceServer, ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
				return srv.InstallSnapshot(ctx, req)
			}),
		},
		{
			MethodName: "ClientCommand",
			Handler: unaryHandler(ClientCommandMethod, func(srv RaftServiceServer, ctx context.Context, req *ClientCommandRequest) (*ClientCommandResponse, error) {
				return srv.ClientCommand(ctx, req)
			}),
		},
		{
			MethodName: "Status",
			Handler: unaryHandler(StatusMethod, func(srv RaftServiceServer, ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
				return srv.Status(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jsonvault/raft",
}

// RaftServiceClient is the client API of the RaftService
type RaftServiceClient interface {
	RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error)
	ClientCommand(ctx context.Context, in *ClientCommandRequest, opts ...grpc.CallOption) (*ClientCommandResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
}

type raftServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftServiceClient wraps a connection. Every call uses the protobuf codec of this package.
func NewRaftServiceClient(cc grpc.ClientConnInterface) RaftServiceClient {
	return &raftServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftServiceClient) RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	return invoke[RequestVoteResponse](ctx, c.cc, RequestVoteMethod, in, opts)
}

func (c *raftServiceClient) AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	return invoke[AppendEntriesResponse](ctx, c.cc, AppendEntriesMethod, in, opts)
}

func (c *raftServiceClient) InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error) {
	return invoke[InstallSnapshotResponse](ctx, c.cc, InstallSnapshotMethod, in, opts)
}

func (c *raftServiceClient) ClientCommand(ctx context.Context, in *ClientCommandRequest, opts ...grpc.CallOption) (*ClientCommandResponse, error) {
	return invoke[ClientCommandResponse](ctx, c.cc, ClientCommandMethod, in, opts)
}

func (c *raftServiceClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, StatusMethod, in, opts)
}
