package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bridgekeeper.v1.Bridge"

// FullMethod returns the gRPC path of a method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// BridgeServer is the server API of the service.
type BridgeServer interface {
	Connect(context.Context, *ConnectRequest) (*Session, error)
	Disconnect(context.Context, *SessionRequest) (*Empty, error)
	GetStatus(context.Context, *SessionRequest) (*Session, error)
	ResetSession(context.Context, *Empty) (*Empty, error)
	RequestSync(context.Context, *SyncRequest) (*SyncStatus, error)
	GetSyncStatus(context.Context, *SyncRequest) (*SyncStatus, error)
	CancelSync(context.Context, *SyncRequest) (*CancelResponse, error)
	ListContacts(context.Context, *Empty) (*ContactList, error)
	ListMessages(context.Context, *ListMessagesRequest) (*MessageList, error)
}

func unary[Req, Resp any](name string, call func(BridgeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := Decode(req.(*structpb.Struct), &r); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
				}
				resp, err := call(srv.(BridgeServer), ctx, &r)
				if err != nil {
					return nil, err
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "%s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, handler)
		},
	}
}

// Bridge_ServiceDesc describes the service for grpc.Server.RegisterService.
var Bridge_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", BridgeServer.Connect),
		unary("Disconnect", BridgeServer.Disconnect),
		unary("GetStatus", BridgeServer.GetStatus),
		unary("ResetSession", BridgeServer.ResetSession),
		unary("RequestSync", BridgeServer.RequestSync),
		unary("GetSyncStatus", BridgeServer.GetSyncStatus),
		unary("CancelSync", BridgeServer.CancelSync),
		unary("ListContacts", BridgeServer.ListContacts),
		unary("ListMessages", BridgeServer.ListMessages),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bridgekeeper/v1/bridge",
}

// RegisterBridgeServer registers srv on s.
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&Bridge_ServiceDesc, srv)
}

// BridgeClient is the typed client of the service.
type BridgeClient struct {
	cc grpc.ClientConnInterface
}

// NewBridgeClient wraps a connection.
func NewBridgeClient(cc grpc.ClientConnInterface) *BridgeClient {
	return &BridgeClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	st, err := Encode(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := cc.Invoke(ctx, FullMethod(method), st, out, opts...); err != nil {
		return nil, err
	}
	var r Resp
	if err := Decode(out, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *BridgeClient) Connect(ctx context.Context, in *ConnectRequest, opts ...grpc.CallOption) (*Session, error) {
	return invoke[Session](ctx, c.cc, "Connect", in, opts...)
}

func (c *BridgeClient) Disconnect(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "Disconnect", in, opts...)
}

func (c *BridgeClient) GetStatus(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*Session, error) {
	return invoke[Session](ctx, c.cc, "GetStatus", in, opts...)
}

func (c *BridgeClient) ResetSession(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "ResetSession", in, opts...)
}

func (c *BridgeClient) RequestSync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (*SyncStatus, error) {
	return invoke[SyncStatus](ctx, c.cc, "RequestSync", in, opts...)
}

func (c *BridgeClient) GetSyncStatus(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (*SyncStatus, error) {
	return invoke[SyncStatus](ctx, c.cc, "GetSyncStatus", in, opts...)
}

func (c *BridgeClient) CancelSync(ctx context.Context, in *SyncRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c.cc, "CancelSync", in, opts...)
}

func (c *BridgeClient) ListContacts(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*ContactList, error) {
	return invoke[ContactList](ctx, c.cc, "ListContacts", in, opts...)
}

func (c *BridgeClient) ListMessages(ctx context.Context, in *ListMessagesRequest, opts ...grpc.CallOption) (*MessageList, error) {
	return invoke[MessageList](ctx, c.cc, "ListMessages", in, opts...)
}
