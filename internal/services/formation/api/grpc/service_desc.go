package grpc

import (
	"context"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "formation.v1.JourneyService"

// Full method names.
const (
	SubmitCommandMethod = "/" + ServiceName + "/SubmitCommand"
	GetJourneyMethod    = "/" + ServiceName + "/GetJourney"
	ListEventsMethod    = "/" + ServiceName + "/ListEvents"
)

// JourneyServiceServer is the server API of JourneyService.
type JourneyServiceServer interface {
	SubmitCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJourney(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterJourneyServiceServer registers srv on s.
func RegisterJourneyServiceServer(s gogrpc.ServiceRegistrar, srv JourneyServiceServer) {
	s.RegisterService(&JourneyServiceDesc, srv)
}

func unaryHandler(method string, call func(JourneyServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) gogrpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JourneyServiceServer), ctx, in)
		}
		info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JourneyServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// JourneyServiceDesc describes JourneyService for grpc.Server.
var JourneyServiceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JourneyServiceServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{
			MethodName: "SubmitCommand",
			Handler:    unaryHandler(SubmitCommandMethod, JourneyServiceServer.SubmitCommand),
		},
		{
			MethodName: "GetJourney",
			Handler:    unaryHandler(GetJourneyMethod, JourneyServiceServer.GetJourney),
		},
		{
			MethodName: "ListEvents",
			Handler:    unaryHandler(ListEventsMethod, JourneyServiceServer.ListEvents),
		},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "formation/v1/journey.proto",
}

// JourneyServiceClient is the client API of JourneyService.
type JourneyServiceClient struct {
	cc gogrpc.ClientConnInterface
}

// NewJourneyServiceClient wraps cc.
func NewJourneyServiceClient(cc gogrpc.ClientConnInterface) *JourneyServiceClient {
	return &JourneyServiceClient{cc: cc}
}

func (c *JourneyServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitCommand calls JourneyService.SubmitCommand.
func (c *JourneyServiceClient) SubmitCommand(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SubmitCommandMethod, in, opts...)
}

// GetJourney calls JourneyService.GetJourney.
func (c *JourneyServiceClient) GetJourney(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetJourneyMethod, in, opts...)
}

// ListEvents calls JourneyService.ListEvents.
func (c *JourneyServiceClient) ListEvents(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, ListEventsMethod, in, opts...)
}
