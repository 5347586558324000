package agentrpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "onefuzz.agentrpc.AgentService"

// DialOptions returns the grpc.DialOption a client needs to talk to a
// Server: force every call onto jsonCodec instead of gRPC's default
// protobuf codec.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
}

func unaryHandler[Req any, Resp any](method func(*Server, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return method(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from an agentrpc.proto — five unary methods, no streaming.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(func(s *Server, ctx context.Context, r *RegisterRequest) (*RegisterResponse, error) {
			return s.Register(ctx, r)
		})},
		{MethodName: "Heartbeat", Handler: unaryHandler(func(s *Server, ctx context.Context, r *HeartbeatRequest) (*Ack, error) {
			return s.Heartbeat(ctx, r)
		})},
		{MethodName: "StateUpdate", Handler: unaryHandler(func(s *Server, ctx context.Context, r *StateUpdateRequest) (*Ack, error) {
			return s.StateUpdate(ctx, r)
		})},
		{MethodName: "WorkerEvent", Handler: unaryHandler(func(s *Server, ctx context.Context, r *WorkerEventRequest) (*Ack, error) {
			return s.WorkerEvent(ctx, r)
		})},
		{MethodName: "StopTask", Handler: unaryHandler(func(s *Server, ctx context.Context, r *StopTaskRequest) (*Ack, error) {
			return s.StopTask(ctx, r)
		})},
	},
	Metadata: "agentrpc.proto",
}
