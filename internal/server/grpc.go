package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	EvaluationServiceName = "flagbase.v1.EvaluationService"

	evaluateMethod     = "/" + EvaluationServiceName + "/Evaluate"
	evaluateAllMethod  = "/" + EvaluationServiceName + "/EvaluateAll"
	watchUpdatesMethod = "/" + EvaluationServiceName + "/WatchUpdates"
)

// EvaluationServiceServer is the gRPC evaluation API. Messages are
// [structpb.Struct] values carrying the same JSON shapes as the HTTP API.
type EvaluationServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchUpdates(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// EvaluationServiceDesc describes EvaluationService for grpc.Server.RegisterService.
var EvaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluationServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "EvaluateAll", Handler: evaluateAllHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchUpdates", Handler: watchUpdatesHandler, ServerStreams: true},
	},
	Metadata: "flagbase/v1/evaluation.proto",
}

// RegisterEvaluationServiceServer registers srv on s.
func RegisterEvaluationServiceServer(s grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	s.RegisterService(&EvaluationServiceDesc, srv)
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateAllHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServiceServer).EvaluateAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateAllMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServiceServer).EvaluateAll(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchUpdatesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EvaluationServiceServer).WatchUpdates(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// GRPCServer implements [EvaluationServiceServer] over an Instance.
type GRPCServer struct {
	instance Instance
}

var _ EvaluationServiceServer = (*GRPCServer)(nil)

func NewGRPCServer(inst Instance) *GRPCServer {
	if inst == nil {
		panic("instance is nil")
	}

	return &GRPCServer{instance: inst}
}

func (s *GRPCServer) Evaluate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	items, err := request.items()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	response, err := evaluateItems(s.instance, items)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	return toStruct(response)
}

func (s *GRPCServer) EvaluateAll(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluationsRequest
	if err := fromStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}

	return toStruct(evaluationsResponse{
		Revision: s.instance.Revision(),
		Features: s.instance.GetAllEvaluations(request.Context, request.Features...),
	})
}

// WatchUpdates sends the current datafile summary, if any, and then one
// message per installed update until the client goes away.
func (s *GRPCServer) WatchUpdates(_ *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	updates, unsubscribe := subscribeUpdates(s.instance)
	defer unsubscribe()

	if summary, err := summarize(s.instance); err == nil {
		msg, err := toStruct(map[string]any{"event": "datafile", "datafile": summary})
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case event := <-updates:
			msg, err := toStruct(map[string]any{"event": "update", "update": toUpdatePayload(event)})
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// toStruct round-trips v through JSON so struct tags decide the wire shape.
func toStruct(v any) (*structpb.Struct, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return nil
	}

	encoded, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, dst)
}

// EvaluationClient calls EvaluationService.
type EvaluationClient struct {
	cc grpc.ClientConnInterface
}

func NewEvaluationClient(cc grpc.ClientConnInterface) *EvaluationClient {
	return &EvaluationClient{cc: cc}
}

func (c *EvaluationClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EvaluationClient) EvaluateAll(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, evaluateAllMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchUpdates opens the update stream. Recv returns io.EOF once the server
// ends it.
func (c *EvaluationClient) WatchUpdates(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &EvaluationServiceDesc.Streams[0], watchUpdatesMethod, opts...)
	if err != nil {
		return nil, err
	}
	watch := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := watch.SendMsg(&structpb.Struct{}); err != nil {
		return nil, fmt.Errorf("send watch request: %w", err)
	}
	if err := watch.CloseSend(); err != nil {
		return nil, fmt.Errorf("close watch request: %w", err)
	}
	return watch, nil
}
