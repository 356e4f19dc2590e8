// Package grpcgw carries saga commands over gRPC. Each participant process
// serves saga.v1.Participant/Handle; commands and replies travel as
// google.protobuf.Struct so no generated stubs are needed.
package grpcgw

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
)

const (
	serviceName  = "saga.v1.Participant"
	handleMethod = "/saga.v1.Participant/Handle"
)

// ParticipantServer is the server API of saga.v1.Participant.
type ParticipantServer interface {
	Handle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handle", Handler: handleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "saga/v1/participant.proto",
}

func handleHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ParticipantServer).Handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: handleMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ParticipantServer).Handle(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Register serves d as saga.v1.Participant on s.
func Register(s grpc.ServiceRegistrar, d participant.Dispatcher) {
	s.RegisterService(&serviceDesc, &server{dispatcher: d})
}

type server struct {
	dispatcher participant.Dispatcher
}

func (s *server) Handle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var cmd coordinator.Command
	if err := fromStruct(in, &cmd); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode command: %v", err)
	}
	out, err := toStruct(s.dispatcher.Dispatch(ctx, cmd))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("grpcgw: build struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
