package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "parallelmorph.Morph"

const (
	submitMethod = "/" + ServiceName + "/Submit"
	cancelMethod = "/" + ServiceName + "/Cancel"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// MorphService is implemented by the server side of parallelmorph.Morph.
// Messages are google.protobuf.Struct values so no generated code is needed.
type MorphService interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// RegisterMorphService registers srv on s.
func RegisterMorphService(s grpc.ServiceRegistrar, srv MorphService) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler(method string, call func(MorphService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MorphService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MorphService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MorphService).Watch(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MorphService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler(submitMethod, MorphService.Submit)},
		{MethodName: "Cancel", Handler: unaryHandler(cancelMethod, MorphService.Cancel)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "parallelmorph/morph.proto",
}
