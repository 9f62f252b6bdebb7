package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// serviceName matches the package path a protoc-generated service would use;
// kept here since this service is hand-registered rather than generated.
const serviceName = "fundingarb.control.v1.ControlService"

func decodeEmpty(dec func(any) error) (*emptypb.Empty, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	return in, nil
}

func handleGetStatus(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in, err := decodeEmpty(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Service).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handleGetPositions(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in, err := decodeEmpty(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).GetPositions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetPositions"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Service).GetPositions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func handleGetPnL(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in, err := decodeEmpty(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Service).GetPnL(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetPnL"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Service).GetPnL(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the grpc.ServiceDesc a protoc-gen-go-grpc plugin would emit
// from a control.proto defining GetStatus/GetPositions/GetPnL — written by
// hand here since this surface has no .proto contract to compile.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: handleGetStatus},
		{MethodName: "GetPositions", Handler: handleGetPositions},
		{MethodName: "GetPnL", Handler: handleGetPnL},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "control.proto",
}
