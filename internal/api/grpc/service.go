// Package grpcapi serves the openacq.v1.Admin service. Messages are
// well-known protobuf types so no generated code is needed.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "openacq.v1.Admin"

	ListDevicesMethod   = "/" + ServiceName + "/ListDevices"
	ChangeBindingMethod = "/" + ServiceName + "/ChangeBinding"
	StreamEventsMethod  = "/" + ServiceName + "/StreamEvents"
)

// AdminServer is the server API for the Admin service.
//
// ChangeBinding takes {"device", "cset", "target": "transport"|"timing",
// "name"}. StreamEvents takes {"device", "kinds"} and streams events until
// the client goes away.
type AdminServer interface {
	ListDevices(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ChangeBinding(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, Admin_StreamEventsServer) error
}

type Admin_StreamEventsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type adminStreamEventsServer struct {
	grpc.ServerStream
}

func (x *adminStreamEventsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&Admin_ServiceDesc, srv)
}

func _Admin_ListDevices_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListDevices(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListDevicesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListDevices(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_ChangeBinding_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ChangeBinding(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ChangeBindingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ChangeBinding(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_StreamEvents_Handler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(AdminServer).StreamEvents(m, &adminStreamEventsServer{stream})
}

var Admin_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: _Admin_ListDevices_Handler},
		{MethodName: "ChangeBinding", Handler: _Admin_ChangeBinding_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       _Admin_StreamEvents_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "openacq/v1/admin.proto",
}

// AdminClient is the client API for the Admin service.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) ListDevices(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListDevicesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) ChangeBinding(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ChangeBindingMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives streamed events.
type EventStream struct {
	grpc.ClientStream
}

func (x *EventStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *AdminClient) StreamEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &Admin_ServiceDesc.Streams[0], StreamEventsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &EventStream{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
