package grpcnet

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName  = "rmcast.Multicast"
	helloMethod  = "/rmcast.Multicast/Hello"
	streamMethod = "/rmcast.Multicast/Stream"

	// Metadata key carrying the id of the process that opened a stream
	senderKey = "rmcast-sender"
)

// The server side of the multicast service.
//
// Hello exchanges process ids. Stream carries the frames from one process to another,
// and is answered with the id of the receiving process when the sender closes it.
type multicastServer interface {
	Hello(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Stream(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*multicastServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Hello",
			Handler:    helloHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ClientStreams: true,
		},
	},
	Metadata: "rmcast.proto",
}

func helloHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(multicastServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: helloMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(multicastServer).Hello(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(multicastServer).Stream(stream)
}
