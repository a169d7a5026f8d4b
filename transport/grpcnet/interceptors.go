package grpcnet

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"

	"rmcast/log"
)

// Counts the frames that pass through the interceptors of a transport
type frameCounter struct {
	sent     atomic.Uint64
	received atomic.Uint64
}

// Create a StreamClientInterceptor that counts every frame sent on a stream
func (fc *frameCounter) streamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			log.Warningf(ctx, "open %s to %s: %v", method, cc.Target(), err)
			return nil, err
		}
		log.Debugf(ctx, "opened %s to %s", method, cc.Target())
		return &countingClientStream{ClientStream: cs, counter: &fc.sent}, nil
	}
}

// Create a StreamServerInterceptor that counts every frame received on a stream
func (fc *frameCounter) streamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, &countingServerStream{ServerStream: ss, counter: &fc.received})
		if err != nil {
			log.Debugf(ss.Context(), "%s ended: %v", info.FullMethod, err)
		}
		return err
	}
}

// Create a UnaryServerInterceptor that logs every handshake
func unaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			log.Warningf(ctx, "%s failed: %v", info.FullMethod, err)
		} else {
			log.Debugf(ctx, "%s from %v", info.FullMethod, req)
		}
		return resp, err
	}
}

type countingClientStream struct {
	grpc.ClientStream
	counter *atomic.Uint64
}

func (s *countingClientStream) SendMsg(m interface{}) error {
	err := s.ClientStream.SendMsg(m)
	if err == nil {
		s.counter.Add(1)
	}
	return err
}

type countingServerStream struct {
	grpc.ServerStream
	counter *atomic.Uint64
}

func (s *countingServerStream) RecvMsg(m interface{}) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.counter.Add(1)
	}
	return err
}
