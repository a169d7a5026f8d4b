// Package grpcnet carries frames over gRPC.
//
// Every process opens one client stream to each peer and sends its frames on it.
// Before the stream is opened a Hello call exchanges the process ids.
// Frames are wrapped in the protobuf BytesValue well-known type, so no generated code is needed.
package grpcnet

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"rmcast/log"
	"rmcast/message"
	"rmcast/transport"
)

const (
	DefaultOutboxSize       = 256
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMaxFrameSize     = 1 << 20
	// Room for the BytesValue wrapper around a frame of MaxFrameSize
	wrapperOverhead = 16
)

type Config struct {
	ID message.ProcessID
	// The peers to dial. The ids may be empty, they are learned from the handshake
	Peers            []transport.Peer
	Dial             transport.DialPolicy
	OutboxSize       int
	MaxFrameSize     int
	HandshakeTimeout time.Duration
	// Extra options for the outbound connections
	DialOptions []grpc.DialOption
}

func (c *Config) setDefaults() {
	if c.Dial.Attempts == 0 {
		c.Dial = transport.DefaultDialPolicy()
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Transport implements transport.Transport over gRPC
type Transport struct {
	*transport.Mesh

	cfg     Config
	ln      net.Listener
	srv     *grpc.Server
	ctx     context.Context
	counter frameCounter

	// Held while a stream handler is running
	mu       sync.Mutex
	handlers sync.WaitGroup
	stopped  bool

	in     chan transport.Inbound
	served chan struct{}
	once   sync.Once
}

// Bind addr and start the transport.
//
// Failing to bind is the only error; peers that cannot be reached are retried in the background.
func Listen(ctx context.Context, addr string, cfg Config) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return New(ctx, ln, cfg), nil
}

// Start the transport on a bound listener.
//
// The transport takes ownership of the listener. ctx only carries log tags; use Close to stop the transport.
func New(ctx context.Context, ln net.Listener, cfg Config) *Transport {
	cfg.setDefaults()
	ctx = log.WithTag(ctx, "grpc", ln.Addr().String())
	t := &Transport{
		cfg:    cfg,
		ln:     ln,
		ctx:    ctx,
		in:     make(chan transport.Inbound, cfg.OutboxSize),
		served: make(chan struct{}),
	}
	t.srv = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxFrameSize+wrapperOverhead),
		grpc.UnaryInterceptor(unaryServerInterceptor()),
		grpc.StreamInterceptor(t.counter.streamServerInterceptor()),
	)
	t.srv.RegisterService(&serviceDesc, t)

	go func() {
		defer close(t.served)
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Errorf(ctx, "serve: %v", err)
		}
	}()
	t.Mesh = transport.NewMesh(ctx, cfg.Peers, t.dial, cfg.Dial, cfg.OutboxSize, cfg.MaxFrameSize)
	return t
}

// The address the transport listens on
func (t *Transport) Addr() net.Addr {
	return t.ln.Addr()
}

func (t *Transport) Inbound() <-chan transport.Inbound {
	return t.in
}

// The number of frames written to and read from streams
func (t *Transport) Frames() (sent, received uint64) {
	return t.counter.sent.Load(), t.counter.received.Load()
}

// Stop the server and every stream. The inbound channel is closed once every stream handler has returned
func (t *Transport) Close() error {
	t.once.Do(func() {
		_ = t.Mesh.Close()
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		t.srv.Stop()
		<-t.served
		t.handlers.Wait()
		close(t.in)
	})
	return nil
}

// Hello answers the handshake of a peer with the id of this process
func (t *Transport) Hello(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty process id")
	}
	return wrapperspb.String(string(t.cfg.ID)), nil
}

// Stream receives the frames of one peer until the peer closes the stream
func (t *Transport) Stream(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	senders := md.Get(senderKey)
	if len(senders) != 1 || senders[0] == "" {
		return status.Error(codes.InvalidArgument, "missing sender")
	}
	from := message.ProcessID(senders[0])

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return status.Error(codes.Unavailable, "transport closed")
	}
	t.handlers.Add(1)
	t.mu.Unlock()
	defer t.handlers.Done()

	ctx := log.WithTag(t.ctx, "remote", from)
	log.Infof(ctx, "stream from %s opened", from)
	for {
		frame := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(frame)
		if err == io.EOF {
			log.Infof(ctx, "stream from %s closed", from)
			return stream.SendMsg(wrapperspb.String(string(t.cfg.ID)))
		}
		if err != nil {
			return err
		}
		if len(frame.GetValue()) == 0 {
			continue
		}
		if len(frame.GetValue()) > t.cfg.MaxFrameSize {
			log.Warningf(ctx, "dropping frame from %s: %d bytes, limit %d", from, len(frame.GetValue()), t.cfg.MaxFrameSize)
			continue
		}
		select {
		case t.in <- transport.Inbound{From: from, Frame: frame.GetValue()}:
		case <-t.Done():
			return status.Error(codes.Unavailable, "transport closed")
		}
	}
}

func (t *Transport) dial(ctx context.Context, addr string) (transport.Conn, message.ProcessID, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithStreamInterceptor(t.counter.streamClientInterceptor()),
	}, t.cfg.DialOptions...)
	cc, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		return nil, "", err
	}

	resp := new(wrapperspb.StringValue)
	if err := cc.Invoke(dialCtx, helloMethod, wrapperspb.String(string(t.cfg.ID)), resp); err != nil {
		_ = cc.Close()
		return nil, "", errors.Wrap(err, "hello")
	}
	if resp.GetValue() == "" {
		_ = cc.Close()
		return nil, "", errors.New("hello: peer sent an empty id")
	}

	// The stream lives until the connection is closed, not until the dial times out
	streamCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, senderKey, string(t.cfg.ID))
	cs, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], streamMethod)
	if err != nil {
		stop()
		_ = cc.Close()
		return nil, "", errors.Wrap(err, "open stream")
	}
	return &streamConn{cc: cc, stream: cs, stop: stop}, message.ProcessID(resp.GetValue()), nil
}

// The sending side of a stream
type streamConn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	stop   context.CancelFunc
}

func (c *streamConn) WriteFrame(frame []byte) error {
	if err := c.stream.SendMsg(&wrapperspb.BytesValue{Value: frame}); err != nil {
		if err == io.EOF {
			// The real error is reported by RecvMsg
			err = c.stream.RecvMsg(new(wrapperspb.StringValue))
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
		}
		return err
	}
	return nil
}

func (c *streamConn) Close() error {
	_ = c.stream.CloseSend()
	c.stop()
	return c.cc.Close()
}
