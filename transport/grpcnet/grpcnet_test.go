package grpcnet

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"rmcast/message"
	"rmcast/transport"
)

func listen(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func fastDial() transport.DialPolicy {
	return transport.DialPolicy{Attempts: 3, Backoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
}

func pair(t *testing.T) (*Transport, *Transport) {
	lnA, lnB := listen(t), listen(t)
	a := New(context.Background(), lnA, Config{ID: "A", Peers: []transport.Peer{{Addr: lnB.Addr().String()}}, Dial: fastDial()})
	b := New(context.Background(), lnB, Config{ID: "B", Peers: []transport.Peer{{Addr: lnA.Addr().String()}}, Dial: fastDial()})
	t.Cleanup(func() {
		require.NoError(t, a.Close())
		require.NoError(t, b.Close())
	})
	for _, tr := range []*Transport{a, b} {
		select {
		case <-tr.Ready():
		case <-time.After(10 * time.Second):
			t.Fatalf("Transport did not connect to its peers")
		}
	}
	return a, b
}

func receive(t *testing.T, tr *Transport) transport.Inbound {
	select {
	case in := <-tr.Inbound():
		return in
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for a frame")
	}
	return transport.Inbound{}
}

func clientConn(t *testing.T, addr string) *grpc.ClientConn {
	cc, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func TestSendAndReceive(t *testing.T) {
	a, b := pair(t)
	require.Equal(t, message.ProcessID("B"), a.Peers()[0].ID)
	require.Equal(t, message.ProcessID("A"), b.Peers()[0].ID)

	frames := []string{`{"n":1}`, `{"n":2}`}
	for _, f := range frames {
		require.NoError(t, a.Send(context.Background(), "B", []byte(f)))
	}
	for _, f := range frames {
		in := receive(t, b)
		require.Equal(t, message.ProcessID("A"), in.From)
		require.Equal(t, f, string(in.Frame))
	}

	require.Empty(t, b.Broadcast(context.Background(), []byte(`{"n":3}`)))
	require.Equal(t, `{"n":3}`, string(receive(t, a).Frame))

	require.Eventually(t, func() bool {
		sentA, _ := a.Frames()
		return sentA == 2
	}, 5*time.Second, 5*time.Millisecond)
	_, receivedB := b.Frames()
	require.Equal(t, uint64(2), receivedB)
}

func TestSendToUnknownPeer(t *testing.T) {
	a, _ := pair(t)
	err := a.Send(context.Background(), "Z", []byte(`{}`))
	require.True(t, errors.Is(err, transport.ErrUnknownPeer), "Unexpected error: %v", err)
}

func TestHelloRejectsEmptyID(t *testing.T) {
	tr := New(context.Background(), listen(t), Config{ID: "A"})
	defer tr.Close()

	cc := clientConn(t, tr.Addr().String())
	resp := new(wrapperspb.StringValue)
	err := cc.Invoke(context.Background(), helloMethod, wrapperspb.String(""), resp)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = cc.Invoke(context.Background(), helloMethod, wrapperspb.String("C"), resp)
	require.NoError(t, err)
	require.Equal(t, "A", resp.GetValue())
}

func TestStreamRequiresSender(t *testing.T) {
	tr := New(context.Background(), listen(t), Config{ID: "A"})
	defer tr.Close()

	cc := clientConn(t, tr.Addr().String())
	cs, err := cc.NewStream(context.Background(), &serviceDesc.Streams[0], streamMethod)
	require.NoError(t, err)
	require.NoError(t, cs.CloseSend())
	err = cs.RecvMsg(new(wrapperspb.StringValue))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestOversizeFrameIsDropped(t *testing.T) {
	tr := New(context.Background(), listen(t), Config{ID: "A", MaxFrameSize: 64})
	defer tr.Close()

	cc := clientConn(t, tr.Addr().String())
	ctx := metadata.AppendToOutgoingContext(context.Background(), senderKey, "C")
	cs, err := cc.NewStream(ctx, &serviceDesc.Streams[0], streamMethod)
	require.NoError(t, err)

	// The stream stays open and the next frame arrives
	require.NoError(t, cs.SendMsg(wrapperspb.Bytes([]byte(strings.Repeat("x", 65)))))
	require.NoError(t, cs.SendMsg(wrapperspb.Bytes([]byte(`{"ok":1}`))))
	in := receive(t, tr)
	require.Equal(t, `{"ok":1}`, string(in.Frame))
	require.Equal(t, message.ProcessID("C"), in.From)
	require.NoError(t, cs.CloseSend())
}

func TestClose(t *testing.T) {
	tr := New(context.Background(), listen(t), Config{ID: "A"})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, ok := <-tr.Inbound()
	require.False(t, ok)
	require.True(t, errors.Is(tr.Send(context.Background(), "B", []byte(`{}`)), transport.ErrClosed))
}

func TestListenFailsOnBoundAddress(t *testing.T) {
	ln := listen(t)
	defer ln.Close()
	_, err := Listen(context.Background(), ln.Addr().String(), Config{ID: "A"})
	require.Error(t, err)
}
