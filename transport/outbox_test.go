package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"rmcast/message"
)

// A connection that records the frames written to it
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Hands out connections, failing the first attempts
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
	id       message.ProcessID
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Conn, message.ProcessID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, "", errors.Newf("connection refused by %s", addr)
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	return c, d.id, nil
}

func (d *fakeDialer) Conns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

var fastPolicy = DialPolicy{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func runOutbox(t *testing.T, ob *Outbox) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ob.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitConnected(t *testing.T, ob *Outbox) {
	select {
	case <-ob.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("Outbox did not connect")
	}
}

func TestOutboxWritesInOrder(t *testing.T) {
	d := &fakeDialer{id: "B"}
	identified := make(chan message.ProcessID, 1)
	ob := NewOutbox("b:1", d.Dial, fastPolicy, 8, func(addr string, id message.ProcessID) { identified <- id })

	err := ob.Enqueue([]byte("early"))
	require.True(t, errors.Is(err, ErrPeerUnavailable), "Unexpected error: %v", err)

	runOutbox(t, ob)
	waitConnected(t, ob)
	require.Equal(t, message.ProcessID("B"), <-identified)
	require.Equal(t, message.ProcessID("B"), ob.ID())

	for _, f := range []string{"1", "2", "3"} {
		require.NoError(t, ob.Enqueue([]byte(f)))
	}
	require.Eventually(t, func() bool { return len(d.Conns()[0].Frames()) == 3 }, 5*time.Second, time.Millisecond)
	require.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, d.Conns()[0].Frames())
}

func TestOutboxRetriesInitialConnect(t *testing.T) {
	// More failures than initial attempts, so the outbox falls back to reconnecting in the background
	d := &fakeDialer{id: "B", failures: 5}
	ob := NewOutbox("b:1", d.Dial, fastPolicy, 8, nil)
	runOutbox(t, ob)
	waitConnected(t, ob)
	require.Equal(t, 6, d.Dials())
	require.True(t, ob.Connected())
}

func TestOutboxReconnectsAfterWriteError(t *testing.T) {
	d := &fakeDialer{id: "B"}
	ob := NewOutbox("b:1", d.Dial, fastPolicy, 8, nil)
	runOutbox(t, ob)
	waitConnected(t, ob)

	first := d.Conns()[0]
	first.mu.Lock()
	first.fail = true
	first.mu.Unlock()

	require.NoError(t, ob.Enqueue([]byte("lost")))
	require.Eventually(t, func() bool { return len(d.Conns()) == 2 && ob.Connected() }, 5*time.Second, time.Millisecond)

	require.NoError(t, ob.Enqueue([]byte("after")))
	require.Eventually(t, func() bool { return len(d.Conns()[1].Frames()) == 1 }, 5*time.Second, time.Millisecond)
	first.mu.Lock()
	defer first.mu.Unlock()
	require.True(t, first.closed)
}

func TestOutboxFull(t *testing.T) {
	d := &fakeDialer{id: "B"}
	ob := NewOutbox("b:1", d.Dial, fastPolicy, 1, nil)
	// Connect without running the writer so the queue fills up
	conn, id, err := d.Dial(context.Background(), "b:1")
	require.NoError(t, err)
	ob.setConn(context.Background(), conn, id)

	require.NoError(t, ob.Enqueue([]byte("1")))
	err = ob.Enqueue([]byte("2"))
	require.True(t, errors.Is(err, ErrOutboxFull), "Unexpected error: %v", err)
}

func TestMesh(t *testing.T) {
	dialers := map[string]*fakeDialer{
		"b:1": {id: "B"},
		"c:1": {id: "C", failures: 1000},
	}
	dial := func(ctx context.Context, addr string) (Conn, message.ProcessID, error) {
		return dialers[addr].Dial(ctx, addr)
	}
	m := NewMesh(context.Background(), []Peer{{Addr: "b:1"}, {ID: "C", Addr: "c:1"}}, dial, fastPolicy, 8, 0)
	defer m.Close()

	require.Eventually(t, func() bool { return m.Peers()[0].ID == "B" }, 5*time.Second, time.Millisecond)
	require.Equal(t, []Peer{{ID: "B", Addr: "b:1"}, {ID: "C", Addr: "c:1"}}, m.Peers())

	require.NoError(t, m.Send(context.Background(), "B", []byte("x")))
	// C is configured but has never completed a handshake
	err := m.Send(context.Background(), "C", []byte("x"))
	require.True(t, errors.Is(err, ErrUnknownPeer), "Unexpected error: %v", err)

	failures := m.Broadcast(context.Background(), []byte("y"))
	require.Len(t, failures, 1)
	require.True(t, errors.Is(failures["c:1"], ErrPeerUnavailable))

	require.NoError(t, m.Close())
	require.True(t, errors.Is(m.Send(context.Background(), "B", []byte("x")), ErrClosed))
	select {
	case <-m.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("Ready was not closed after Close")
	}
}

func TestMeshFrameTooLarge(t *testing.T) {
	d := &fakeDialer{id: "B"}
	m := NewMesh(context.Background(), []Peer{{Addr: "b:1"}}, d.Dial, fastPolicy, 8, 4)
	defer m.Close()
	require.Eventually(t, func() bool { return m.Peers()[0].ID == "B" }, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Send(context.Background(), "B", []byte("1234")))
	err := m.Send(context.Background(), "B", []byte("12345"))
	require.True(t, errors.Is(err, ErrFrameTooLarge), "Unexpected error: %v", err)

	failures := m.Broadcast(context.Background(), []byte("12345"))
	require.Len(t, failures, 1)
	require.True(t, errors.Is(failures["b:1"], ErrFrameTooLarge))
}
