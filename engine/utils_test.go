package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rmcast/message"
	"rmcast/transport"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// A clock that only moves when told to
type fakeNow struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{now: start}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeNow) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

type sentFrame struct {
	to    message.ProcessID
	frame []byte
}

// A transport that records what is sent through it
type stubTransport struct {
	mu         sync.Mutex
	peers      []transport.Peer
	sendErr    error
	sent       []sentFrame
	broadcasts [][]byte
	in         chan transport.Inbound
	closed     bool
}

func newStubTransport(peers ...message.ProcessID) *stubTransport {
	st := &stubTransport{in: make(chan transport.Inbound, 16)}
	for _, id := range peers {
		st.peers = append(st.peers, transport.Peer{ID: id, Addr: "stub://" + string(id)})
	}
	return st
}

func (st *stubTransport) Send(_ context.Context, to message.ProcessID, frame []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sendErr != nil {
		return st.sendErr
	}
	st.sent = append(st.sent, sentFrame{to, frame})
	return nil
}

func (st *stubTransport) Broadcast(_ context.Context, frame []byte) map[string]error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.broadcasts = append(st.broadcasts, frame)
	return map[string]error{}
}

func (st *stubTransport) Peers() []transport.Peer { return st.peers }

func (st *stubTransport) Inbound() <-chan transport.Inbound { return st.in }

func (st *stubTransport) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.in)
	}
	return nil
}

func (st *stubTransport) Sent() []sentFrame {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]sentFrame(nil), st.sent...)
}

func (st *stubTransport) Broadcasts() [][]byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([][]byte(nil), st.broadcasts...)
}

func encode(t *testing.T, m message.Message) []byte {
	frame, err := message.Encode(m)
	require.NoError(t, err)
	return frame
}

func decode(t *testing.T, frame []byte) message.Message {
	m, err := message.Decode(frame)
	require.NoError(t, err)
	return m
}

func newEngine(t *testing.T, cfg Config, tr transport.Transport, opts ...Option) *Engine {
	e, err := New(cfg, tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}
