package transport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"rmcast/message"
)

// Mesh owns the outboxes to a fixed set of peers and routes frames to them.
//
// Connection oriented transports embed a Mesh and add the receiving side.
type Mesh struct {
	configured []Peer
	outboxes   []*Outbox
	maxFrame   int

	mu   sync.Mutex
	byID map[message.ProcessID]*Outbox

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Create a Mesh and start connecting to the peers.
//
// The outboxes run until Close is called. Frames larger than maxFrameSize are rejected, 0 means no limit.
func NewMesh(ctx context.Context, peers []Peer, dial Dialer, policy DialPolicy, outboxSize, maxFrameSize int) *Mesh {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Mesh{
		configured: append([]Peer(nil), peers...),
		maxFrame:   maxFrameSize,
		byID:       make(map[message.ProcessID]*Outbox),
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	for _, p := range peers {
		ob := NewOutbox(p.Addr, dial, policy, outboxSize, m.identify)
		m.outboxes = append(m.outboxes, ob)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ob.Run(ctx)
		}()
	}
	return m
}

func (m *Mesh) identify(addr string, id message.ProcessID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ob := range m.outboxes {
		if ob.Addr() == addr {
			m.byID[id] = ob
		}
	}
}

func (m *Mesh) Send(ctx context.Context, to message.ProcessID, frame []byte) error {
	if m.IsClosed() {
		return ErrClosed
	}
	if err := m.checkSize(frame); err != nil {
		return err
	}
	m.mu.Lock()
	ob, ok := m.byID[to]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "send to %s", to)
	}
	return ob.Enqueue(frame)
}

func (m *Mesh) Broadcast(ctx context.Context, frame []byte) map[string]error {
	failures := make(map[string]error)
	sizeErr := m.checkSize(frame)
	for _, ob := range m.outboxes {
		if sizeErr != nil {
			failures[ob.Addr()] = sizeErr
			continue
		}
		if m.IsClosed() {
			failures[ob.Addr()] = ErrClosed
			continue
		}
		if err := ob.Enqueue(frame); err != nil {
			failures[ob.Addr()] = err
		}
	}
	return failures
}

func (m *Mesh) checkSize(frame []byte) error {
	if m.maxFrame > 0 && len(frame) > m.maxFrame {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes, limit %d", len(frame), m.maxFrame)
	}
	return nil
}

// The configured peers. An id learned from the handshake replaces the configured one
func (m *Mesh) Peers() []Peer {
	peers := make([]Peer, 0, len(m.outboxes))
	for i, ob := range m.outboxes {
		id := ob.ID()
		if id == "" {
			id = m.configured[i].ID
		}
		peers = append(peers, Peer{ID: id, Addr: ob.Addr()})
	}
	return peers
}

// Returns a channel that is closed when every peer has connected at least once, or the mesh is closed
func (m *Mesh) Ready() <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		defer close(ready)
		for _, ob := range m.outboxes {
			select {
			case <-ob.Ready():
			case <-m.closed:
				return
			}
		}
	}()
	return ready
}

// Closed when the mesh is closed
func (m *Mesh) Done() <-chan struct{} {
	return m.closed
}

func (m *Mesh) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Stop every outbox and wait for them to close their connections
func (m *Mesh) Close() error {
	m.once.Do(func() {
		close(m.closed)
		m.cancel()
		m.wg.Wait()
	})
	return nil
}
