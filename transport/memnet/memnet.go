// Package memnet is an in-memory network of processes.
//
// Every process gets an Endpoint that implements transport.Transport.
// Frames in flight are held by a scheduler that decides the order in which they arrive,
// and a failure manager crashes processes and cuts links.
// Every send attempt is recorded so tests can observe retransmissions.
package memnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"rmcast/failureManager"
	"rmcast/log"
	"rmcast/message"
	"rmcast/scheduler"
	"rmcast/transport"
)

// A frame in flight
type Frame struct {
	From message.ProcessID
	To   message.ProcessID
	Data []byte
}

type attemptKey struct {
	from message.ProcessID
	to   message.ProcessID
	kind message.Kind
	id   message.ID
}

// Network connects endpoints in memory
type Network struct {
	mu        sync.Mutex
	endpoints map[message.ProcessID]*Endpoint
	attempts  map[attemptKey]int
	delivered int
	dropped   int

	sched  scheduler.Scheduler[Frame]
	fm     *failureManager.PerfectFailureManager[Endpoint]
	manual bool
	buffer int

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Network)

// Use the scheduler to order frames in flight. The default is FIFO
func WithScheduler(s scheduler.Scheduler[Frame]) Option {
	return func(n *Network) { n.sched = s }
}

// Do not deliver frames in the background. Frames are only delivered by Step
func WithManualDelivery() Option {
	return func(n *Network) { n.manual = true }
}

// The number of frames that can wait in the inbound channel of an endpoint
func WithInboundBuffer(size int) Option {
	return func(n *Network) { n.buffer = size }
}

// Create a new Network
func New(opts ...Option) *Network {
	n := &Network{
		endpoints: make(map[message.ProcessID]*Endpoint),
		attempts:  make(map[attemptKey]int),
		sched:     scheduler.NewQueue[Frame](),
		buffer:    1024,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.fm = failureManager.NewPerfectFailureManager(func(e *Endpoint) { n.crash(e) })
	if !n.manual {
		go n.pump()
	}
	return n
}

// Create the endpoint of a process.
//
// The peers of an endpoint are all other endpoints of the network,
// so every endpoint should be created before the processes start.
func (n *Network) Endpoint(id message.ProcessID) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, errors.Newf("memnet: endpoint %s already exists", id)
	}
	e := &Endpoint{
		id:   id,
		net:  n,
		in:   make(chan transport.Inbound, n.buffer),
		done: make(chan struct{}),
	}
	n.endpoints[id] = e
	n.fm.Add(id, e)
	return e, nil
}

// The failure manager of the network
func (n *Network) Failures() *failureManager.PerfectFailureManager[Endpoint] {
	return n.fm
}

// Crash the process. Its endpoint is closed and every frame in flight to or from it is lost
func (n *Network) Crash(id message.ProcessID) error {
	return n.fm.NodeCrash(id)
}

func (n *Network) crash(e *Endpoint) {
	removed := n.sched.Drop(func(f Frame) bool { return f.To == e.id || f.From == e.id })
	n.mu.Lock()
	n.dropped += removed
	n.mu.Unlock()
	_ = e.Close()
}

// The number of times a frame of the kind for the message was sent from one process to another.
// For acknowledgments id is the acknowledged message.
// Attempts count even if the frame was lost.
func (n *Network) Attempts(from, to message.ProcessID, kind message.Kind, id message.ID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[attemptKey{from, to, kind, id}]
}

// The number of frames delivered to an endpoint
func (n *Network) Delivered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered
}

// The number of frames lost to crashes and cut links
func (n *Network) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// The number of frames in flight
func (n *Network) InFlight() int {
	return n.sched.Len()
}

// Deliver the next frame in flight. Returns false if there is none
func (n *Network) Step() bool {
	f, err := n.sched.Next()
	if err != nil {
		return false
	}
	n.deliver(f)
	return true
}

// Hand a frame directly to the endpoint of a process as if it was sent by another.
// The frame is not recorded and bypasses the scheduler and the failure manager.
// Used to inject duplicates.
func (n *Network) Inject(from, to message.ProcessID, data []byte) error {
	n.mu.Lock()
	e, ok := n.endpoints[to]
	n.mu.Unlock()
	if !ok {
		return errors.Wrapf(transport.ErrUnknownPeer, "inject to %s", to)
	}
	if !e.push(transport.Inbound{From: from, Frame: data}) {
		return errors.Wrapf(transport.ErrClosed, "inject to %s", to)
	}
	return nil
}

// Stop delivering frames and close every endpoint
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
	})
	n.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(n.endpoints))
	for _, e := range n.endpoints {
		endpoints = append(endpoints, e)
	}
	n.mu.Unlock()
	for _, e := range endpoints {
		_ = e.Close()
	}
}

func (n *Network) send(from, to message.ProcessID, data []byte) error {
	n.mu.Lock()
	if _, ok := n.endpoints[to]; !ok {
		n.mu.Unlock()
		return errors.Wrapf(transport.ErrUnknownPeer, "send to %s", to)
	}
	if m, err := message.Decode(data); err == nil {
		id := m.ID
		if m.Kind == message.Ack {
			id = m.AckTarget
		}
		n.attempts[attemptKey{from, to, m.Kind, id}]++
	}
	n.mu.Unlock()

	if !n.fm.Correct(to) {
		return errors.Wrapf(transport.ErrPeerUnavailable, "send to %s", to)
	}
	if !n.fm.Reachable(from, to) {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		return nil
	}
	n.sched.Add(Frame{From: from, To: to, Data: data})
	select {
	case n.signal <- struct{}{}:
	default:
	}
	return nil
}

func (n *Network) pump() {
	for {
		f, err := n.sched.Next()
		if err != nil {
			select {
			case <-n.signal:
				continue
			case <-n.done:
				return
			}
		}
		select {
		case <-n.done:
			return
		default:
		}
		n.deliver(f)
	}
}

func (n *Network) deliver(f Frame) {
	n.mu.Lock()
	e, ok := n.endpoints[f.To]
	n.mu.Unlock()
	if !ok || !n.fm.Reachable(f.From, f.To) || !e.push(transport.Inbound{From: f.From, Frame: f.Data}) {
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		return
	}
	n.mu.Lock()
	n.delivered++
	n.mu.Unlock()
}

// Endpoint is the transport of one process on the network
type Endpoint struct {
	id  message.ProcessID
	net *Network

	// Held for reading while pushing to in, and for writing when closing it
	mu     sync.RWMutex
	closed bool
	in     chan transport.Inbound
	done   chan struct{}
	once   sync.Once
}

func (e *Endpoint) ID() message.ProcessID { return e.id }

func (e *Endpoint) Send(ctx context.Context, to message.ProcessID, frame []byte) error {
	if e.isClosed() {
		return transport.ErrClosed
	}
	return e.net.send(e.id, to, frame)
}

func (e *Endpoint) Broadcast(ctx context.Context, frame []byte) map[string]error {
	failures := make(map[string]error)
	for _, p := range e.Peers() {
		if err := e.Send(ctx, p.ID, frame); err != nil {
			log.Debugf(ctx, "memnet: send to %s failed: %v", p.ID, err)
			failures[p.Addr] = err
		}
	}
	return failures
}

// Every other endpoint of the network, sorted by id
func (e *Endpoint) Peers() []transport.Peer {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	peers := make([]transport.Peer, 0, len(e.net.endpoints))
	for id := range e.net.endpoints {
		if id != e.id {
			peers = append(peers, transport.Peer{ID: id, Addr: Addr(id)})
		}
	}
	slices.SortFunc(peers, func(a, b transport.Peer) bool { return a.ID < b.ID })
	return peers
}

func (e *Endpoint) Inbound() <-chan transport.Inbound {
	return e.in
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.in)
		e.mu.Unlock()
	})
	return nil
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Returns false if the endpoint is closed
func (e *Endpoint) push(in transport.Inbound) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.in <- in:
		return true
	case <-e.done:
		return false
	}
}

// The address of an endpoint
func Addr(id message.ProcessID) string {
	return fmt.Sprintf("mem://%s", id)
}
