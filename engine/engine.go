// Package engine implements the reliable multicast protocol of one process.
//
// The engine stamps outbound messages with the Lamport clock, delivers every message exactly once,
// acknowledges received messages and resends its own messages until every peer has acknowledged them.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"rmcast/ackTracker"
	"rmcast/clock"
	"rmcast/event"
	"rmcast/ledger"
	"rmcast/log"
	"rmcast/message"
	"rmcast/retransmission"
	"rmcast/transport"
)

var (
	// The engine has been closed and accepts no new work
	ErrClosed = errors.New("engine: closed")
	// The configuration of the engine is not valid
	ErrInvalidConfig = errors.New("engine: invalid config")
)

// How acknowledgments are routed
type AckMode string

const (
	// Send the acknowledgment to the sender of the message only
	Directed AckMode = "directed"
	// Send the acknowledgment to every peer. Peers that did not send the message ignore it
	BroadcastAcks AckMode = "broadcast"
)

type Config struct {
	ID      message.ProcessID
	AckMode AckMode
	// How often pending messages are checked for retransmission
	RetransmitInterval time.Duration
	// How long a message waits for acknowledgments before it is resent
	RetransmitTimeout time.Duration
	// Send rejects messages whose frame is larger. 0 means no limit
	MaxFrameSize int
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.Wrap(ErrInvalidConfig, "empty process id")
	}
	switch c.AckMode {
	case Directed, BroadcastAcks, "":
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown ack mode %q", c.AckMode)
	}
	return nil
}

type Option func(*options)

type options struct {
	now       func() time.Time
	newTicker func(time.Duration) retransmission.Ticker
}

// Use the function to read the current time instead of time.Now
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Use the function to create the ticker that drives retransmission
func WithTicker(newTicker func(time.Duration) retransmission.Ticker) Option {
	return func(o *options) { o.newTicker = newTicker }
}

// Engine is the protocol state of one process.
//
// Send may be called from any goroutine. Inbound frames are handled by Run.
type Engine struct {
	id        message.ProcessID
	ackMode   AckMode
	maxFrame  int
	transport transport.Transport
	peers     []transport.Peer
	now       func() time.Time

	clock      *clock.Clock
	seq        atomic.Uint64
	ledger     *ledger.Ledger
	tracker    *ackTracker.Tracker
	retransmit *retransmission.Scheduler
	bus        *event.Bus

	sent              atomic.Uint64
	received          atomic.Uint64
	acksSent          atomic.Uint64
	acksReceived      atomic.Uint64
	retransmissions   atomic.Uint64
	sendFailures      atomic.Uint64
	malformedFrames   atomic.Uint64
	duplicatesDropped atomic.Uint64

	mu      sync.Mutex
	closed  atomic.Bool
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// Create a new Engine sending through t.
//
// The peer set is read from the transport once and never changes.
func New(cfg Config, t transport.Transport, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.AckMode == "" {
		cfg.AckMode = Directed
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		id:        cfg.ID,
		ackMode:   cfg.AckMode,
		maxFrame:  cfg.MaxFrameSize,
		transport: t,
		peers:     t.Peers(),
		now:       o.now,
		clock:     clock.New(),
		ledger:    ledger.New(),
		tracker:   ackTracker.New(),
		bus:       event.NewBus(),
	}
	retransmitOpts := []retransmission.Option{retransmission.WithNow(o.now)}
	if o.newTicker != nil {
		retransmitOpts = append(retransmitOpts, retransmission.WithTicker(o.newTicker))
	}
	e.retransmit = retransmission.New(e.tracker, e, cfg.RetransmitInterval, cfg.RetransmitTimeout, retransmitOpts...)
	return e, nil
}

func (e *Engine) ID() message.ProcessID { return e.id }

// The peers every multicast message is sent to
func (e *Engine) Peers() []transport.Peer {
	return append([]transport.Peer{}, e.peers...)
}

// Run handles inbound frames and retransmits pending messages until ctx is done, the transport is closed or the engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(log.WithProcess(ctx, e.id))
	e.cancel = cancel
	e.running.Add(1)
	e.mu.Unlock()
	defer e.running.Done()
	defer cancel()

	log.Infof(ctx, "running with %d peers", len(e.peers))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The sweep stops when the transport is gone
		defer cancel()
		return e.dispatch(gctx)
	})
	g.Go(func() error {
		return e.retransmit.Run(gctx)
	})
	return g.Wait()
}

func (e *Engine) dispatch(ctx context.Context) error {
	inbound := e.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				log.Infof(ctx, "transport closed")
				return nil
			}
			e.HandleFrame(ctx, in.From, in.Frame)
		}
	}
}

// Multicast content to the group.
//
// The message is delivered locally and handed to the transport for every peer.
// Failing to reach a peer is not an error; the message is resent until every peer has acknowledged it.
// Content that does not fit in a frame is rejected with transport.ErrFrameTooLarge and nothing is sent.
func (e *Engine) Send(ctx context.Context, content string) (message.ID, error) {
	if e.closed.Load() {
		return message.ID{}, ErrClosed
	}
	ctx = log.WithProcess(ctx, e.id)

	t := e.clock.Tick()
	id := message.ID{Sender: e.id, Seq: e.seq.Add(1)}
	now := e.now()
	m := message.NewMulticast(id, content, t, now)
	frame, err := message.Encode(m)
	if err != nil {
		return id, errors.Wrapf(err, "encode %s", id)
	}
	if e.maxFrame > 0 && len(frame) > e.maxFrame {
		return message.ID{}, errors.Wrapf(transport.ErrFrameTooLarge, "message of %d bytes, limit %d", len(frame), e.maxFrame)
	}

	tracked := e.tracker.Register(m, len(e.peers), now)
	e.broadcast(ctx, id, frame)
	e.sent.Add(1)
	e.publish(event.Sent, id, "", "")
	log.Eventf(ctx, "SEND", uint64(t), "sent %s: %q", id, content)
	if !tracked {
		e.publish(event.Completed, id, "", "no peers")
	}

	e.deliver(ctx, m)
	return id, nil
}

// Handle a frame received from a peer.
//
// Malformed frames are dropped. The clock observes every well-formed frame before anything else happens.
func (e *Engine) HandleFrame(ctx context.Context, from message.ProcessID, frame []byte) {
	m, err := message.Decode(frame)
	if err != nil {
		e.malformedFrames.Add(1)
		log.Warningf(ctx, "dropping frame from %s: %v", from, err)
		e.publish(event.Dropped, message.ID{}, from, "malformed")
		return
	}
	e.clock.Observe(m.LamportTime)
	if m.Sender == e.id {
		return
	}

	switch m.Kind {
	case message.Multicast:
		e.onMulticast(ctx, m)
	case message.Ack:
		e.onAck(ctx, m)
	}
}

// Deliver a new message, then acknowledge it.
//
// The order is deliberate: the ledger's test-and-insert is the duplicate check, so a message is
// acknowledged only once it is recorded as delivered. Duplicates are dropped without an acknowledgment.
func (e *Engine) onMulticast(ctx context.Context, m message.Message) {
	if !e.deliver(ctx, m) {
		e.duplicatesDropped.Add(1)
		log.Debugf(ctx, "duplicate %s from %s", m.ID, m.Sender)
		e.publish(event.Dropped, m.ID, m.Sender, "duplicate")
		return
	}
	e.received.Add(1)
	e.sendAck(ctx, m)
}

func (e *Engine) onAck(ctx context.Context, m message.Message) {
	e.acksReceived.Add(1)
	out := e.tracker.Ack(m.AckTarget, m.Sender)
	e.publish(event.AckReceived, m.AckTarget, m.Sender, out.Result.String())

	switch out.Result {
	case ackTracker.Completed:
		log.Eventf(ctx, "COMPLETE", uint64(e.clock.Current()), "%s acknowledged by all %d peers", m.AckTarget, out.Required)
		e.publish(event.Completed, m.AckTarget, "", "")
	case ackTracker.Recorded:
		log.Debugf(ctx, "ack for %s from %s (%d/%d)", m.AckTarget, m.Sender, out.Received, out.Required)
	case ackTracker.Duplicate:
		log.Debugf(ctx, "duplicate ack for %s from %s", m.AckTarget, m.Sender)
	case ackTracker.Unknown:
		log.Debugf(ctx, "ack for %s from %s is not pending", m.AckTarget, m.Sender)
	}
}

func (e *Engine) sendAck(ctx context.Context, m message.Message) {
	ack := message.NewAck(e.id, m.ID, e.clock.Tick(), e.now())
	frame, err := message.Encode(ack)
	if err != nil {
		e.sendFailures.Add(1)
		log.Errorf(ctx, "encode ack for %s: %v", m.ID, err)
		return
	}

	if e.ackMode == Directed {
		err := e.transport.Send(ctx, m.Sender, frame)
		if err == nil {
			e.acksSent.Add(1)
			e.publish(event.AckSent, m.ID, m.Sender, "")
			return
		}
		if !errors.Is(err, transport.ErrUnknownPeer) {
			e.sendFailures.Add(1)
			log.Warningf(ctx, "ack for %s to %s failed: %v", m.ID, m.Sender, err)
			return
		}
		log.Debugf(ctx, "no route to %s, broadcasting ack for %s", m.Sender, m.ID)
	}

	reached := len(e.peers) - e.broadcast(ctx, m.ID, frame)
	if reached > 0 {
		e.acksSent.Add(uint64(reached))
		e.publish(event.AckSent, m.ID, m.Sender, "broadcast")
	}
}

// Resend a pending message to every peer. The message is sent exactly as it was sent the first time
func (e *Engine) Resend(ctx context.Context, m message.Message) {
	if e.closed.Load() {
		return
	}
	ctx = log.WithProcess(ctx, e.id)
	frame, err := message.Encode(m)
	if err != nil {
		log.Errorf(ctx, "encode %s: %v", m.ID, err)
		return
	}
	e.retransmissions.Add(1)
	log.Eventf(ctx, "RETRANSMIT", uint64(m.LamportTime), "resending %s", m.ID)
	e.publish(event.Retransmitted, m.ID, "", "")
	e.broadcast(ctx, m.ID, frame)
}

// Run a retransmission sweep immediately. Returns the number of resent messages
func (e *Engine) Sweep(ctx context.Context) int {
	return e.retransmit.Sweep(ctx, e.now())
}

// Send the frame to every peer and return the number of failures
func (e *Engine) broadcast(ctx context.Context, id message.ID, frame []byte) int {
	failures := e.transport.Broadcast(ctx, frame)
	for addr, err := range failures {
		e.sendFailures.Add(1)
		log.Warningf(ctx, "sending %s to %s failed: %v", id, addr, err)
	}
	return len(failures)
}

// Returns true if the message was delivered by this call
func (e *Engine) deliver(ctx context.Context, m message.Message) bool {
	local := e.clock.Current()
	if !e.ledger.Deliver(m, local) {
		return false
	}
	log.Eventf(ctx, "DELIVER", uint64(local), "delivered %s from %s: %q", m.ID, m.Sender, m.Content)
	e.publish(event.Delivered, m.ID, m.Sender, "")
	return true
}

func (e *Engine) publish(kind event.Kind, id message.ID, peer message.ProcessID, detail string) {
	e.bus.Publish(event.Event{
		Kind:    kind,
		Process: e.id,
		Message: id,
		Peer:    peer,
		Lamport: e.clock.Current(),
		Detail:  detail,
	})
}

// Messages delivered to the application, in delivery order.
// The channel is closed after Close once every queued delivery has been consumed.
func (e *Engine) Deliveries() <-chan ledger.Delivery {
	return e.ledger.Deliveries()
}

// Subscribe to the events of the engine.
// buffer events can wait for the subscriber, further events are lost.
func (e *Engine) Subscribe(buffer int) <-chan event.Event {
	return e.bus.Subscribe(buffer)
}

// The number of events lost by slow subscribers
func (e *Engine) LostEvents() uint64 {
	return e.bus.Lost()
}

// Snapshots of the messages waiting for acknowledgments
func (e *Engine) Pending() []ackTracker.Snapshot {
	return e.tracker.Pending()
}

// The ids of every delivered message in id order
func (e *Engine) Delivered() []message.ID {
	return e.ledger.IDs()
}

// Returns true if the message has been delivered by this process
func (e *Engine) HasDelivered(id message.ID) bool {
	return e.ledger.Contains(id)
}

// The current Lamport time
func (e *Engine) Time() clock.Time {
	return e.clock.Current()
}

// Stop accepting work, stop the retransmission sweep and close the transport.
//
// Deliveries that are already queued can still be consumed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return nil
	}
	e.closed.Store(true)
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.running.Wait()
	err := e.transport.Close()
	e.ledger.Close()
	e.bus.Close()
	return errors.Wrap(err, "close transport")
}
