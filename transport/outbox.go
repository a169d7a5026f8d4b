package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"rmcast/log"
	"rmcast/message"
)

// An established outbound connection
type Conn interface {
	WriteFrame(frame []byte) error
	Close() error
}

// Dial a peer and perform the handshake.
//
// Returns the connection and the id the peer announced.
type Dialer func(ctx context.Context, addr string) (Conn, message.ProcessID, error)

// Controls how outboxes connect to their peer
type DialPolicy struct {
	// The number of attempts of the initial connect
	Attempts int
	// The delay before the first retry. Doubles for every retry
	Backoff time.Duration
	// The longest delay between reconnect attempts after the initial connect has failed or the connection broke
	MaxBackoff time.Duration
}

func DefaultDialPolicy() DialPolicy {
	return DialPolicy{
		Attempts:   3,
		Backoff:    time.Second,
		MaxBackoff: 10 * time.Second,
	}
}

// Outbox owns the outbound connection to one peer.
//
// Frames are queued and written by a single goroutine, so a slow or dead peer never blocks the caller.
// Frames sent while the peer is not connected are rejected; the protocol resends them.
type Outbox struct {
	addr   string
	dial   Dialer
	policy DialPolicy
	queue  chan []byte

	// Called when the peer has identified itself
	onIdentify func(addr string, id message.ProcessID)

	mu        sync.Mutex
	id        message.ProcessID
	conn      Conn
	closed    bool
	connected chan struct{}
}

// Create an outbox for the peer at addr.
//
// size is the number of frames that can wait to be written.
func NewOutbox(addr string, dial Dialer, policy DialPolicy, size int, onIdentify func(string, message.ProcessID)) *Outbox {
	if size <= 0 {
		size = 1
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.MaxBackoff < policy.Backoff {
		policy.MaxBackoff = policy.Backoff
	}
	return &Outbox{
		addr:       addr,
		dial:       dial,
		policy:     policy,
		queue:      make(chan []byte, size),
		onIdentify: onIdentify,
		connected:  make(chan struct{}),
	}
}

func (o *Outbox) Addr() string { return o.addr }

// The id announced by the peer, or "" if it has never connected
func (o *Outbox) ID() message.ProcessID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// Returns true if there is an open connection to the peer
func (o *Outbox) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn != nil
}

// Closed the first time the outbox connects
func (o *Outbox) Ready() <-chan struct{} {
	return o.connected
}

// Queue a frame to be written to the peer
func (o *Outbox) Enqueue(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.conn == nil {
		return errors.Wrapf(ErrPeerUnavailable, "peer %s", o.addr)
	}
	select {
	case o.queue <- frame:
		return nil
	default:
		return errors.Wrapf(ErrOutboxFull, "peer %s", o.addr)
	}
}

// Run connects to the peer and writes queued frames until ctx is done.
//
// The initial connect is retried Attempts times. After that, and whenever the connection breaks,
// the outbox keeps reconnecting in the background with a capped exponential backoff.
func (o *Outbox) Run(ctx context.Context) {
	defer o.shutdown()

	ctx = log.WithTag(ctx, "peer", o.addr)
	initial := backoff.NewExponentialBackOff()
	initial.InitialInterval = o.policy.Backoff
	initial.RandomizationFactor = 0
	initial.Multiplier = 2
	initial.MaxElapsedTime = 0
	if err := o.connect(ctx, backoff.WithMaxRetries(initial, uint64(o.policy.Attempts-1))); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Errorf(ctx, "could not connect after %d attempts: %v", o.policy.Attempts, err)
		if !o.reconnect(ctx) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-o.queue:
			if err := o.write(frame); err != nil {
				log.Warningf(ctx, "connection lost: %v", err)
				if !o.reconnect(ctx) {
					return
				}
			}
		}
	}
}

func (o *Outbox) connect(ctx context.Context, b backoff.BackOff) error {
	attempt := 0
	op := func() error {
		attempt++
		conn, id, err := o.dial(ctx, o.addr)
		if err != nil {
			return err
		}
		o.setConn(ctx, conn, id)
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warningf(ctx, "attempt %d failed, retrying in %v: %v", attempt, next, err)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Reconnect until it succeeds or ctx is done. Returns false if ctx is done
func (o *Outbox) reconnect(ctx context.Context) bool {
	o.dropConn()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.policy.Backoff
	b.MaxInterval = o.policy.MaxBackoff
	b.MaxElapsedTime = 0
	if err := o.connect(ctx, b); err != nil {
		return false
	}
	log.Infof(ctx, "reconnected")
	return true
}

func (o *Outbox) setConn(ctx context.Context, conn Conn, id message.ProcessID) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = conn.Close()
		return
	}
	if o.id != "" && o.id != id {
		log.Warningf(ctx, "peer changed its id from %s to %s", o.id, id)
	}
	first := o.id == ""
	o.conn = conn
	o.id = id
	o.mu.Unlock()

	if first {
		close(o.connected)
	}
	log.Infof(ctx, "connected to %s", id)
	if o.onIdentify != nil {
		o.onIdentify(o.addr, id)
	}
}

func (o *Outbox) write(frame []byte) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return ErrPeerUnavailable
	}
	return conn.WriteFrame(frame)
}

func (o *Outbox) dropConn() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn != nil {
		_ = o.conn.Close()
		o.conn = nil
	}
	// Frames queued for the broken connection are dropped
	for {
		select {
		case <-o.queue:
		default:
			return
		}
	}
}

func (o *Outbox) shutdown() {
	o.dropConn()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}
