// Package ledger records which messages have been delivered to the application and hands each of them over exactly once.
package ledger

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"rmcast/clock"
	"rmcast/message"
)

// A message handed to the application
type Delivery struct {
	Message message.Message
	// The local Lamport time when the message was delivered
	LocalTime clock.Time
}

// Ledger keeps the set of delivered message ids and the queue of deliveries waiting to be consumed by the application.
//
// The set only grows. The queue is unbounded, so Deliver never waits for the application.
// A single goroutine moves queued deliveries to the channel returned by Deliveries.
type Ledger struct {
	mu        sync.Mutex
	delivered map[message.ID]struct{}
	queue     []Delivery
	closed    bool

	signal  chan struct{}
	out     chan Delivery
	abort   chan struct{}
	drained chan struct{}

	abortOnce sync.Once
}

// Create a new Ledger and start handing over deliveries
func New() *Ledger {
	l := &Ledger{
		delivered: make(map[message.ID]struct{}),
		signal:    make(chan struct{}, 1),
		out:       make(chan Delivery),
		abort:     make(chan struct{}),
		drained:   make(chan struct{}),
	}
	go l.pump()
	return l
}

// Deliver a message to the application.
//
// Returns true if the message was delivered by this call.
// Returns false if a message with the same id has already been delivered, in which case nothing changes.
// After Close the message is still recorded, but no notification is queued.
func (l *Ledger) Deliver(m message.Message, localTime clock.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.delivered[m.ID]; ok {
		return false
	}
	l.delivered[m.ID] = struct{}{}
	if l.closed {
		return true
	}
	l.queue = append(l.queue, Delivery{Message: m, LocalTime: localTime})
	l.notify()
	return true
}

// Returns true if the message with the id has been delivered
func (l *Ledger) Contains(id message.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.delivered[id]
	return ok
}

// The number of delivered messages
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

// The ids of all delivered messages ordered by sender and sequence number
func (l *Ledger) IDs() []message.ID {
	l.mu.Lock()
	ids := maps.Keys(l.delivered)
	l.mu.Unlock()
	slices.SortFunc(ids, func(a, b message.ID) bool {
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		return a.Seq < b.Seq
	})
	return ids
}

// The number of deliveries that are waiting to be consumed
func (l *Ledger) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// The channel deliveries are handed over on, in delivery order.
//
// The channel is closed after Close has been called and all queued deliveries have been consumed, or after Abort.
func (l *Ledger) Deliveries() <-chan Delivery {
	return l.out
}

// Stop queueing new deliveries.
//
// Deliveries that are already queued are still handed over.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.notify()
}

// Discard all queued deliveries and close the delivery channel
func (l *Ledger) Abort() {
	l.Close()
	l.abortOnce.Do(func() { close(l.abort) })
}

// Closed when the delivery channel has been closed
func (l *Ledger) Drained() <-chan struct{} {
	return l.drained
}

// Must hold l.mu
func (l *Ledger) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Ledger) pump() {
	defer close(l.drained)
	defer close(l.out)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-l.signal:
			case <-l.abort:
				return
			}
			continue
		}
		d := l.queue[0]
		l.queue[0] = Delivery{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		select {
		case l.out <- d:
		case <-l.abort:
			return
		}
	}
}
