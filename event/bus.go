package event

import (
	"sync"
	"sync/atomic"
)

// Bus fans events out to subscribers.
//
// Publishing never blocks. A subscriber that does not keep up loses events, and the loss is counted.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool

	lost atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe to all events published after the call.
//
// buffer is the number of events that can wait for the subscriber.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.lost.Add(1)
		}
	}
}

// The number of events that were not handed to some subscriber
func (b *Bus) Lost() uint64 {
	return b.lost.Load()
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
