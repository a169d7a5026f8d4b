// Package ackTracker tracks the acknowledgments of outbound multicast messages until every peer has acknowledged them.
package ackTracker

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"rmcast/message"
)

// The outcome of recording an acknowledgment
type Result int

const (
	// No pending message matches the acknowledgment. Either it was already completed or it was never sent by this process
	Unknown Result = iota
	// The acknowledgment was recorded and the message is still waiting for other peers
	Recorded
	// The peer has already acknowledged the message
	Duplicate
	// The acknowledgment completed the quorum and the message is no longer pending
	Completed
)

func (r Result) String() string {
	switch r {
	case Unknown:
		return "Unknown"
	case Recorded:
		return "Recorded"
	case Duplicate:
		return "Duplicate"
	case Completed:
		return "Completed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Returned when recording an acknowledgment
type AckOutcome struct {
	Result   Result
	Received int
	Required int
}

// A message waiting for acknowledgments
type entry struct {
	message      message.Message
	required     int
	receivedFrom map[message.ProcessID]struct{}
	firstSentAt  time.Time
	lastSentAt   time.Time
	attempts     int
}

// A copy of the state of a pending message
type Snapshot struct {
	Message      message.Message
	RequiredAcks int
	ReceivedFrom []message.ProcessID
	FirstSentAt  time.Time
	LastSentAt   time.Time
	// The initial send and every retransmission
	Attempts int
}

// Tracker owns the pending entries of all outbound messages.
//
// Acknowledgments and retransmission sweeps run on different goroutines.
// All of them serialize on the same mutex so no acknowledgment is lost.
type Tracker struct {
	mu      sync.Mutex
	pending map[message.ID]*entry
}

// Create an empty Tracker
func New() *Tracker {
	return &Tracker{
		pending: make(map[message.ID]*entry),
	}
}

// Start tracking a message that was just sent at now.
//
// required is the number of distinct peers that must acknowledge the message.
// Returns false without tracking the message if required is 0, i.e. the message is complete as soon as it is sent.
// Registering an id that is already pending keeps the existing entry.
func (t *Tracker) Register(m message.Message, required int, now time.Time) bool {
	if required <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[m.ID]; ok {
		return true
	}
	t.pending[m.ID] = &entry{
		message:      m,
		required:     required,
		receivedFrom: make(map[message.ProcessID]struct{}, required),
		firstSentAt:  now,
		lastSentAt:   now,
		attempts:     1,
	}
	return true
}

// Record that the peer from has acknowledged the message target.
//
// The entry is removed when one acknowledgment from each of the required peers has been received.
// Acknowledgments for messages that are not pending are not errors, and return Unknown.
func (t *Tracker) Ack(target message.ID, from message.ProcessID) AckOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[target]
	if !ok {
		return AckOutcome{Result: Unknown}
	}
	if _, ok := e.receivedFrom[from]; ok {
		return AckOutcome{Result: Duplicate, Received: len(e.receivedFrom), Required: e.required}
	}
	e.receivedFrom[from] = struct{}{}
	out := AckOutcome{Result: Recorded, Received: len(e.receivedFrom), Required: e.required}
	if len(e.receivedFrom) >= e.required {
		delete(t.pending, target)
		out.Result = Completed
	}
	return out
}

// Collect the messages that have not been sent for longer than timeout.
//
// The last send time of every returned message is set to now, so a message is returned at most once per timeout.
// The returned messages are the original messages, in id order.
func (t *Tracker) Due(now time.Time, timeout time.Duration) []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	due := []message.Message{}
	for _, e := range t.pending {
		if now.Sub(e.lastSentAt) > timeout {
			e.lastSentAt = now
			e.attempts++
			due = append(due, e.message)
		}
	}
	slices.SortFunc(due, func(a, b message.Message) bool {
		return lessID(a.ID, b.ID)
	})
	return due
}

// Returns true if the message is waiting for acknowledgments
func (t *Tracker) IsPending(id message.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Return a snapshot of a pending message
func (t *Tracker) Get(id message.ID) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Return snapshots of all pending messages in id order
func (t *Tracker) Pending() []Snapshot {
	t.mu.Lock()
	out := make([]Snapshot, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e.snapshot())
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Snapshot) bool {
		return lessID(a.Message.ID, b.Message.ID)
	})
	return out
}

// The number of pending messages
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Must hold t.mu
func (e *entry) snapshot() Snapshot {
	from := maps.Keys(e.receivedFrom)
	slices.Sort(from)
	return Snapshot{
		Message:      e.message,
		RequiredAcks: e.required,
		ReceivedFrom: from,
		FirstSentAt:  e.firstSentAt,
		LastSentAt:   e.lastSentAt,
		Attempts:     e.attempts,
	}
}

func lessID(a, b message.ID) bool {
	if a.Sender != b.Sender {
		return a.Sender < b.Sender
	}
	return a.Seq < b.Seq
}
