// Package event defines the records a protocol engine publishes about what it does.
package event

import (
	"fmt"

	"rmcast/clock"
	"rmcast/message"
)

// The kind of an event
type Kind int

const (
	// A multicast message was sent by the process
	Sent Kind = iota + 1
	// A message was delivered to the application
	Delivered
	// An acknowledgment was sent
	AckSent
	// An acknowledgment was received
	AckReceived
	// A sent message was acknowledged by every peer
	Completed
	// A pending message was sent again
	Retransmitted
	// An inbound frame was dropped, either because it was malformed or because it was a duplicate
	Dropped
)

var kindNames = map[Kind]string{
	Sent:          "SENT",
	Delivered:     "DELIVERED",
	AckSent:       "ACK_SENT",
	AckReceived:   "ACK_RECEIVED",
	Completed:     "COMPLETED",
	Retransmitted: "RETRANSMITTED",
	Dropped:       "DROPPED",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// An event that happened on a process
type Event struct {
	Kind Kind
	// The process the event happened on
	Process message.ProcessID
	// The multicast message the event concerns. For acknowledgments this is the acknowledged message
	Message message.ID
	// The other process involved, e.g. the sender of a received acknowledgment
	Peer message.ProcessID
	// The Lamport time of the process when the event happened
	Lamport clock.Time
	// A short description, e.g. why a frame was dropped
	Detail string
}

func (e Event) String() string {
	out := fmt.Sprintf("[%v %v Lamport: %v Msg: %v", e.Process, e.Kind, e.Lamport, e.Message)
	if e.Peer != "" {
		out += fmt.Sprintf(" Peer: %v", e.Peer)
	}
	if e.Detail != "" {
		out += fmt.Sprintf(" (%v)", e.Detail)
	}
	return out + "]"
}
