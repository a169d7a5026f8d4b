package engine

import (
	"fmt"

	"rmcast/clock"
)

// Counters of the engine. Every counter only grows
type Stats struct {
	// Multicast messages sent by this process
	Sent uint64
	// Distinct multicast messages received from peers
	Received uint64
	// Messages delivered to the application, including the process' own
	Delivered uint64
	// Acknowledgment frames handed to the transport, one per peer reached
	AcksSent uint64
	// Acknowledgment frames received, including those for messages that are no longer pending
	AcksReceived uint64

	Retransmissions   uint64
	SendFailures      uint64
	MalformedFrames   uint64
	DuplicatesDropped uint64

	LamportTime clock.Time
	// Messages waiting for acknowledgments
	Pending int
}

// A snapshot of the statistics of the engine
func (e *Engine) Stats() Stats {
	return Stats{
		Sent:              e.sent.Load(),
		Received:          e.received.Load(),
		Delivered:         uint64(e.ledger.Len()),
		AcksSent:          e.acksSent.Load(),
		AcksReceived:      e.acksReceived.Load(),
		Retransmissions:   e.retransmissions.Load(),
		SendFailures:      e.sendFailures.Load(),
		MalformedFrames:   e.malformedFrames.Load(),
		DuplicatesDropped: e.duplicatesDropped.Load(),
		LamportTime:       e.clock.Current(),
		Pending:           e.tracker.Len(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("{Sent: %d, Received: %d, Delivered: %d, AcksSent: %d, AcksReceived: %d, Pending: %d, Lamport: %d}",
		s.Sent, s.Received, s.Delivered, s.AcksSent, s.AcksReceived, s.Pending, s.LamportTime)
}
