// Package message defines the messages exchanged by the multicast protocol and their wire format.
package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"rmcast/clock"
)

// ProcessID identifies a member of the group. It is supplied at start up and never changes.
type ProcessID string

func (p ProcessID) String() string { return string(p) }

// The kind of a message
type Kind uint8

const (
	// A message multicast to the whole group
	Multicast Kind = iota + 1
	// An acknowledgment of a received multicast message
	Ack
)

func (k Kind) String() string {
	switch k {
	case Multicast:
		return "MULTICAST"
	case Ack:
		return "ACK"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ID identifies a multicast message.
//
// Sequence numbers are assigned per sender starting at 1, so the pair is unique across the group.
// It is used as the deduplication key.
type ID struct {
	Sender ProcessID
	Seq    uint64
}

// Format the id as "<sender>_<seq>"
func (id ID) String() string {
	return fmt.Sprintf("%s_%d", id.Sender, id.Seq)
}

// Returns true if the id has not been assigned
func (id ID) IsZero() bool {
	return id == ID{}
}

// Parse an id on the form "<sender>_<seq>".
//
// The sequence number follows the last underscore, so the sender may itself contain underscores.
func ParseID(s string) (ID, error) {
	i := strings.LastIndexByte(s, '_')
	if i <= 0 || i == len(s)-1 {
		return ID{}, errors.Newf("invalid message id %q", s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, errors.Wrapf(err, "invalid sequence number in message id %q", s)
	}
	if seq == 0 {
		return ID{}, errors.Newf("invalid message id %q: sequence numbers start at 1", s)
	}
	return ID{Sender: ProcessID(s[:i]), Seq: seq}, nil
}

// A protocol message.
//
// Messages are immutable once created. A retransmitted message is the original message,
// so its ID and LamportTime are never re-stamped.
type Message struct {
	ID          ID
	Sender      ProcessID
	Content     string
	LamportTime clock.Time
	CreatedAt   time.Time
	Kind        Kind
	// The message that is acknowledged. Only set for acknowledgments
	AckTarget ID
}

// Create a new multicast message
func NewMulticast(id ID, content string, t clock.Time, now time.Time) Message {
	return Message{
		ID:          id,
		Sender:      id.Sender,
		Content:     content,
		LamportTime: t,
		CreatedAt:   now,
		Kind:        Multicast,
	}
}

// Create an acknowledgment of target sent by sender
func NewAck(sender ProcessID, target ID, t clock.Time, now time.Time) Message {
	return Message{
		Sender:      sender,
		LamportTime: t,
		CreatedAt:   now,
		Kind:        Ack,
		AckTarget:   target,
	}
}

func (m Message) String() string {
	if m.Kind == Ack {
		return fmt.Sprintf("{ACK From: %v, Target: %v, Lamport: %v}", m.Sender, m.AckTarget, m.LamportTime)
	}
	return fmt.Sprintf("{MULTICAST Id: %v, Lamport: %v, Content: %q}", m.ID, m.LamportTime, m.Content)
}
