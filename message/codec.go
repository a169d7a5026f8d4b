package message

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"rmcast/clock"
)

// ErrMalformed marks every error returned by Decode.
var ErrMalformed = errors.New("malformed frame")

// Timestamps written by other implementations may omit the zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// The JSON record sent on the wire. One record per frame.
type wireMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	MsgID       string `json:"msg_id,omitempty"`
	Sender      string `json:"sender"`
	Content     string `json:"content,omitempty"`
	LamportTime uint64 `json:"lamport_time"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Encode the message as a single JSON frame without a trailing newline.
//
// Encoding is deterministic: the same message always produces the same bytes.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{
		Sender:      string(m.Sender),
		LamportTime: uint64(m.LamportTime),
	}
	if !m.CreatedAt.IsZero() {
		w.Timestamp = m.CreatedAt.Format(time.RFC3339Nano)
	}
	switch m.Kind {
	case Multicast:
		if m.ID.IsZero() {
			return nil, errors.New("message: multicast without id")
		}
		w.Type = Multicast.String()
		w.ID = m.ID.String()
		w.Content = m.Content
	case Ack:
		if m.AckTarget.IsZero() {
			return nil, errors.New("message: ack without target")
		}
		w.Type = Ack.String()
		w.MsgID = m.AckTarget.String()
	default:
		return nil, errors.Newf("message: unknown kind %v", m.Kind)
	}
	return json.Marshal(w)
}

// Decode a frame produced by Encode.
//
// All returned errors are marked with ErrMalformed.
func Decode(frame []byte) (Message, error) {
	m, err := decode(frame)
	if err != nil {
		return Message{}, errors.Mark(err, ErrMalformed)
	}
	return m, nil
}

func decode(frame []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(frame, &w); err != nil {
		return Message{}, errors.Wrap(err, "decoding frame")
	}
	if w.Sender == "" {
		return Message{}, errors.New("frame without sender")
	}
	if clock.Time(w.LamportTime) > clock.MaxTime {
		return Message{}, errors.Newf("lamport time %d out of range", w.LamportTime)
	}
	m := Message{
		Sender:      ProcessID(w.Sender),
		LamportTime: clock.Time(w.LamportTime),
	}
	if w.Timestamp != "" {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return Message{}, err
		}
		m.CreatedAt = ts
	}

	switch w.Type {
	case Multicast.String():
		id, err := ParseID(w.ID)
		if err != nil {
			return Message{}, err
		}
		// Acknowledgments are routed to the sender field, deduplication uses the id
		if id.Sender != m.Sender {
			return Message{}, errors.Newf("message %v claims sender %v", id, m.Sender)
		}
		m.Kind = Multicast
		m.ID = id
		m.Content = w.Content
	case Ack.String():
		target, err := ParseID(w.MsgID)
		if err != nil {
			return Message{}, errors.Wrap(err, "ack target")
		}
		m.Kind = Ack
		m.AckTarget = target
	default:
		return Message{}, errors.Newf("unknown message type %q", w.Type)
	}
	return m, nil
}

func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
}
