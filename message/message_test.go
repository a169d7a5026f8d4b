package message

import (
	"bytes"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"rmcast/clock"
)

var createdAt = time.Date(2024, 3, 1, 12, 30, 0, 123456000, time.UTC)

func TestParseID(t *testing.T) {
	for i, test := range parseIDTest {
		out, err := ParseID(test.in)
		if test.ok != (err == nil) {
			t.Errorf("Unexpected error on test %v (%q): %v", i, test.in, err)
			continue
		}
		if out != test.expected {
			t.Errorf("Unexpected id on test %v. Got: %v. Expected: %v", i, out, test.expected)
		}
	}
}

func TestIDString(t *testing.T) {
	id := ID{Sender: "P1", Seq: 12}
	require.Equal(t, "P1_12", id.String())
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestEncodeMulticast(t *testing.T) {
	m := NewMulticast(ID{Sender: "P1", Seq: 1}, "hello", 4, createdAt)
	frame, err := Encode(m)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"type":"MULTICAST","id":"P1_1","sender":"P1","content":"hello","lamport_time":4,"timestamp":"2024-03-01T12:30:00.123456Z"}`,
		string(frame),
	)

	out, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, m.ID, out.ID)
	require.Equal(t, m.Sender, out.Sender)
	require.Equal(t, m.Content, out.Content)
	require.Equal(t, m.LamportTime, out.LamportTime)
	require.True(t, m.CreatedAt.Equal(out.CreatedAt))
	require.Equal(t, Multicast, out.Kind)
}

func TestEncodeAck(t *testing.T) {
	m := NewAck("P2", ID{Sender: "P1", Seq: 3}, 9, createdAt)
	frame, err := Encode(m)
	require.NoError(t, err)

	out, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, Ack, out.Kind)
	require.Equal(t, ID{Sender: "P1", Seq: 3}, out.AckTarget)
	require.Equal(t, ProcessID("P2"), out.Sender)
	require.True(t, out.ID.IsZero())
}

func TestEncodeDeterministic(t *testing.T) {
	m := NewMulticast(ID{Sender: "node_a", Seq: 42}, "payload", 17, createdAt)
	first, err := Encode(m)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(m)
		require.NoError(t, err)
		if !bytes.Equal(first, again) {
			t.Fatalf("Encoding changed between calls. Got: %s. Expected: %s", again, first)
		}
	}
}

func TestEncodeInvalid(t *testing.T) {
	_, err := Encode(Message{Kind: Multicast, Sender: "P1"})
	require.Error(t, err)
	_, err = Encode(Message{Kind: Ack, Sender: "P1"})
	require.Error(t, err)
	_, err = Encode(Message{Sender: "P1"})
	require.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	for i, frame := range malformedFrames {
		_, err := Decode([]byte(frame))
		if err == nil {
			t.Errorf("Expected error decoding frame %v: %s", i, frame)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Error on frame %v is not marked as malformed: %v", i, err)
		}
	}
}

func TestDecodeLamportBound(t *testing.T) {
	frame := `{"type":"MULTICAST","id":"P2_1","sender":"P2","lamport_time":9223372036854775807}`
	m, err := Decode([]byte(frame))
	require.NoError(t, err)
	require.Equal(t, clock.MaxTime, m.LamportTime)

	_, err = Decode([]byte(`{"type":"MULTICAST","id":"P2_1","sender":"P2","lamport_time":9223372036854775808}`))
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeForeignTimestamp(t *testing.T) {
	// Timestamps without a zone are accepted
	frame := `{"type":"MULTICAST","id":"P3_2","sender":"P3","content":"x","lamport_time":5,"timestamp":"2024-03-01T12:30:00.123456"}`
	m, err := Decode([]byte(frame))
	require.NoError(t, err)
	require.Equal(t, 2024, m.CreatedAt.Year())

	// Acknowledgments may omit the timestamp entirely
	frame = `{"type":"ACK","msg_id":"P3_2","sender":"P1","lamport_time":7}`
	m, err = Decode([]byte(frame))
	require.NoError(t, err)
	require.True(t, m.CreatedAt.IsZero())
}

var parseIDTest = []struct {
	in       string
	expected ID
	ok       bool
}{
	{"P1_1", ID{"P1", 1}, true},
	{"P1_204", ID{"P1", 204}, true},
	{"node_a_7", ID{"node_a", 7}, true},
	{"P1", ID{}, false},
	{"_1", ID{}, false},
	{"P1_", ID{}, false},
	{"P1_x", ID{}, false},
	{"P1_0", ID{}, false},
	{"P1_-3", ID{}, false},
	{"", ID{}, false},
}

var malformedFrames = []string{
	``,
	`not json`,
	`{"type":"MULTICAST","id":"P1_1","lamport_time":1}`,
	`{"type":"MULTICAST","sender":"P1","lamport_time":1}`,
	`{"type":"MULTICAST","id":"P1","sender":"P1","lamport_time":1}`,
	`{"type":"ACK","sender":"P1","lamport_time":1}`,
	`{"type":"NACK","id":"P1_1","sender":"P1","lamport_time":1}`,
	`{"type":"MULTICAST","id":"P1_1","sender":"P1","lamport_time":-1}`,
	`{"type":"MULTICAST","id":"P1_1","sender":"P1","lamport_time":1,"timestamp":"yesterday"}`,
	`{"type":"MULTICAST","id":"P1_1","sender":"P2","lamport_time":1}`,
	`{"type":"MULTICAST","id":"P2_1","sender":"P2","lamport_time":18446744073709551615}`,
	`{"type":"ACK","msg_id":"P2_1","sender":"P1","lamport_time":9223372036854775808}`,
}
