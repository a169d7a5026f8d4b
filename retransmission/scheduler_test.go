package retransmission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rmcast/ackTracker"
	"rmcast/message"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingResender struct {
	mu   sync.Mutex
	sent []message.Message
}

func (r *recordingResender) Resend(_ context.Context, m message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
}

func (r *recordingResender) Sent() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.sent...)
}

func TestSweep(t *testing.T) {
	tr := ackTracker.New()
	res := &recordingResender{}
	s := New(tr, res, 5*time.Second, 10*time.Second)

	m := message.NewMulticast(message.ID{Sender: "P1", Seq: 1}, "hello", 3, start)
	tr.Register(m, 2, start)

	for i, test := range sweepTest {
		out := s.Sweep(context.Background(), start.Add(test.at))
		if out != test.resent {
			t.Errorf("Unexpected number of resent messages on sweep %v. Got: %v. Expected: %v", i, out, test.resent)
		}
	}
	sent := res.Sent()
	require.Len(t, sent, 2)
	for _, r := range sent {
		// Retransmission is not a new send
		require.Equal(t, m, r)
	}
	require.EqualValues(t, len(sweepTest), s.Sweeps())
	require.EqualValues(t, 2, s.Resends())
}

func TestSweepStopsAfterQuorum(t *testing.T) {
	tr := ackTracker.New()
	res := &recordingResender{}
	s := New(tr, res, time.Second, time.Second)

	m := message.NewMulticast(message.ID{Sender: "P1", Seq: 1}, "hello", 3, start)
	tr.Register(m, 1, start)
	require.Equal(t, 1, s.Sweep(context.Background(), start.Add(2*time.Second)))
	tr.Ack(m.ID, "P2")
	require.Equal(t, 0, s.Sweep(context.Background(), start.Add(time.Hour)))
}

func TestRunWithManualTicker(t *testing.T) {
	tr := ackTracker.New()
	res := &recordingResender{}
	ticker := NewManualTicker()
	now := start
	mu := sync.Mutex{}
	s := New(tr, res, 5*time.Second, 10*time.Second,
		WithTicker(ticker.Factory()),
		WithNow(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}),
	)

	m := message.NewMulticast(message.ID{Sender: "P1", Seq: 1}, "hello", 3, start)
	tr.Register(m, 1, start)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	for i := 1; i <= 4; i++ {
		mu.Lock()
		now = start.Add(time.Duration(i) * 5 * time.Second)
		mu.Unlock()
		require.True(t, ticker.Tick(now))
	}
	// Only the sweep at 15s finds the message due
	require.Eventually(t, func() bool { return s.Sweeps() == 4 }, 5*time.Second, time.Millisecond)
	require.Len(t, res.Sent(), 1)

	cancel()
	require.NoError(t, <-done)
	require.False(t, ticker.Tick(now))
}

func TestDefaults(t *testing.T) {
	s := New(ackTracker.New(), &recordingResender{}, 0, -1)
	require.Equal(t, DefaultInterval, s.Interval())
	require.Equal(t, DefaultTimeout, s.Timeout())
}

var sweepTest = []struct {
	at     time.Duration
	resent int
}{
	{5 * time.Second, 0},
	{10 * time.Second, 0},
	{15 * time.Second, 1},
	{20 * time.Second, 0},
	{25 * time.Second, 0},
	{30 * time.Second, 1},
}
