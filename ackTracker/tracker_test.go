package ackTracker

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rmcast/clock"
	"rmcast/message"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func multicast(seq uint64) message.Message {
	return message.NewMulticast(message.ID{Sender: "P1", Seq: seq}, "hello", clock.Time(seq), start)
}

func TestRegisterWithoutPeers(t *testing.T) {
	tr := New()
	require.False(t, tr.Register(multicast(1), 0, start))
	require.Equal(t, 0, tr.Len())
	require.Equal(t, Unknown, tr.Ack(message.ID{Sender: "P1", Seq: 1}, "P2").Result)
}

func TestQuorum(t *testing.T) {
	for i, test := range quorumTest {
		tr := New()
		m := multicast(1)
		tr.Register(m, test.required, start)
		var out AckOutcome
		for _, from := range test.acks {
			out = tr.Ack(m.ID, from)
		}
		if out.Result != test.last {
			t.Errorf("Unexpected result of last ack on test %v. Got: %v. Expected: %v", i, out.Result, test.last)
		}
		if tr.IsPending(m.ID) != test.pending {
			t.Errorf("Unexpected pending status on test %v. Got: %v. Expected: %v", i, tr.IsPending(m.ID), test.pending)
		}
	}
}

func TestNeverRemovedEarly(t *testing.T) {
	tr := New()
	m := multicast(1)
	tr.Register(m, 3, start)

	require.Equal(t, AckOutcome{Result: Recorded, Received: 1, Required: 3}, tr.Ack(m.ID, "P2"))
	require.True(t, tr.IsPending(m.ID))
	require.Equal(t, AckOutcome{Result: Duplicate, Received: 1, Required: 3}, tr.Ack(m.ID, "P2"))
	require.True(t, tr.IsPending(m.ID))
	require.Equal(t, AckOutcome{Result: Recorded, Received: 2, Required: 3}, tr.Ack(m.ID, "P3"))

	snap, ok := tr.Get(m.ID)
	require.True(t, ok)
	require.Equal(t, []message.ProcessID{"P2", "P3"}, snap.ReceivedFrom)

	require.Equal(t, Completed, tr.Ack(m.ID, "P4").Result)
	require.False(t, tr.IsPending(m.ID))
	require.Equal(t, Unknown, tr.Ack(m.ID, "P4").Result)
}

func TestDue(t *testing.T) {
	tr := New()
	timeout := 10 * time.Second
	tr.Register(multicast(1), 2, start)
	tr.Register(multicast(2), 2, start.Add(6*time.Second))

	require.Empty(t, tr.Due(start.Add(10*time.Second), timeout))

	due := tr.Due(start.Add(11*time.Second), timeout)
	require.Len(t, due, 1)
	require.Equal(t, uint64(1), due[0].ID.Seq)

	// Rearmed: not due again until another timeout has passed
	require.Empty(t, tr.Due(start.Add(12*time.Second), timeout))

	due = tr.Due(start.Add(22*time.Second), timeout)
	require.Len(t, due, 2)
	require.Equal(t, uint64(1), due[0].ID.Seq)
	require.Equal(t, uint64(2), due[1].ID.Seq)

	snap, _ := tr.Get(due[0].ID)
	require.Equal(t, 3, snap.Attempts)
	require.Equal(t, start.Add(22*time.Second), snap.LastSentAt)
	require.Equal(t, start, snap.FirstSentAt)
}

func TestDueReturnsOriginal(t *testing.T) {
	tr := New()
	m := multicast(7)
	tr.Register(m, 1, start)
	due := tr.Due(start.Add(time.Minute), time.Second)
	require.Len(t, due, 1)
	require.Equal(t, m, due[0])
}

func TestConcurrentAcks(t *testing.T) {
	const peers = 50
	tr := New()
	m := multicast(1)
	tr.Register(m, peers, start)

	results := make(chan Result, peers)
	wg := sync.WaitGroup{}
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- tr.Ack(m.ID, message.ProcessID(fmt.Sprintf("P%d", i+2))).Result
		}(i)
	}
	// Sweeps run concurrently with the acknowledgments
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tr.Due(start.Add(time.Duration(i)*time.Hour), time.Second)
		}
	}()
	wg.Wait()
	close(results)

	completed := 0
	for r := range results {
		if r == Completed {
			completed++
		}
	}
	require.Equal(t, 1, completed)
	require.Equal(t, 0, tr.Len())
}

func TestPendingSorted(t *testing.T) {
	tr := New()
	tr.Register(multicast(3), 1, start)
	tr.Register(multicast(1), 1, start)
	tr.Register(multicast(2), 1, start)
	pending := tr.Pending()
	require.Len(t, pending, 3)
	for i, p := range pending {
		require.Equal(t, uint64(i+1), p.Message.ID.Seq)
	}
}

var quorumTest = []struct {
	required int
	acks     []message.ProcessID
	last     Result
	pending  bool
}{
	{1, []message.ProcessID{"P2"}, Completed, false},
	{2, []message.ProcessID{"P2"}, Recorded, true},
	{2, []message.ProcessID{"P2", "P2"}, Duplicate, true},
	{2, []message.ProcessID{"P2", "P3"}, Completed, false},
	{2, []message.ProcessID{"P2", "P3", "P2"}, Unknown, false},
	{3, []message.ProcessID{"P3", "P2", "P3", "P4"}, Completed, false},
}
