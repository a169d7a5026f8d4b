package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rmcast/message"
)

func msg(sender message.ProcessID, seq uint64) message.Message {
	return message.NewMulticast(message.ID{Sender: sender, Seq: seq}, "content", 1, time.Now())
}

func receive(t *testing.T, l *Ledger) Delivery {
	t.Helper()
	select {
	case d, ok := <-l.Deliveries():
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for delivery")
	}
	return Delivery{}
}

func TestDeliverIdempotent(t *testing.T) {
	l := New()
	defer l.Abort()

	m := msg("P1", 1)
	require.True(t, l.Deliver(m, 3))
	require.False(t, l.Deliver(m, 4))
	require.Equal(t, 1, l.Len())
	require.True(t, l.Contains(m.ID))

	d := receive(t, l)
	require.Equal(t, m.ID, d.Message.ID)
	require.EqualValues(t, 3, d.LocalTime)

	select {
	case d := <-l.Deliveries():
		t.Fatalf("Received a second notification for a duplicate: %v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverArrivalOrder(t *testing.T) {
	l := New()
	defer l.Abort()

	in := []message.Message{msg("P2", 1), msg("P1", 2), msg("P1", 1), msg("P3", 9)}
	for _, m := range in {
		require.True(t, l.Deliver(m, 0))
	}
	for _, m := range in {
		require.Equal(t, m.ID, receive(t, l).Message.ID)
	}
}

func TestDeliverDoesNotBlock(t *testing.T) {
	// Nobody drains the channel; Deliver must still return
	l := New()
	defer l.Abort()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			l.Deliver(msg("P1", i), 0)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Deliver blocked on a slow consumer")
	}
	require.Equal(t, 1000, l.Len())
}

func TestConcurrentDeliverOnce(t *testing.T) {
	l := New()
	defer l.Abort()

	m := msg("P1", 1)
	wins := make(chan bool, 16)
	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- l.Deliver(m, 0)
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestCloseDrains(t *testing.T) {
	l := New()
	for i := uint64(1); i <= 3; i++ {
		l.Deliver(msg("P1", i), 0)
	}
	l.Close()
	// Recorded but not queued
	require.True(t, l.Deliver(msg("P1", 4), 0))

	got := []uint64{}
	for d := range l.Deliveries() {
		got = append(got, d.Message.ID.Seq)
	}
	require.Equal(t, []uint64{1, 2, 3}, got)
	<-l.Drained()
	require.Equal(t, 4, l.Len())
}

func TestAbort(t *testing.T) {
	l := New()
	l.Deliver(msg("P1", 1), 0)
	l.Abort()
	select {
	case <-l.Drained():
	case <-time.After(5 * time.Second):
		t.Fatalf("Abort did not close the delivery channel")
	}
}

func TestIDsSorted(t *testing.T) {
	l := New()
	defer l.Abort()
	l.Deliver(msg("P2", 1), 0)
	l.Deliver(msg("P1", 10), 0)
	l.Deliver(msg("P1", 2), 0)
	require.Equal(t, []message.ID{{Sender: "P1", Seq: 2}, {Sender: "P1", Seq: 10}, {Sender: "P2", Seq: 1}}, l.IDs())
}
