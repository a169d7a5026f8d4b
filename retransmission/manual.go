package retransmission

import "time"

// A Ticker that only ticks when told to.
//
// Used to drive the scheduler deterministically.
type ManualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
	}
}

// Returns a function that can be passed to WithTicker. The interval is ignored
func (mt *ManualTicker) Factory() func(time.Duration) Ticker {
	return func(time.Duration) Ticker { return mt }
}

func (mt *ManualTicker) C() <-chan time.Time { return mt.c }

func (mt *ManualTicker) Stop() {
	select {
	case <-mt.stopped:
	default:
		close(mt.stopped)
	}
}

// Tick blocks until the scheduler has received the tick or the ticker is stopped.
// Returns false if the ticker is stopped.
func (mt *ManualTicker) Tick(t time.Time) bool {
	select {
	case mt.c <- t:
		return true
	case <-mt.stopped:
		return false
	}
}
