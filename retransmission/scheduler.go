// Package retransmission periodically resends multicast messages that have not been acknowledged by every peer.
package retransmission

import (
	"context"
	"sync/atomic"
	"time"

	"rmcast/message"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Source provides the messages that are due for retransmission.
//
// Due must return each message at most once per timeout and must tolerate entries being removed concurrently.
type Source interface {
	Due(now time.Time, timeout time.Duration) []message.Message
}

// Resender sends a message to the full peer set again.
//
// The message must be sent unmodified.
type Resender interface {
	Resend(ctx context.Context, m message.Message)
}

// A source of ticks. The scheduler sweeps once per tick
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

// Scheduler runs the retransmission sweep.
//
// Retransmission is unbounded: a message is resent every timeout until it is acknowledged by every peer.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration

	source   Source
	resender Resender

	now       func() time.Time
	newTicker func(time.Duration) Ticker

	sweeps  atomic.Uint64
	resends atomic.Uint64
}

type Option func(*Scheduler)

// Use the function to read the current time instead of time.Now
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Use the function to create the ticker driving the sweeps instead of a time.Ticker
func WithTicker(newTicker func(time.Duration) Ticker) Option {
	return func(s *Scheduler) { s.newTicker = newTicker }
}

// Create a new Scheduler
//
// Every interval the scheduler resends all messages that have not been sent for longer than timeout.
// Non-positive durations are replaced by the defaults.
func New(source Source, resender Resender, interval, timeout time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Scheduler{
		interval:  interval,
		timeout:   timeout,
		source:    source,
		resender:  resender,
		now:       time.Now,
		newTicker: newTimeTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once per interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.newTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.Sweep(ctx, s.now())
		}
	}
}

// Resend every message that is due at now. Returns the number of resent messages
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) int {
	s.sweeps.Add(1)
	due := s.source.Due(now, s.timeout)
	for _, m := range due {
		s.resender.Resend(ctx, m)
	}
	s.resends.Add(uint64(len(due)))
	return len(due)
}

// The number of completed sweeps
func (s *Scheduler) Sweeps() uint64 {
	return s.sweeps.Load()
}

// The number of messages resent
func (s *Scheduler) Resends() uint64 {
	return s.resends.Load()
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

func (s *Scheduler) Timeout() time.Duration { return s.timeout }
