// Package scheduler decides the order in which pending items, such as frames in flight on a simulated network, are handed on.
package scheduler

import (
	"github.com/cockroachdb/errors"
)

// Scheduler holds the pending items and picks the next one.
//
// Items can safely be added and retrieved from several goroutines.
type Scheduler[T any] interface {
	// Add an item to the pending items
	Add(T)
	// Remove and return the next item. Returns ErrEmpty if there are no pending items
	Next() (T, error)
	// Remove all pending items for which drop returns true. Returns the number of removed items
	Drop(drop func(T) bool) int
	// The number of pending items
	Len() int
}

var ErrEmpty = errors.New("scheduler: no pending items")

// The available scheduling policies
type Policy string

const (
	FIFO   Policy = "fifo"
	Random Policy = "random"
)

// Create a scheduler with the policy.
//
// seed is only used by the random policy.
func New[T any](policy Policy, seed int64) (Scheduler[T], error) {
	switch policy {
	case FIFO, "":
		return NewQueue[T](), nil
	case Random:
		return NewRandom[T](seed), nil
	default:
		return nil, errors.Newf("scheduler: unknown policy %q", policy)
	}
}

// Remove the items matching drop from pending, keeping the order of the rest
func filter[T any](pending []T, drop func(T) bool) ([]T, int) {
	i := 0
	for _, item := range pending {
		if !drop(item) {
			pending[i] = item
			i++
		}
	}
	removed := len(pending) - i
	var zero T
	for j := i; j < len(pending); j++ {
		pending[j] = zero
	}
	return pending[:i], removed
}
