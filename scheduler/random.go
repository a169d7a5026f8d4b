package scheduler

import (
	"math/rand"
	"sync"
)

// A scheduler that randomly picks the next item from the pending items.
//
// It is useful for exploring a random selection of interleavings when the number of possible orderings is too large to try them all.
// The same seed and the same sequence of calls give the same order.
type RandomScheduler[T any] struct {
	sync.Mutex

	// a slice of all items that can be chosen
	pending []T

	rand *rand.Rand
}

// Create a new RandomScheduler initialized with the seed
func NewRandom[T any](seed int64) *RandomScheduler[T] {
	return &RandomScheduler[T]{
		pending: make([]T, 0),
		rand:    rand.New(rand.NewSource(seed)),
	}
}

func (rs *RandomScheduler[T]) Add(item T) {
	rs.Lock()
	defer rs.Unlock()
	rs.pending = append(rs.pending, item)
}

// Randomly selects the next item.
func (rs *RandomScheduler[T]) Next() (T, error) {
	rs.Lock()
	defer rs.Unlock()
	var zero T
	if len(rs.pending) == 0 {
		return zero, ErrEmpty
	}

	index := rs.rand.Intn(len(rs.pending))
	item := rs.pending[index]

	// Move the last item into the hole. Since we are drawing randomly the ordering does not matter
	last := len(rs.pending) - 1
	rs.pending[index] = rs.pending[last]
	rs.pending[last] = zero
	rs.pending = rs.pending[:last]

	return item, nil
}

func (rs *RandomScheduler[T]) Drop(drop func(T) bool) int {
	rs.Lock()
	defer rs.Unlock()
	var removed int
	rs.pending, removed = filter(rs.pending, drop)
	return removed
}

func (rs *RandomScheduler[T]) Len() int {
	rs.Lock()
	defer rs.Unlock()
	return len(rs.pending)
}
