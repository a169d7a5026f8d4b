package scheduler

import "sync"

// A scheduler that hands out items in the order they were added
type Queue[T any] struct {
	sync.Mutex
	pending []T
}

// Create a new Queue scheduler
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		pending: make([]T, 0),
	}
}

func (q *Queue[T]) Add(item T) {
	q.Lock()
	defer q.Unlock()
	q.pending = append(q.pending, item)
}

func (q *Queue[T]) Next() (T, error) {
	q.Lock()
	defer q.Unlock()
	var zero T
	if len(q.pending) == 0 {
		return zero, ErrEmpty
	}
	item := q.pending[0]
	q.pending[0] = zero
	q.pending = q.pending[1:]
	return item, nil
}

func (q *Queue[T]) Drop(drop func(T) bool) int {
	q.Lock()
	defer q.Unlock()
	var removed int
	q.pending, removed = filter(q.pending, drop)
	return removed
}

func (q *Queue[T]) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.pending)
}
