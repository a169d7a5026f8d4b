package failureManager

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/maps"

	"rmcast/message"
)

var (
	ErrUnknownNode   = errors.New("failureManager: node is not added to the system")
	ErrAlreadyFailed = errors.New("failureManager: node has already crashed")
)

// A directed link between two processes
type link struct {
	from message.ProcessID
	to   message.ProcessID
}

// The PerfectFailureManager manages the failures of a fail-stop system where every crash is eventually known to all processes.
//
// It is configured with a function specifying how a node crashes.
type PerfectFailureManager[T any] struct {
	mu        sync.Mutex
	crashFunc func(*T)

	nodes     map[message.ProcessID]*T
	correct   map[message.ProcessID]bool
	cut       map[link]bool
	callbacks []func(message.ProcessID, bool)
}

// Create a new PerfectFailureManager
//
// crashFunc is a function performing the crash on the node.
// It should close all network connections and stop all ongoing work on the node.
func NewPerfectFailureManager[T any](crashFunc func(*T)) *PerfectFailureManager[T] {
	return &PerfectFailureManager[T]{
		crashFunc: crashFunc,
		nodes:     make(map[message.ProcessID]*T),
		correct:   make(map[message.ProcessID]bool),
		cut:       make(map[link]bool),
	}
}

// Add a node to the system. The node starts out correct
func (fm *PerfectFailureManager[T]) Add(id message.ProcessID, node *T) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.nodes[id] = node
	fm.correct[id] = true
}

// Return a map of the node ids and the status of the corresponding node
//
// If the status is true the node is currently running.
// if it is false the node has crashed.
func (fm *PerfectFailureManager[T]) CorrectNodes() map[message.ProcessID]bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return maps.Clone(fm.correct)
}

func (fm *PerfectFailureManager[T]) Correct(id message.ProcessID) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.correct[id]
}

// Perform the crash of the node with the provided id.
//
// Returns ErrUnknownNode if the node is not added and ErrAlreadyFailed if it has already crashed.
func (fm *PerfectFailureManager[T]) NodeCrash(id message.ProcessID) error {
	fm.mu.Lock()
	node, ok := fm.nodes[id]
	if !ok {
		fm.mu.Unlock()
		return errors.Wrapf(ErrUnknownNode, "crash %s", id)
	}
	if !fm.correct[id] {
		fm.mu.Unlock()
		return errors.Wrapf(ErrAlreadyFailed, "crash %s", id)
	}
	fm.correct[id] = false
	callbacks := append([]func(message.ProcessID, bool){}, fm.callbacks...)
	fm.mu.Unlock()

	if fm.crashFunc != nil {
		fm.crashFunc(node)
	}
	for _, f := range callbacks {
		f(id, false)
	}
	return nil
}

// Cut the links between a and b in both directions
func (fm *PerfectFailureManager[T]) Partition(a, b message.ProcessID) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.cut[link{a, b}] = true
	fm.cut[link{b, a}] = true
}

// Cut the link from one process to another. Frames in the opposite direction are unaffected
func (fm *PerfectFailureManager[T]) CutLink(from, to message.ProcessID) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.cut[link{from, to}] = true
}

// Restore the links between a and b in both directions
func (fm *PerfectFailureManager[T]) Heal(a, b message.ProcessID) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	delete(fm.cut, link{a, b})
	delete(fm.cut, link{b, a})
}

// Returns true if both processes are correct and the link between them is not cut
func (fm *PerfectFailureManager[T]) Reachable(from, to message.ProcessID) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.correct[from] && fm.correct[to] && !fm.cut[link{from, to}]
}

func (fm *PerfectFailureManager[T]) Subscribe(callback func(message.ProcessID, bool)) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.callbacks = append(fm.callbacks, callback)
}
