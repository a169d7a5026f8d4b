package runner

import (
	"golang.org/x/exp/maps"

	"rmcast/checking"
	"rmcast/engine"
	"rmcast/event"
	"rmcast/message"
)

// The runner's view of one process
type node struct {
	id     message.ProcessID
	engine *engine.Engine

	// Guarded by the runner's mutex
	sent      map[message.ID]bool
	delivered []message.ID
	correct   bool
}

func newNode(id message.ProcessID, e *engine.Engine) *node {
	return &node{
		id:      id,
		engine:  e,
		sent:    make(map[message.ID]bool),
		correct: true,
	}
}

// A copy of the local state that is not changed by later deliveries
func (n *node) state() checking.NodeState {
	return checking.NodeState{
		Sent:      maps.Clone(n.sent),
		Delivered: append([]message.ID{}, n.delivered...),
	}
}

// Consume the deliveries of the engine until it is closed
func (n *node) consumeDeliveries(r *Runner) {
	for d := range n.engine.Deliveries() {
		r.delivered(n, d.Message.ID)
	}
}

// Forward the protocol events of the engine until it is closed
func (n *node) consumeEvents(r *Runner, events <-chan event.Event) {
	for evt := range events {
		r.emit(EventRecord{Evt: evt})
	}
}
