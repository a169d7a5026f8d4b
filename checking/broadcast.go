package checking

import (
	"fmt"

	"rmcast/message"
)

// The local state of a process running reliable multicast
type NodeState struct {
	// Messages multicast by the process
	Sent map[message.ID]bool
	// Messages delivered by the process, in delivery order
	Delivered []message.ID
}

func (ns NodeState) delivered() map[message.ID]bool {
	out := make(map[message.ID]bool, len(ns.Delivered))
	for _, id := range ns.Delivered {
		out[id] = true
	}
	return out
}

func (ns NodeState) String() string {
	return fmt.Sprintf("{Sent: %d, Delivered: %v}", len(ns.Sent), ns.Delivered)
}

// Validity: a correct process eventually delivers every message it multicasts
func Validity() NamedPredicate[NodeState] {
	return NamedPredicate[NodeState]{
		Name: "Validity",
		Predicate: Eventually(func(s State[NodeState]) bool {
			return ForAllNodes(func(n NodeState) bool {
				delivered := n.delivered()
				for id := range n.Sent {
					if !delivered[id] {
						return false
					}
				}
				return true
			}, s, true)
		}),
	}
}

// No duplication: no message is delivered more than once by the same process
func NoDuplication() NamedPredicate[NodeState] {
	return NamedPredicate[NodeState]{
		Name: "No duplication",
		Predicate: func(s State[NodeState]) bool {
			return ForAllNodes(func(n NodeState) bool {
				seen := make(map[message.ID]bool, len(n.Delivered))
				for _, id := range n.Delivered {
					if seen[id] {
						return false
					}
					seen[id] = true
				}
				return true
			}, s, false)
		},
	}
}

// No creation: every delivered message was multicast by some process
func NoCreation() NamedPredicate[NodeState] {
	return NamedPredicate[NodeState]{
		Name: "No creation",
		Predicate: func(s State[NodeState]) bool {
			sent := map[message.ID]bool{}
			for _, n := range s.LocalStates {
				for id := range n.Sent {
					sent[id] = true
				}
			}
			return ForAllNodes(func(n NodeState) bool {
				for _, id := range n.Delivered {
					if !sent[id] {
						return false
					}
				}
				return true
			}, s, false)
		},
	}
}

// Agreement: a message delivered by some correct process is eventually delivered by every correct process
func Agreement() NamedPredicate[NodeState] {
	return NamedPredicate[NodeState]{
		Name: "Agreement",
		Predicate: Eventually(func(s State[NodeState]) bool {
			delivered := map[message.ID]bool{}
			for id, n := range s.LocalStates {
				if !s.Correct[id] {
					continue
				}
				for _, m := range n.Delivered {
					delivered[m] = true
				}
			}
			return ForAllNodes(func(n NodeState) bool {
				own := n.delivered()
				for m := range delivered {
					if !own[m] {
						return false
					}
				}
				return true
			}, s, true)
		}),
	}
}

// The reliable broadcast properties
func ReliableBroadcast() []NamedPredicate[NodeState] {
	return []NamedPredicate[NodeState]{Validity(), NoDuplication(), NoCreation(), Agreement()}
}
