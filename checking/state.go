package checking

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"rmcast/message"
)

// A snapshot of every process at one point of a run
type GlobalState[S any] struct {
	// The local states of the processes
	LocalStates map[message.ProcessID]S
	// The status of the processes. True means that the process is correct, false that it has crashed.
	Correct map[message.ProcessID]bool
	// What happened right before the snapshot was taken
	Label string
}

func (gs GlobalState[S]) String() string {
	ids := maps.Keys(gs.LocalStates)
	slices.Sort(ids)
	bldr := strings.Builder{}
	fmt.Fprintf(&bldr, "%v:", gs.Label)
	for _, id := range ids {
		status := ""
		if !gs.Correct[id] {
			status = " (crashed)"
		}
		fmt.Fprintf(&bldr, " %v%v=%v", id, status, gs.LocalStates[id])
	}
	return bldr.String()
}

// The state of the system at the current point of execution
type State[S any] struct {
	// The local states of the processes.
	LocalStates map[message.ProcessID]S
	// The status of the processes. True means that the process is correct, false that it has crashed.
	Correct map[message.ProcessID]bool
	// True if this is the last recorded state in a run. False otherwise.
	IsTerminal bool
	// The sequence of GlobalStates that lead to this State.
	Sequence []GlobalState[S]
}
