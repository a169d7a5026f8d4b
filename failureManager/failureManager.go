// Package failureManager keeps track of which processes of a simulated cluster are correct and which links between them work.
package failureManager

import (
	"rmcast/message"
)

// Used to manage the correctness of processes and links
type FailureManager interface {
	// Return a map of the process ids and the status of the corresponding process
	CorrectNodes() map[message.ProcessID]bool
	// Returns true if frames sent from one process currently reach the other
	Reachable(from, to message.ProcessID) bool
	// Subscribe to updates about process status.
	// The callback is called with the process id and the new status when the status of a process changes
	Subscribe(callback func(id message.ProcessID, correct bool))
}

/*
	The failure manager:
		- Keeps track of which processes have crashed. Processes fail by stopping and never recover.
		- Keeps track of cut links. A cut link silently loses every frame until it is healed, which models omission failures and partitions.
		- Performs the crash, since it can interact with the processes.
*/
