package runner

import (
	"fmt"

	"rmcast/checking"
	"rmcast/event"
	"rmcast/message"
)

type Record interface {
	Target() message.ProcessID
	fmt.Stringer
}

// Sent after the local state of a process changed
type StateRecord struct {
	target message.ProcessID
	State  checking.NodeState
}

func (sr StateRecord) Target() message.ProcessID {
	return sr.target
}

func (sr StateRecord) String() string {
	return fmt.Sprintf("[State %v - %v]", sr.target, sr.State)
}

// Sent for every protocol event published by a process
type EventRecord struct {
	Evt event.Event
}

func (er EventRecord) Target() message.ProcessID {
	return er.Evt.Process
}

func (er EventRecord) String() string {
	return fmt.Sprintf("[Event - %v]", er.Evt)
}

// Sent when a process crashes
type CrashRecord struct {
	target message.ProcessID
}

func (cr CrashRecord) Target() message.ProcessID {
	return cr.target
}

func (cr CrashRecord) String() string {
	return fmt.Sprintf("[Crash - %v]", cr.target)
}
