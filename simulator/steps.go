package simulator

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"rmcast/engine"
	"rmcast/message"
	"rmcast/runner"
)

// A step of the workload executed in every run
type Step interface {
	Apply(r *runner.Runner) error
	fmt.Stringer
}

// Multicast Content from the process
type Send struct {
	From    message.ProcessID
	Content string
}

// A crashed process sends nothing
func (s Send) Apply(r *runner.Runner) error {
	_, err := r.Send(s.From, s.Content)
	if errors.Is(err, engine.ErrClosed) {
		return nil
	}
	return err
}

func (s Send) String() string { return fmt.Sprintf("send %v %q", s.From, s.Content) }

type Crash struct {
	Id message.ProcessID
}

func (c Crash) Apply(r *runner.Runner) error { return r.CrashNode(c.Id) }

func (c Crash) String() string { return fmt.Sprintf("crash %v", c.Id) }

type Partition struct {
	A, B message.ProcessID
}

func (p Partition) Apply(r *runner.Runner) error { return r.Partition(p.A, p.B) }

func (p Partition) String() string { return fmt.Sprintf("partition %v %v", p.A, p.B) }

type Heal struct {
	A, B message.ProcessID
}

func (h Heal) Apply(r *runner.Runner) error { return r.Heal(h.A, h.B) }

func (h Heal) String() string { return fmt.Sprintf("heal %v %v", h.A, h.B) }
