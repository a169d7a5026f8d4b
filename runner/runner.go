// Package runner runs a group of engines on an in-memory network and records the execution.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"rmcast/checking"
	"rmcast/engine"
	"rmcast/log"
	"rmcast/message"
	"rmcast/scheduler"
	"rmcast/transport/memnet"
)

var (
	ErrUnknownNode = errors.New("runner: no node with the provided id")
	ErrStopped     = errors.New("runner: stopped")
)

type Config struct {
	// The processes in the group
	Nodes []message.ProcessID
	// Used for every engine. The ID is set per process
	Engine engine.Config
	// The order in which the network delivers frames
	Policy scheduler.Policy
	Seed   int64
	// The size of the buffers of the record channels
	RecordBuffer int
}

// The Runner runs the engines in real time and records the execution.
//
// Every engine runs on its own goroutine. Commands are executed one at a time.
type Runner struct {
	sync.Mutex

	net   *memnet.Network
	nodes map[message.ProcessID]*node
	ids   []message.ProcessID

	// The global state after every change, in order
	history []checking.GlobalState[checking.NodeState]

	recordBuffer int
	subMu        sync.Mutex
	subs         []chan Record
	recordsDone  bool

	cmd     chan command
	resp    chan response
	stopped chan struct{}

	cancel context.CancelFunc
	g      *errgroup.Group
}

// Create the network and an engine for every process.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Nodes) == 0 {
		return nil, errors.New("runner: no nodes")
	}
	sched, err := scheduler.New[memnet.Frame](cfg.Policy, cfg.Seed)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		net:          memnet.New(memnet.WithScheduler(sched)),
		nodes:        make(map[message.ProcessID]*node, len(cfg.Nodes)),
		recordBuffer: cfg.RecordBuffer,
		cmd:          make(chan command),
		resp:         make(chan response),
		stopped:      make(chan struct{}),
	}
	for _, id := range cfg.Nodes {
		if _, ok := r.nodes[id]; ok {
			r.net.Close()
			return nil, errors.Newf("runner: duplicate node %v", id)
		}
		ep, err := r.net.Endpoint(id)
		if err != nil {
			r.net.Close()
			return nil, err
		}
		ecfg := cfg.Engine
		ecfg.ID = id
		e, err := engine.New(ecfg, ep)
		if err != nil {
			r.net.Close()
			return nil, err
		}
		r.nodes[id] = newNode(id, e)
		r.ids = append(r.ids, id)
	}
	slices.Sort(r.ids)
	r.net.Failures().Subscribe(r.onStatus)
	return r, nil
}

// Start the engines and the command loop.
//
// The Runner must be started before commands can be given to it.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.g, ctx = errgroup.WithContext(ctx)

	r.Lock()
	r.snapshot("start")
	r.Unlock()

	for _, id := range r.ids {
		n := r.nodes[id]
		events := n.engine.Subscribe(r.recordBuffer)
		r.g.Go(func() error {
			if err := n.engine.Run(ctx); err != nil && !errors.Is(err, engine.ErrClosed) {
				return errors.Wrapf(err, "run %v", n.id)
			}
			return nil
		})
		r.g.Go(func() error { n.consumeDeliveries(r); return nil })
		r.g.Go(func() error { n.consumeEvents(r, events); return nil })
	}

	go func() {
		for cmd := range r.cmd {
			var resp response
			switch t := cmd.(type) {
			case sendCmd:
				resp.id, resp.err = r.send(ctx, t.Id, t.Content)
			case crashCmd:
				resp.err = r.crash(t.Id)
			case partitionCmd:
				resp.err = r.partition(t.A, t.B)
			case healCmd:
				resp.err = r.heal(t.A, t.B)
			case stopCmd:
				resp.err = r.stop()
				close(r.stopped)
				r.resp <- resp
				return
			}
			r.resp <- resp
		}
	}()
}

// Multicast content from the process.
//
// Must be called after the running has been started.
func (r *Runner) Send(id message.ProcessID, content string) (message.ID, error) {
	resp := r.do(sendCmd{Id: id, Content: content})
	return resp.id, resp.err
}

// Crash the process. Its engine is closed and frames in flight to or from it are lost.
//
// Must be called after the running has been started.
func (r *Runner) CrashNode(id message.ProcessID) error {
	return r.do(crashCmd{Id: id}).err
}

// Stop frames from flowing between the two processes in both directions.
//
// Must be called after the running has been started.
func (r *Runner) Partition(a, b message.ProcessID) error {
	return r.do(partitionCmd{A: a, B: b}).err
}

// Let frames flow between the two processes again
//
// Must be called after the running has been started.
func (r *Runner) Heal(a, b message.ProcessID) error {
	return r.do(healCmd{A: a, B: b}).err
}

// Stop the engines and close the network.
//
// Must be called after the running has been started. The record channels are closed when it returns.
func (r *Runner) Stop() error {
	return r.do(stopCmd{}).err
}

// Returns ErrStopped if the runner has been stopped
func (r *Runner) do(cmd command) response {
	select {
	case r.cmd <- cmd:
		return <-r.resp
	case <-r.stopped:
		return response{err: ErrStopped}
	}
}

// Subscribe to records of the states and events of the processes
//
// Events on different processes happen concurrently, so the order of records from different processes does not necessarily match.
// Records from the same process arrive in the order they happened.
// Subscribers must keep reading until the channel is closed.
func (r *Runner) SubscribeRecords() <-chan Record {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	ch := make(chan Record, r.recordBuffer)
	if r.recordsDone {
		close(ch)
		return ch
	}
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Runner) emit(rec Record) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		ch <- rec
	}
}

// The ids of the processes in sorted order
func (r *Runner) Nodes() []message.ProcessID {
	return append([]message.ProcessID{}, r.ids...)
}

// The engine of the process
func (r *Runner) Engine(id message.ProcessID) (*engine.Engine, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "%v", id)
	}
	return n.engine, nil
}

// The network the engines run on
func (r *Runner) Network() *memnet.Network {
	return r.net
}

// The statistics of every process
func (r *Runner) Stats() map[message.ProcessID]engine.Stats {
	out := make(map[message.ProcessID]engine.Stats, len(r.nodes))
	for id, n := range r.nodes {
		out[id] = n.engine.Stats()
	}
	return out
}

// The global states recorded so far, oldest first
func (r *Runner) History() []checking.GlobalState[checking.NodeState] {
	r.Lock()
	defer r.Unlock()
	return append([]checking.GlobalState[checking.NodeState]{}, r.history...)
}

// Check the predicates on the recorded history. The last recorded state is terminal.
func (r *Runner) Check(predicates ...checking.NamedPredicate[checking.NodeState]) checking.CheckerResponse {
	return checking.NewPredicateChecker(predicates...).Check(r.History())
}

// Wait until the group has settled.
//
// The group has settled when no frames are in flight, every delivery has been recorded,
// and every pending message of a correct process is only missing acknowledgments from crashed processes.
// A partition that is never healed keeps the group from settling.
func (r *Runner) WaitQuiescent(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if r.quiescent() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for quiescence")
		case <-ticker.C:
		}
	}
}

func (r *Runner) quiescent() bool {
	if r.net.InFlight() > 0 {
		return false
	}
	correct := r.net.Failures().CorrectNodes()
	for id, n := range r.nodes {
		if !correct[id] {
			continue
		}
		r.Lock()
		recorded := len(n.delivered)
		r.Unlock()
		if uint64(recorded) != n.engine.Stats().Delivered {
			return false
		}
		for _, p := range n.engine.Pending() {
			acked := make(map[message.ProcessID]bool, len(p.ReceivedFrom))
			for _, from := range p.ReceivedFrom {
				acked[from] = true
			}
			for peer := range r.nodes {
				if peer != id && correct[peer] && !acked[peer] {
					return false
				}
			}
		}
	}
	return true
}

func (r *Runner) send(ctx context.Context, id message.ProcessID, content string) (message.ID, error) {
	n, ok := r.nodes[id]
	if !ok {
		return message.ID{}, errors.Wrapf(ErrUnknownNode, "%v", id)
	}
	msgID, err := n.engine.Send(ctx, content)
	if err != nil {
		return msgID, err
	}
	r.Lock()
	if !n.sent[msgID] {
		n.sent[msgID] = true
		r.snapshot(fmt.Sprintf("%v sent %v", id, msgID))
	}
	r.Unlock()
	return msgID, nil
}

func (r *Runner) crash(id message.ProcessID) error {
	if _, ok := r.nodes[id]; !ok {
		return errors.Wrapf(ErrUnknownNode, "%v", id)
	}
	return r.net.Crash(id)
}

// Called by the failure manager when a process changes status
func (r *Runner) onStatus(id message.ProcessID, correct bool) {
	if correct {
		return
	}
	n := r.nodes[id]
	if err := n.engine.Close(); err != nil {
		log.Warningf(context.Background(), "close crashed engine %v: %v", id, err)
	}
	r.Lock()
	n.correct = false
	r.snapshot(fmt.Sprintf("%v crashed", id))
	r.Unlock()
	r.emit(CrashRecord{target: id})
}

func (r *Runner) partition(a, b message.ProcessID) error {
	if err := r.known(a, b); err != nil {
		return err
	}
	r.net.Failures().Partition(a, b)
	return nil
}

func (r *Runner) heal(a, b message.ProcessID) error {
	if err := r.known(a, b); err != nil {
		return err
	}
	r.net.Failures().Heal(a, b)
	return nil
}

func (r *Runner) known(ids ...message.ProcessID) error {
	for _, id := range ids {
		if _, ok := r.nodes[id]; !ok {
			return errors.Wrapf(ErrUnknownNode, "%v", id)
		}
	}
	return nil
}

func (r *Runner) stop() error {
	r.cancel()
	var errs error
	for _, id := range r.ids {
		errs = errors.CombineErrors(errs, r.nodes[id].engine.Close())
	}
	errs = errors.CombineErrors(errs, r.g.Wait())
	r.net.Close()

	r.subMu.Lock()
	r.recordsDone = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.subMu.Unlock()
	return errs
}

// Record a delivery made by the process
func (r *Runner) delivered(n *node, id message.ID) {
	r.Lock()
	if id.Sender == n.id {
		// A process delivers its own message before Send returns
		n.sent[id] = true
	}
	n.delivered = append(n.delivered, id)
	r.snapshot(fmt.Sprintf("%v delivered %v", n.id, id))
	state := n.state()
	r.Unlock()
	r.emit(StateRecord{target: n.id, State: state})
}

// Must hold r.Mutex
func (r *Runner) snapshot(label string) {
	gs := checking.GlobalState[checking.NodeState]{
		LocalStates: make(map[message.ProcessID]checking.NodeState, len(r.nodes)),
		Correct:     make(map[message.ProcessID]bool, len(r.nodes)),
		Label:       label,
	}
	for id, n := range r.nodes {
		gs.LocalStates[id] = n.state()
		gs.Correct[id] = n.correct
	}
	r.history = append(r.history, gs)
}
