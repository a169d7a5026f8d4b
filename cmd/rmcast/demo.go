package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"rmcast/checking"
	"rmcast/engine"
	"rmcast/message"
	"rmcast/runner"
	"rmcast/scheduler"
	"rmcast/simulator"
)

type demoFlags struct {
	nodes    int
	messages int
	crash    string
	policy   string
	seed     int64
	runs     int
	timeout  time.Duration
}

func newDemoCmd(out io.Writer) *cobra.Command {
	f := &demoFlags{}
	cmd := &cobra.Command{
		Use:          "demo",
		Short:        "run a group on an in-memory network and check the reliable broadcast properties",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), f, out)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&f.nodes, "nodes", 3, "number of processes")
	fs.IntVar(&f.messages, "messages", 5, "messages multicast by every process")
	fs.StringVar(&f.crash, "crash", "", "process to crash after the first round of messages")
	fs.StringVar(&f.policy, "policy", string(scheduler.Random), "delivery order of the network: fifo or random")
	fs.Int64Var(&f.seed, "seed", 1, "seed of the random delivery order")
	fs.IntVar(&f.runs, "runs", 1, "number of runs, each with its own seed starting at --seed. More than one run uses the random policy")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "how long to wait for the group to settle")
	return cmd
}

func runDemo(ctx context.Context, f *demoFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.nodes < 1 || f.messages < 0 {
		return errors.Newf("invalid demo size: %d nodes, %d messages", f.nodes, f.messages)
	}
	ids := make([]message.ProcessID, f.nodes)
	for i := range ids {
		ids[i] = message.ProcessID(fmt.Sprintf("P%d", i+1))
	}
	cfg := runner.Config{
		Nodes: ids,
		Engine: engine.Config{
			RetransmitInterval: 20 * time.Millisecond,
			RetransmitTimeout:  50 * time.Millisecond,
		},
		Policy: scheduler.Policy(f.policy),
		Seed:   f.seed,
	}
	steps := demoSteps(ids, f)
	if f.runs > 1 {
		return simulate(ctx, cfg, steps, f, out)
	}

	r, err := runner.New(cfg)
	if err != nil {
		return err
	}
	r.Start(ctx)
	defer r.Stop()

	for _, step := range steps {
		if err := step.Apply(r); err != nil {
			return err
		}
		if _, ok := step.(simulator.Crash); ok {
			fmt.Fprintf(out, "%v\n", step)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := r.WaitQuiescent(waitCtx, 10*time.Millisecond); err != nil {
		return err
	}

	stats := r.Stats()
	for _, id := range r.Nodes() {
		fmt.Fprintf(out, "%v %v\n", id, stats[id])
	}
	ok, desc := r.Check(checking.ReliableBroadcast()...).Response()
	fmt.Fprintln(out, desc)
	if !ok {
		return errors.New("reliable broadcast properties do not hold")
	}
	return r.Stop()
}

// Every process multicasts once per round. The crash happens after the first round
func demoSteps(ids []message.ProcessID, f *demoFlags) []simulator.Step {
	var steps []simulator.Step
	for round := 0; round < f.messages; round++ {
		for _, id := range ids {
			steps = append(steps, simulator.Send{From: id, Content: fmt.Sprintf("message %d from %v", round+1, id)})
		}
		if round == 0 && f.crash != "" {
			steps = append(steps, simulator.Crash{Id: message.ProcessID(f.crash)})
		}
	}
	return steps
}

func simulate(ctx context.Context, cfg runner.Config, steps []simulator.Step, f *demoFlags, out io.Writer) error {
	sim := simulator.Simulator{
		Config:        cfg,
		MaxRuns:       f.runs,
		NumConcurrent: 4,
		FirstSeed:     f.seed,
		SettleTimeout: f.timeout,
	}
	res, err := sim.Simulate(ctx, checking.ReliableBroadcast(), steps...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d runs, %d broke a property\n", res.Runs, len(res.Failures))
	for _, failure := range res.Failures {
		fmt.Fprintf(out, "seed %d: %v\n", failure.Seed, failure.Description)
	}
	if len(res.Failures) > 0 {
		return errors.New("reliable broadcast properties do not hold")
	}
	return nil
}
