// Package simulator runs a workload many times, each time with a different delivery order, and checks every run.
package simulator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"rmcast/checking"
	"rmcast/runner"
	"rmcast/scheduler"
)

var ErrNoSteps = errors.New("simulator: at least one step should be provided to start simulation")

// The outcome of one run whose checks failed
type Failure struct {
	Seed        int64
	Description string
}

type Result struct {
	Runs     int
	Failures []Failure
}

// Simulates the algorithm under different orderings of the frames on the network.
type Simulator struct {
	// Used for every run. The policy is always random and the seed is set per run
	Config runner.Config

	// If true will continue simulating runs after an error. Will return an aggregate of the errors at the end.
	// If false will stop the simulation at the first error.
	IgnoreErrors bool

	MaxRuns       int
	NumConcurrent int
	// The seed of the first run. Run i uses FirstSeed+i
	FirstSeed int64
	// How long a run may take to settle after the last step
	SettleTimeout time.Duration
}

// Run the steps in every run and check the predicates when the group has settled.
//
// A run whose predicates do not hold is reported in the result and is not an error.
// Simulate returns an error if it was unable to complete a run.
func (s Simulator) Simulate(ctx context.Context, predicates []checking.NamedPredicate[checking.NodeState], steps ...Step) (Result, error) {
	if len(steps) < 1 {
		return Result{}, ErrNoSteps
	}
	numConcurrent := s.NumConcurrent
	if numConcurrent < 1 {
		numConcurrent = 1
	}

	var (
		mu     sync.Mutex
		result Result
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numConcurrent)
	for i := 0; i < s.MaxRuns; i++ {
		if gctx.Err() != nil {
			break
		}
		seed := s.FirstSeed + int64(i)
		g.Go(func() error {
			failure, err := s.simulateRun(gctx, seed, predicates, steps)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				err = errors.Wrapf(err, "run with seed %d", seed)
				if !s.IgnoreErrors {
					return err
				}
				errs = append(errs, err)
				return nil
			}
			result.Runs++
			if failure != nil {
				result.Failures = append(result.Failures, *failure)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if len(errs) > 0 {
		return result, simulationError{errorSlice: errs}
	}
	return result, nil
}

func (s Simulator) simulateRun(ctx context.Context, seed int64, predicates []checking.NamedPredicate[checking.NodeState], steps []Step) (*Failure, error) {
	cfg := s.Config
	cfg.Policy = scheduler.Random
	cfg.Seed = seed
	r, err := runner.New(cfg)
	if err != nil {
		return nil, err
	}
	r.Start(ctx)
	defer r.Stop()

	for _, step := range steps {
		if err := step.Apply(r); err != nil {
			return nil, errors.Wrapf(err, "%v", step)
		}
	}

	timeout := s.SettleTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.WaitQuiescent(waitCtx, 5*time.Millisecond); err != nil {
		return nil, err
	}

	ok, desc := r.Check(predicates...).Response()
	if ok {
		return nil, nil
	}
	return &Failure{Seed: seed, Description: desc}, nil
}
