package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"rmcast/checking"
	"rmcast/engine"
	"rmcast/message"
	"rmcast/runner"
)

func newSimulator(runs, concurrent int, ignoreErrors bool) Simulator {
	return Simulator{
		Config: runner.Config{
			Nodes:  []message.ProcessID{"P1", "P2", "P3"},
			Engine: engine.Config{RetransmitInterval: 5 * time.Millisecond, RetransmitTimeout: 10 * time.Millisecond},
		},
		IgnoreErrors:  ignoreErrors,
		MaxRuns:       runs,
		NumConcurrent: concurrent,
		FirstSeed:     100,
		SettleTimeout: 5 * time.Second,
	}
}

func TestSimulate(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
	}{
		{"sends", []Step{Send{"P1", "a"}, Send{"P2", "b"}, Send{"P3", "c"}, Send{"P1", "d"}}},
		{"partition healed", []Step{Partition{"P1", "P2"}, Send{"P1", "a"}, Send{"P2", "b"}, Heal{"P1", "P2"}}},
		{"crash after settling sends", []Step{Send{"P1", "a"}, Crash{"P3"}, Send{"P3", "ignored"}, Send{"P2", "b"}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			res, err := newSimulator(6, 3, false).Simulate(context.Background(), checking.ReliableBroadcast(), test.steps...)
			require.NoError(t, err)
			require.Equal(t, 6, res.Runs)
			require.Empty(t, res.Failures)
		})
	}
}

func TestSimulateNoSteps(t *testing.T) {
	_, err := newSimulator(1, 1, false).Simulate(context.Background(), checking.ReliableBroadcast())
	require.True(t, errors.Is(err, ErrNoSteps))
}

func TestSimulateErrors(t *testing.T) {
	steps := []Step{Send{"P9", "nobody"}}

	_, err := newSimulator(4, 2, false).Simulate(context.Background(), checking.ReliableBroadcast(), steps...)
	require.True(t, errors.Is(err, runner.ErrUnknownNode), "%v", err)

	res, err := newSimulator(4, 2, true).Simulate(context.Background(), checking.ReliableBroadcast(), steps...)
	var simErr simulationError
	require.ErrorAs(t, err, &simErr)
	require.Len(t, simErr.errorSlice, 4)
	require.Equal(t, 0, res.Runs)
}

func TestSimulateReportsBrokenPredicate(t *testing.T) {
	never := checking.NamedPredicate[checking.NodeState]{
		Name:      "Never",
		Predicate: checking.Eventually(func(checking.State[checking.NodeState]) bool { return false }),
	}
	res, err := newSimulator(2, 1, false).Simulate(context.Background(), []checking.NamedPredicate[checking.NodeState]{never}, Send{"P1", "a"})
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	require.Equal(t, int64(100), res.Failures[0].Seed)
	require.Contains(t, res.Failures[0].Description, "Never")
}
