package checking

import (
	"bytes"
	"fmt"
	"text/tabwriter"
)

type predicateCheckerResponse[S any] struct {
	Result   bool             // True if all predicates hold. False otherwise
	Sequence []GlobalState[S] // The states up to and including the first failing one. nil if Result is true
	Test     string           // The name of the failing predicate. Empty if Result is true
}

// Generate a response
// Returns two parameters, result, and description.
// Result is true if all predicates hold, false otherwise.
// If result is false the description contain a representation of the sequence of states that lead to the failing state
func (pcr predicateCheckerResponse[S]) Response() (bool, string) {
	if pcr.Result {
		return pcr.Result, "All predicates hold"
	}
	var buffer bytes.Buffer
	wrt := tabwriter.NewWriter(&buffer, 4, 4, 0, ' ', 0)
	out := fmt.Sprintf("Predicate broken. Predicate: %v. Sequence: \n", pcr.Test)
	for _, element := range pcr.Sequence {
		fmt.Fprintf(wrt, "-> %v \n", element)
	}
	wrt.Flush()
	out += buffer.String()
	return pcr.Result, out
}

// A predicate with a name used when reporting
type NamedPredicate[S any] struct {
	Name      string
	Predicate Predicate[S]
}

type PredicateChecker[S any] struct {
	predicates []NamedPredicate[S]
}

func NewPredicateChecker[S any](predicates ...NamedPredicate[S]) *PredicateChecker[S] {
	return &PredicateChecker[S]{
		predicates: predicates,
	}
}

// Check the predicates on every state of the run in order.
// The last state of the run is terminal.
// Stops at the first state that breaks some predicate.
func (pc *PredicateChecker[S]) Check(run []GlobalState[S]) CheckerResponse {
	for i, gs := range run {
		sequence := run[:i+1]
		if ok, name := pc.checkState(gs, i == len(run)-1, sequence); !ok {
			return predicateCheckerResponse[S]{
				Result:   false,
				Sequence: sequence,
				Test:     name,
			}
		}
	}
	return predicateCheckerResponse[S]{Result: true}
}

func (pc *PredicateChecker[S]) checkState(gs GlobalState[S], terminal bool, sequence []GlobalState[S]) (bool, string) {
	for _, pred := range pc.predicates {
		if !pred.Predicate(State[S]{
			LocalStates: gs.LocalStates,
			Correct:     gs.Correct,
			IsTerminal:  terminal,
			Sequence:    sequence,
		}) {
			return false, pred.Name
		}
	}
	return true, ""
}
