package checking

// A function to be evaluated on the states
// It returns true if the predicate holds for the state and false otherwise
type Predicate[S any] func(s State[S]) bool

// Check that the predicate happens eventually.
//
// Return a predicate that run the provided predicate on terminal states.
// Returns the value of the original predicate if the state is terminal.
// Otherwise, it always returns true.
func Eventually[S any](pred Predicate[S]) Predicate[S] {
	return func(s State[S]) bool {
		if !s.IsTerminal {
			return true
		}
		return pred(s)
	}
}

// Check that condition returns true for all processes in the provided global state
//
// Returns false if cond returns false for some process.
// Returns true otherwise.
// If checkCorrect is true, only correct processes will be checked, otherwise crashed processes will also be checked.
func ForAllNodes[S any](cond func(S) bool, s State[S], checkCorrect bool) bool {
	for id, state := range s.LocalStates {
		if checkCorrect && !s.Correct[id] {
			continue
		}
		if !cond(state) {
			return false
		}
	}
	return true
}
