// Package checking verifies properties over the global states recorded during a run.
package checking

// The Checker verifies that properties hold for a recorded run.
type Checker[S any] interface {
	// Verify that the configured properties hold for every state of the run
	Check(run []GlobalState[S]) CheckerResponse
}

// CheckerResponse is a response returned by a Checker
//
// Contains the result of checking the run.
type CheckerResponse interface {
	// Create a response.
	//
	// Returns a boolean that is true if all properties hold, false otherwise.
	// Returns a string describing the response.
	// This includes which property is violated and the states leading to the violation.
	Response() (bool, string)
}
