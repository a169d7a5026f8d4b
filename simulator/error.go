package simulator

import "fmt"

// Aggregates the errors that occurred during a simulation
type simulationError struct {
	errorSlice []error
}

func (se simulationError) Error() string {
	return fmt.Sprintf("simulator: %v errors occurred running simulations. \nError 1: %v", len(se.errorSlice), se.errorSlice[0])
}

func (se simulationError) Unwrap() []error {
	return se.errorSlice
}
