package promo

import "fmt"

// ConfigurationError signals missing or invalid inputs, e.g. a zero-length
// historical window. Raised to the caller, never defaulted to zero-valued
// results.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Reason)
}

// InsufficientDataError signals too few samples to fit or adjust a model.
type InsufficientDataError struct {
	Bucket string
	Got    int
	Need   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %d samples (need >=%d)", e.Bucket, e.Got, e.Need)
}

// NoFeasibleScenarioError signals that every optimization candidate was
// blocked by validation.
type NoFeasibleScenarioError struct {
	Candidates int
}

func (e *NoFeasibleScenarioError) Error() string {
	return fmt.Sprintf("no feasible scenario: all %d candidates blocked by validation", e.Candidates)
}
