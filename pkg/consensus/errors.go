package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParams is returned for a margin or attempt budget below 1.
	ErrInvalidParams = errors.New("consensus: margin and max attempts must be at least 1")

	// ErrNoVotes means the attempt budget was spent without a single parseable sample.
	ErrNoVotes = errors.New("consensus: no parseable samples")

	// ErrDegradedOracle means too many consecutive samples were unparseable.
	ErrDegradedOracle = errors.New("consensus: oracle degraded")
)

// NoVotesError reports a run that exhausted its budget with zero votes.
type NoVotesError struct {
	Attempts int
}

func (e *NoVotesError) Error() string {
	return fmt.Sprintf("%s after %d attempts", ErrNoVotes, e.Attempts)
}

func (e *NoVotesError) Is(target error) bool { return target == ErrNoVotes }

// OracleError wraps a failure returned by the oracle. The loop never retries it.
type OracleError struct {
	Attempt int
	Err     error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("consensus: oracle failed on attempt %d: %v", e.Attempt, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// DegradedError reports the attempt at which the consecutive parse failure limit was hit.
type DegradedError struct {
	Attempt             int
	ConsecutiveFailures int
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s: %d consecutive unparseable samples (attempt %d)",
		ErrDegradedOracle, e.ConsecutiveFailures, e.Attempt)
}

func (e *DegradedError) Is(target error) bool { return target == ErrDegradedOracle }
