package consensus

import (
	"time"

	"maker/pkg/answer"
	"maker/pkg/tally"
)

// State is the loop's lifecycle state.
type State int

const (
	Sampling State = iota
	Converged
	Exhausted
)

func (s State) String() string {
	switch s {
	case Sampling:
		return "SAMPLING"
	case Converged:
		return "CONVERGED"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Sample is one oracle invocation's outcome. Samples live only for the
// duration of a run.
type Sample struct {
	Attempt int
	Raw     string
	Key     answer.Key
}

// Result describes a finished run. On error the counters reflect the work
// done before the failure.
type Result struct {
	Key       answer.Key
	Attempts  int
	Votes     int
	Discarded int
	State     State
	Standings tally.Standings
	Duration  time.Duration
}

// Converged reports whether the margin rule fired.
func (r Result) Converged() bool {
	return r.State == Converged
}

// Margin is the leader's lead over the runner-up in the final standings.
func (r Result) Margin() int {
	return r.Standings.Margin()
}
