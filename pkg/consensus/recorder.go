package consensus

// Outcome classifies a single sample.
type Outcome string

const (
	OutcomeVote        Outcome = "vote"
	OutcomeUnparseable Outcome = "unparseable"
	OutcomeOracleError Outcome = "oracle_error"
)

// Recorder receives per-sample and per-run observations. Implementations must
// be safe for concurrent use.
type Recorder interface {
	ObserveSample(stage string, outcome Outcome)
	ObserveRun(stage string, res Result, err error)
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) ObserveSample(string, Outcome)   {}
func (NopRecorder) ObserveRun(string, Result, error) {}

// Tee fans observations out to every non-nil recorder.
func Tee(recorders ...Recorder) Recorder {
	out := make(tee, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type tee []Recorder

func (t tee) ObserveSample(stage string, outcome Outcome) {
	for _, r := range t {
		r.ObserveSample(stage, outcome)
	}
}

func (t tee) ObserveRun(stage string, res Result, err error) {
	for _, r := range t {
		r.ObserveRun(stage, res, err)
	}
}
