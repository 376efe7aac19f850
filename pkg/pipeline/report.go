package pipeline

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"maker/pkg/answer"
)

var errNoDefinition = errors.New("pipeline: nil definition")

// Report summarizes a pipeline run for display and persistence.
type Report struct {
	Name         string
	Stages       []StageResult
	Final        answer.Key
	AllConverged bool
	Expected     answer.Key
	Err          error
}

// NewReport builds a Report from the outcome of Pipeline.Run.
func NewReport(def *Definition, results []StageResult, runErr error) (Report, error) {
	if def == nil {
		return Report{}, errNoDefinition
	}
	expected, err := def.ExpectedKey()
	if err != nil {
		return Report{}, err
	}

	r := Report{
		Name:         def.Name,
		Stages:       results,
		AllConverged: runErr == nil,
		Expected:     expected,
		Err:          runErr,
	}
	for _, sr := range results {
		if !sr.Converged {
			r.AllConverged = false
		}
	}
	if runErr == nil && len(results) > 0 {
		r.Final = results[len(results)-1].Key
	}
	return r, nil
}

// Succeeded reports whether every stage produced an answer.
func (r Report) Succeeded() bool {
	return r.Err == nil && r.Final.Valid()
}

// HasExpected reports whether the definition declared an expected answer.
func (r Report) HasExpected() bool {
	return r.Expected.Valid()
}

// Matches reports whether the final answer equals the expected one.
func (r Report) Matches() bool {
	return r.HasExpected() && r.Succeeded() && r.Final == r.Expected
}

// Write prints per-stage diagnostics followed by the outcome.
func (r Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tANSWER\tSTATE\tATTEMPTS\tVOTES\tDISCARDED\tMARGIN")
	for _, sr := range r.Stages {
		res := sr.Result
		fmt.Fprintf(tw, "%d %s\t%s\t%s\t%d\t%d\t%d\t%d/%d\n",
			sr.Index+1, sr.Name, sr.Key, res.State, res.Attempts, res.Votes, res.Discarded, res.Margin(), sr.Margin)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if r.Err != nil {
		var stageErr *StageError
		if errors.As(r.Err, &stageErr) {
			_, err := fmt.Fprintf(w, "\nFAILED at stage %d (%s): %v\n", stageErr.Index+1, stageErr.Name, stageErr.Err)
			return err
		}
		_, err := fmt.Fprintf(w, "\nFAILED: %v\n", r.Err)
		return err
	}

	if _, err := fmt.Fprintf(w, "\nFinal answer: %s\n", r.Final); err != nil {
		return err
	}
	if !r.AllConverged {
		if _, err := fmt.Fprintln(w, "Warning: at least one stage returned a plurality answer without reaching its margin."); err != nil {
			return err
		}
	}
	if r.HasExpected() {
		verdict := "MISMATCH"
		if r.Matches() {
			verdict = "MATCH"
		}
		if _, err := fmt.Fprintf(w, "Expected: %s (%s)\n", r.Expected, verdict); err != nil {
			return err
		}
	}
	return nil
}
