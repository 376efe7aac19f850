package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maker/pkg/agent/middleware/metrics"
	"maker/pkg/pipeline"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("pipeline run not found")

// PipelineRun represents one execution of a pipeline definition.
type PipelineRun struct {
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	FinalAnswer  string     `json:"final_answer"`
	Expected     string     `json:"expected,omitempty"`
	Error        string     `json:"error,omitempty"`
	Margin       int        `json:"margin"`
	MaxAttempts  int        `json:"max_attempts"`
	AllConverged bool       `json:"all_converged"`
}

// Duration returns how long the run took, or zero while it is still running.
func (r *PipelineRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// StageRecord is the stored outcome of one pipeline stage.
type StageRecord struct {
	RunID            string `json:"run_id"`
	Name             string `json:"name"`
	Task             string `json:"task"`
	Answer           string `json:"answer"`
	State            string `json:"state"`
	Standings        string `json:"standings"` // JSON array of {key, count, seq}
	Error            string `json:"error,omitempty"`
	Index            int    `json:"index"`
	Margin           int    `json:"margin"`
	Lead             int    `json:"lead"`
	Attempts         int    `json:"attempts"`
	Votes            int    `json:"votes"`
	Discarded        int    `json:"discarded"`
	DurationMS       int64  `json:"duration_ms"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Converged reports whether the stage met its margin.
func (s *StageRecord) Converged() bool {
	return s.State == "CONVERGED"
}

type standingJSON struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
	Seq   int    `json:"seq"`
}

// NewStageRecord converts a pipeline stage result. usage may be nil.
func NewStageRecord(runID string, sr *pipeline.StageResult, usage *metrics.StageUsage) (*StageRecord, error) {
	standings := make([]standingJSON, 0, len(sr.Result.Standings))
	for _, e := range sr.Result.Standings {
		standings = append(standings, standingJSON{Key: string(e.Key), Count: e.Count, Seq: e.Seq})
	}
	encoded, err := json.Marshal(standings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode standings: %w", err)
	}

	rec := &StageRecord{
		RunID:      runID,
		Index:      sr.Index,
		Name:       sr.Name,
		Task:       sr.Task,
		Answer:     string(sr.Key),
		State:      sr.Result.State.String(),
		Margin:     sr.Margin,
		Lead:       sr.Result.Margin(),
		Attempts:   sr.Result.Attempts,
		Votes:      sr.Result.Votes,
		Discarded:  sr.Result.Discarded,
		DurationMS: sr.Result.Duration.Milliseconds(),
		Standings:  string(encoded),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
	}
	return rec, nil
}

// GenerateRunID generates a new UUID for a pipeline run.
func GenerateRunID() string {
	return uuid.New().String()
}
