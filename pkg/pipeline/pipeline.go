// Package pipeline chains dependent consensus runs. Each stage's task may
// reference the previous stage's resolved answer through a placeholder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maker/pkg/answer"
	"maker/pkg/consensus"
	"maker/pkg/logx"
	"maker/pkg/oracle"
)

// DefaultPlaceholder is replaced with the previous stage's answer key.
const DefaultPlaceholder = "{{previous}}"

var (
	// ErrNoStages is returned for an empty stage list.
	ErrNoStages = errors.New("pipeline: no stages")

	// ErrUnboundPlaceholder is returned when the first stage references a previous answer.
	ErrUnboundPlaceholder = errors.New("pipeline: first stage references a previous answer")
)

// Runner runs one consensus vote. *consensus.Loop implements it.
type Runner interface {
	Run(ctx context.Context, task string, margin, maxAttempts int) (consensus.Result, error)
}

// Stage is one subtask. A zero Margin uses the pipeline default.
type Stage struct {
	Name   string `yaml:"name"`
	Task   string `yaml:"task"`
	Margin int    `yaml:"margin,omitempty"`
}

// StageResult is the outcome of one completed stage.
type StageResult struct {
	Index     int
	Name      string
	Task      string // task text after placeholder substitution
	Key       answer.Key
	Converged bool
	Margin    int // margin threshold the stage ran with
	Result    consensus.Result
}

// StageError reports the stage that stopped the pipeline.
type StageError struct {
	Index    int
	Name     string
	Attempts int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %d (%s) failed after %d attempts: %v", e.Index+1, e.Name, e.Attempts, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config holds pipeline-wide parameters.
type Config struct {
	Placeholder string
	Margin      int
	MaxAttempts int

	// OnStageComplete, if set, is called after every successful stage.
	OnStageComplete func(StageResult)
}

// Pipeline runs stages strictly in order.
type Pipeline struct {
	runner Runner
	cfg    Config
	logger *logx.Logger
}

// New creates a Pipeline. Zero config values take the consensus defaults.
func New(runner Runner, cfg Config) *Pipeline {
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}
	if cfg.Margin == 0 {
		cfg.Margin = consensus.DefaultMargin
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = consensus.DefaultMaxAttempts
	}
	return &Pipeline{
		runner: runner,
		cfg:    cfg,
		logger: logx.NewLogger("pipeline"),
	}
}

// Validate checks stages without running them.
func (p *Pipeline) Validate(stages []Stage) error {
	if len(stages) == 0 {
		return ErrNoStages
	}
	if strings.Contains(stages[0].Task, p.cfg.Placeholder) {
		return fmt.Errorf("%w: stage 1 (%s) contains %q", ErrUnboundPlaceholder, stageName(stages[0], 0), p.cfg.Placeholder)
	}
	for i, st := range stages {
		if strings.TrimSpace(st.Task) == "" {
			return fmt.Errorf("pipeline: stage %d (%s) has an empty task", i+1, stageName(st, i))
		}
		if st.Margin < 0 {
			return fmt.Errorf("pipeline: stage %d (%s) has negative margin %d", i+1, stageName(st, i), st.Margin)
		}
	}
	return nil
}

// Run executes stages in order, substituting each resolved key into the next
// task. On failure it returns the results of the stages that completed and a
// *StageError for the one that did not.
func (p *Pipeline) Run(ctx context.Context, stages []Stage) ([]StageResult, error) {
	if err := p.Validate(stages); err != nil {
		return nil, err
	}

	results := make([]StageResult, 0, len(stages))
	var previous answer.Key

	for i, st := range stages {
		name := stageName(st, i)
		task := st.Task
		if i > 0 {
			task = strings.ReplaceAll(task, p.cfg.Placeholder, string(previous))
		}
		margin := st.Margin
		if margin == 0 {
			margin = p.cfg.Margin
		}

		p.logger.Info("stage %d/%d (%s): margin %d, max attempts %d", i+1, len(stages), name, margin, p.cfg.MaxAttempts)
		logx.Debug(logx.WithComponent(ctx, "pipeline"), "pipeline", "stage %d task: %s", i+1, task)

		res, err := p.runner.Run(oracle.WithStage(ctx, name), task, margin, p.cfg.MaxAttempts)
		if err != nil {
			return results, &StageError{Index: i, Name: name, Attempts: res.Attempts, Err: err}
		}

		sr := StageResult{
			Index:     i,
			Name:      name,
			Task:      task,
			Key:       res.Key,
			Converged: res.Converged(),
			Margin:    margin,
			Result:    res,
		}
		results = append(results, sr)
		if !sr.Converged {
			p.logger.Warn("stage %d (%s) did not converge; continuing with plurality %s", i+1, name, res.Key)
		}
		if p.cfg.OnStageComplete != nil {
			p.cfg.OnStageComplete(sr)
		}
		previous = res.Key
	}

	p.logger.Info("pipeline finished: final answer %s", previous)
	return results, nil
}

func stageName(st Stage, i int) string {
	if st.Name != "" {
		return st.Name
	}
	return fmt.Sprintf("stage-%d", i+1)
}
