package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maker/pkg/config"
	"maker/pkg/persistence"
	"maker/pkg/pipeline"
)

// errRunFailed is returned when a stage failed; the report was already printed.
var errRunFailed = errors.New("pipeline run failed")

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &samplingFlags{}

	cmd := &cobra.Command{
		Use:   "run PIPELINE.yaml",
		Short: "Run a multi-stage pipeline, voting on every stage",
		Long: `Run each stage of a pipeline definition in order. Every stage is answered by
repeated sampling until one answer leads by the margin, and that answer is
substituted for {{previous}} in the next stage.

--margin and --max-attempts replace the pipeline's defaults; stages that set
their own margin keep it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts, flags, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

func runPipeline(cmd *cobra.Command, opts *rootOptions, flags *samplingFlags, path string) error {
	def, err := pipeline.LoadDefinition(path)
	if err != nil {
		return err //nolint:wrapcheck // already names the file
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return err
	}

	pc := def.Config()
	switch {
	case cmd.Flags().Changed("margin"):
		pc.Margin = cfg.Consensus.Margin
	case pc.Margin == 0:
		pc.Margin = cfg.Consensus.Margin
	}
	switch {
	case cmd.Flags().Changed("max-attempts"):
		pc.MaxAttempts = cfg.Consensus.MaxAttempts
	case pc.MaxAttempts == 0:
		pc.MaxAttempts = cfg.Consensus.MaxAttempts
	}

	ctx := cmd.Context()
	s, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	rec := newRunRecorder(s, def, cfg, pc)
	pc.OnStageComplete = rec.stageCompleted

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running %s: %d stage(s), margin %d, max attempts %d\n\n", def.Name, len(def.Stages), pc.Margin, pc.MaxAttempts)

	results, runErr := pipeline.New(s.loop, pc).Run(ctx, def.Stages)
	report, err := pipeline.NewReport(def, results, runErr)
	if err != nil {
		return err //nolint:wrapcheck // definition was validated on load
	}
	rec.finish(report)

	if err := report.Write(out); err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	writeUsage(out, s, def.Stages)
	if rec.runID != "" {
		fmt.Fprintf(out, "Run ID: %s\n", rec.runID)
	}

	if runErr != nil {
		return fmt.Errorf("%w: %w", errRunFailed, runErr)
	}
	return nil
}

// runRecorder writes a run and its stages to the history database.
// It is a no-op when persistence is disabled or the run could not be created.
type runRecorder struct {
	s     *session
	run   *persistence.PipelineRun
	runID string
}

func newRunRecorder(s *session, def *pipeline.Definition, cfg *config.Config, pc pipeline.Config) *runRecorder {
	rec := &runRecorder{s: s}
	if s.history == nil {
		return rec
	}

	provider, _ := cfg.ResolveProvider()
	expected, _ := def.ExpectedKey()
	run := &persistence.PipelineRun{
		Name:        def.Name,
		Model:       cfg.Oracle.Model,
		Provider:    provider,
		Margin:      pc.Margin,
		MaxAttempts: pc.MaxAttempts,
		Expected:    string(expected),
	}
	if err := s.history.CreateRun(run); err != nil {
		s.logger.Warn("run history disabled for this run: %v", err)
		return rec
	}
	rec.run = run
	rec.runID = run.ID
	return rec
}

func (r *runRecorder) stageCompleted(sr pipeline.StageResult) {
	if r.run == nil {
		return
	}
	record, err := persistence.NewStageRecord(r.runID, &sr, r.s.factory.StageUsage(sr.Name))
	if err == nil {
		err = r.s.history.AddStageResult(record)
	}
	if err != nil {
		r.s.logger.Warn("failed to save stage %d: %v", sr.Index+1, err)
	}
}

func (r *runRecorder) finish(report pipeline.Report) {
	if r.run == nil {
		return
	}

	r.run.Status = persistence.StatusSucceeded
	r.run.FinalAnswer = string(report.Final)
	r.run.AllConverged = report.AllConverged
	if report.Err != nil {
		r.run.Status = persistence.StatusFailed
		r.run.Error = report.Err.Error()

		var stageErr *pipeline.StageError
		if errors.As(report.Err, &stageErr) {
			failed := &persistence.StageRecord{
				RunID:    r.runID,
				Index:    stageErr.Index,
				Name:     stageErr.Name,
				State:    "FAILED",
				Attempts: stageErr.Attempts,
				Error:    stageErr.Err.Error(),
			}
			if err := r.s.history.AddStageResult(failed); err != nil {
				r.s.logger.Warn("failed to save failed stage: %v", err)
			}
		}
	}
	if err := r.s.history.CompleteRun(r.run); err != nil {
		r.s.logger.Warn("failed to save run: %v", err)
	}
}

// writeUsage prints token usage per stage when any requests were made.
func writeUsage(w io.Writer, s *session, stages []pipeline.Stage) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := false
	for i, st := range stages {
		name := st.Name
		if name == "" {
			name = fmt.Sprintf("stage-%d", i+1)
		}
		usage := s.factory.StageUsage(name)
		if usage == nil {
			continue
		}
		if !header {
			fmt.Fprintln(w, "\nToken usage (estimated):")
			fmt.Fprintln(tw, "STAGE\tREQUESTS\tTOKENS\tCOST (USD)")
			header = true
		}
		cost := config.CalculateCost(s.cfg.Oracle.Model, int(usage.PromptTokens), int(usage.CompletionTokens))
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.4f\n", name, usage.RequestCount, usage.TotalTokens, cost)
	}
	_ = tw.Flush()
}
