package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"maker/pkg/persistence"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var remove bool

	cmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recent pipeline runs, or show the stages of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Persistence.Path
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No run history at %s\n", path)
				return nil
			}

			db, err := persistence.InitializeDatabase(path)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer func() { _ = db.Close() }()
			ops := persistence.NewDatabaseOperations(db)

			switch {
			case remove && len(args) == 0:
				return errors.New("--delete needs a RUN_ID")
			case remove:
				return deleteRun(cmd.OutOrStdout(), ops, args[0])
			case len(args) == 1:
				return showRun(cmd.OutOrStdout(), ops, args[0])
			}
			return listRuns(cmd.OutOrStdout(), ops, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 for all)")
	cmd.Flags().BoolVar(&remove, "delete", false, "Delete RUN_ID and its stages")
	return cmd
}

func deleteRun(w io.Writer, ops *persistence.DatabaseOperations, id string) error {
	run, err := findRun(ops, id)
	if err != nil {
		return err
	}
	if err := ops.DeleteRun(run.ID); err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	fmt.Fprintf(w, "Deleted run %s (%s)\n", run.ID, run.Name)
	return nil
}

func listRuns(w io.Writer, ops *persistence.DatabaseOperations, limit int) error {
	runs, err := ops.ListRuns(limit)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tPIPELINE\tMODEL\tSTATUS\tANSWER\tCONVERGED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			shortID(run.ID), run.StartedAt.Local().Format(time.DateTime), run.Name, run.Model,
			run.Status, orDash(run.FinalAnswer), run.AllConverged, run.Duration().Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

func showRun(w io.Writer, ops *persistence.DatabaseOperations, id string) error {
	run, err := findRun(ops, id)
	if err != nil {
		return err
	}
	stages, err := ops.GetStageResults(run.ID)
	if err != nil {
		return err //nolint:wrapcheck // already wrapped
	}

	fmt.Fprintf(w, "Run %s (%s)\n", run.ID, run.Name)
	fmt.Fprintf(w, "Model: %s/%s  margin %d  max attempts %d\n", run.Provider, run.Model, run.Margin, run.MaxAttempts)
	fmt.Fprintf(w, "Status: %s  answer %s", run.Status, orDash(run.FinalAnswer))
	if run.Expected != "" {
		fmt.Fprintf(w, "  expected %s", run.Expected)
	}
	fmt.Fprintln(w)
	if run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", run.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nSTAGE\tANSWER\tSTATE\tATTEMPTS\tVOTES\tDISCARDED\tMARGIN\tTOKENS")
	for _, st := range stages {
		fmt.Fprintf(tw, "%d %s\t%s\t%s\t%d\t%d\t%d\t%d/%d\t%d\n",
			st.Index+1, st.Name, orDash(st.Answer), st.State, st.Attempts, st.Votes, st.Discarded,
			st.Lead, st.Margin, st.PromptTokens+st.CompletionTokens)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write stages: %w", err)
	}
	return nil
}

// findRun accepts a full run ID or the short prefix printed by listRuns.
func findRun(ops *persistence.DatabaseOperations, id string) (*persistence.PipelineRun, error) {
	run, err := ops.GetRun(id)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, persistence.ErrRunNotFound) {
		return nil, err //nolint:wrapcheck // already wrapped
	}

	runs, listErr := ops.ListRuns(0)
	if listErr != nil {
		return nil, listErr //nolint:wrapcheck // already wrapped
	}
	var match *persistence.PipelineRun
	for _, r := range runs {
		if len(id) >= 4 && strings.HasPrefix(r.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("run ID prefix %q is ambiguous", id)
			}
			match = r
		}
	}
	if match == nil {
		return nil, err
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
