package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maker/pkg/consensus"
	"maker/pkg/oracle"
)

// askStage labels metrics and usage for single questions.
const askStage = "ask"

func newAskCmd(opts *rootOptions) *cobra.Command {
	flags := &samplingFlags{}

	cmd := &cobra.Command{
		Use:   "ask TASK",
		Short: "Answer a single question by voting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			s, err := newSession(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			task := strings.Join(args, " ")
			ctx := oracle.WithStage(cmd.Context(), askStage)
			res, err := s.loop.Run(ctx, task, cfg.Consensus.Margin, cfg.Consensus.MaxAttempts)
			if err != nil {
				return fmt.Errorf("no answer after %d attempts: %w", res.Attempts, err)
			}
			return writeResult(cmd.OutOrStdout(), res)
		},
	}
	flags.register(cmd)
	return cmd
}

// writeResult prints the answer, how it was reached and the final standings.
func writeResult(w io.Writer, res consensus.Result) error {
	fmt.Fprintf(w, "Answer: %s\n", res.Key)
	fmt.Fprintf(w, "State: %s after %d attempts (%d votes, %d discarded, lead %d)\n",
		res.State, res.Attempts, res.Votes, res.Discarded, res.Margin())
	if !res.Converged() {
		fmt.Fprintln(w, "Warning: attempt budget spent before the margin was reached; this is the plurality answer.")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nANSWER\tVOTES")
	for _, e := range res.Standings {
		fmt.Fprintf(tw, "%s\t%d\n", e.Key, e.Count)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write standings: %w", err)
	}
	return nil
}
