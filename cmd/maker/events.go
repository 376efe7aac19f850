package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"maker/pkg/eventlog"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var stage string
	var runsOnly bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the consensus event log",
		Long: `events reads the JSONL trace written when logging.event_dir is set and
prints every sample and run, oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Logging.EventDir
			if dir == "" {
				return errors.New("no event log configured; set logging.event_dir or MAKER_LOGGING_EVENT_DIR")
			}

			files, err := eventlog.ListLogFiles(dir)
			if err != nil {
				return err //nolint:wrapcheck // already wrapped
			}
			var events []eventlog.Event
			for _, f := range files {
				evs, err := eventlog.ReadEvents(f)
				if err != nil {
					return err //nolint:wrapcheck // names the file and line
				}
				for _, ev := range evs {
					if (stage == "" || ev.Stage == stage) && (!runsOnly || ev.Kind == eventlog.KindRun) {
						events = append(events, ev)
					}
				}
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Only show events for this stage")
	cmd.Flags().BoolVar(&runsOnly, "runs", false, "Only show run summaries")
	return cmd
}

func printEvents(w io.Writer, events []eventlog.Event) error {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSTAGE\tDETAIL")
	for _, ev := range events {
		detail := ev.Outcome
		if ev.Kind == eventlog.KindRun {
			detail = fmt.Sprintf("%s %s after %d attempts (%d votes, lead %d)",
				ev.Result, orDash(ev.Answer), ev.Attempts, ev.Votes, ev.Lead)
			if ev.Error != "" {
				detail += ": " + ev.Error
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ev.Time.Local().Format(time.TimeOnly), ev.Kind, orDash(ev.Stage), detail)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return nil
}
