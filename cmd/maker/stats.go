package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"maker/pkg/metrics"
)

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var prometheusURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show consensus metrics aggregated by Prometheus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("prometheus-url") {
				prometheusURL = cfg.Metrics.PrometheusURL
			}
			if prometheusURL == "" {
				return fmt.Errorf("no Prometheus server configured: set metrics.prometheus_url or pass --prometheus-url")
			}

			q, err := metrics.NewQueryService(prometheusURL)
			if err != nil {
				return err //nolint:wrapcheck // already wrapped
			}
			stats, err := q.GetStageStats(cmd.Context())
			if err != nil {
				return err //nolint:wrapcheck // already wrapped
			}

			out := cmd.OutOrStdout()
			if len(stats) == 0 {
				fmt.Fprintln(out, "No consensus metrics recorded yet")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tRUNS\tCONVERGED\tEXHAUSTED\tFAILED\tSAMPLES\tUNPARSEABLE\tMEAN ATTEMPTS\tTOKENS")
			for _, s := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d (%.0f%%)\t%d\t%d\t%d\t%d\t%.1f\t%d\n",
					s.Stage, s.Runs, s.Converged, 100*s.ConvergenceRate(), s.Exhausted, s.Failed,
					s.Samples, s.Unparseable, s.MeanAttempts, s.PromptTokens+s.CompletionTokens)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("failed to write stats: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prometheusURL, "prometheus-url", "", "Prometheus server URL (default from config)")
	return cmd
}
