package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"maker/pkg/config"
)

// samplingFlags override the consensus and oracle config sections.
type samplingFlags struct {
	margin      int
	maxAttempts int
	batch       int
	model       string
	provider    string
	metricsAddr string
}

func (f *samplingFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&f.margin, "margin", 0, "Votes the leader must be ahead by (default from config)")
	flags.IntVar(&f.maxAttempts, "max-attempts", 0, "Oracle calls allowed per question (default from config)")
	flags.IntVar(&f.batch, "batch", 0, "Samples drawn concurrently between stopping checks")
	flags.StringVar(&f.model, "model", "", "Model name; the provider is inferred unless --provider is set")
	flags.StringVar(&f.provider, "provider", "", "Provider: anthropic, openai, google, ollama or scripted")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
}

// apply copies changed flags into cfg and revalidates it.
func (f *samplingFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Oracle.Model = f.model
		cfg.Oracle.Provider = ""
	}
	if flags.Changed("provider") {
		cfg.Oracle.Provider = f.provider
	}
	if flags.Changed("margin") {
		cfg.Consensus.Margin = f.margin
	}
	if flags.Changed("max-attempts") {
		cfg.Consensus.MaxAttempts = f.maxAttempts
	}
	if flags.Changed("batch") {
		cfg.Consensus.BatchSize = f.batch
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}
