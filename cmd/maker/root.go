package main

import (
	"os"

	"github.com/spf13/cobra"

	"maker/pkg/config"
	"maker/pkg/logx"
)

// EnvPassword unlocks the encrypted secrets file without a prompt.
const EnvPassword = "MAKER_PASSWORD"

type rootOptions struct {
	configPath string
	projectDir string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "maker",
		Short: "Reliable answers from unreliable models by voting",
		Long: `maker samples a language model repeatedly and accepts an answer once it
leads every alternative by a margin of votes. Multi-step problems are split
into a pipeline of stages, each resolved by its own vote.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigFile, "Configuration file")
	cmd.PersistentFlags().StringVar(&opts.projectDir, "project-dir", ".", "Directory holding .maker/ (secrets)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newAskCmd(opts),
		newHistoryCmd(opts),
		newEventsCmd(opts),
		newStatsCmd(opts),
		newSecretsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the configuration, applies logging settings and unlocks
// stored API keys when MAKER_PASSWORD is set.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err //nolint:wrapcheck // config errors already name the file
	}
	if o.debug {
		cfg.Logging.Debug = true
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err //nolint:wrapcheck // already wrapped
	}
	if err := o.unlockSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *rootOptions) unlockSecrets() error {
	if !config.SecretsFileExists(o.projectDir) {
		return nil
	}
	password := os.Getenv(EnvPassword)
	if password == "" {
		logx.Warnf("encrypted secrets found at %s; set %s to use them", config.SecretsPath(o.projectDir), EnvPassword)
		return nil
	}
	secrets, err := config.DecryptSecretsFile(o.projectDir, password)
	if err != nil {
		return err //nolint:wrapcheck // decrypt errors are descriptive
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}
