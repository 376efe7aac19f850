package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"maker/pkg/config"
)

// readHidden prompts on stderr and reads a line without echo.
//
//nolint:gochecknoglobals // replaced in tests
var readHidden = func(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // New line after hidden input
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(value), nil
}

func newSecretsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage API keys in the encrypted secrets file",
		Long: fmt.Sprintf(`API keys are stored encrypted in .maker/secrets.json.enc and take precedence
over environment variables. The password is read from %s or prompted for.`, EnvPassword),
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set NAME",
			Short: "Store a secret, e.g. ANTHROPIC_API_KEY",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				secrets, password, err := openSecrets(opts.projectDir)
				if err != nil {
					return err
				}
				value, err := readHidden(fmt.Sprintf("Value for %s: ", args[0]))
				if err != nil {
					return err
				}
				if value == "" {
					return fmt.Errorf("empty value for %s", args[0])
				}
				secrets[args[0]] = value
				if err := config.EncryptSecretsFile(opts.projectDir, password, secrets); err != nil {
					return fmt.Errorf("failed to save secrets: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s to %s\n", args[0], config.SecretsPath(opts.projectDir))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Remove a stored secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if !config.SecretsFileExists(opts.projectDir) {
					return fmt.Errorf("no secrets file at %s", config.SecretsPath(opts.projectDir))
				}
				secrets, password, err := openSecrets(opts.projectDir)
				if err != nil {
					return err
				}
				if _, ok := secrets[args[0]]; !ok {
					return fmt.Errorf("secret %s is not stored", args[0])
				}
				delete(secrets, args[0])
				if err := config.EncryptSecretsFile(opts.projectDir, password, secrets); err != nil {
					return fmt.Errorf("failed to save secrets: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if !config.SecretsFileExists(opts.projectDir) {
					fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored")
					return nil
				}
				secrets, _, err := openSecrets(opts.projectDir)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(secrets))
				for name := range secrets {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
	)
	return cmd
}

// openSecrets decrypts the existing secrets file, or starts an empty one
// after confirming a new password.
func openSecrets(projectDir string) (map[string]string, string, error) {
	password := os.Getenv(EnvPassword)
	exists := config.SecretsFileExists(projectDir)

	if password == "" {
		var err error
		password, err = readHidden("Secrets password: ")
		if err != nil {
			return nil, "", err
		}
		if !exists {
			confirm, err := readHidden("Confirm password: ")
			if err != nil {
				return nil, "", err
			}
			if confirm != password {
				return nil, "", fmt.Errorf("passwords do not match")
			}
		}
	}
	if password == "" {
		return nil, "", fmt.Errorf("empty password")
	}

	if !exists {
		return map[string]string{}, password, nil
	}
	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return nil, "", err //nolint:wrapcheck // decrypt errors are descriptive
	}
	return secrets, password, nil
}
