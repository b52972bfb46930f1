package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/security"
)

var secretValue string

// secretsCmd represents the secrets command group
var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secret file",
	Long: `Manage the encrypted secret file named by secrets.file.

Config values written as secret:<name> are looked up in this file first and
then in the environment (BLAZEGUARD_SECRET_<NAME>). The file passphrase is
read from BLAZEGUARD_SECRETS_KEY, or prompted for when unset.

Examples:
  # Store the Slack webhook URL
  blazeguard secrets set slack_webhook

  # List stored secret names
  blazeguard secrets list`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecretFile()
		if err != nil {
			return err
		}
		value := secretValue
		if value == "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "Value for %s: ", args[0])
			if value, err = promptPassword(); err != nil {
				return err
			}
		}
		if value == "" {
			return fmt.Errorf("secret value is empty")
		}
		store.Set(args[0], value)
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Secret %s saved\n", args[0])
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecretFile()
		if err != nil {
			return err
		}
		names := store.Names()
		if isJSON() {
			return printJSON(cmd.OutOrStdout(), names)
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSecretFile()
		if err != nil {
			return err
		}
		if !store.Delete(args[0]) {
			return fmt.Errorf("secret %s not found", args[0])
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Secret %s deleted\n", args[0])
		return nil
	},
}

func openSecretFile() (*security.FileSecretStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Secrets.File == "" {
		return nil, fmt.Errorf("secrets.file is not configured")
	}
	key := os.Getenv(app.SecretsKeyEnv)
	if key == "" {
		fmt.Fprint(os.Stderr, "Secret file passphrase: ")
		if key, err = promptPassword(); err != nil {
			return nil, err
		}
	}
	return security.OpenFileSecretStore(cfg.Secrets.File, []byte(key))
}

// promptPassword reads a line without echo when stdin is a terminal.
func promptPassword() (string, error) {
	fd := syscall.Stdin
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	// Piped input
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	secretsSetCmd.Flags().StringVar(&secretValue, "value", "", "secret value (prompted for when empty)")

	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsDeleteCmd)
	rootCmd.AddCommand(secretsCmd)
}
