// Package cmd contains the CLI commands for blazeguard.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/logging"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

// defaultConfigPath can be overridden via the BLAZEGUARD_CONFIG env var.
var defaultConfigPath = "/etc/blazeguard/blazeguard.yaml"

func init() {
	if envPath := os.Getenv("BLAZEGUARD_CONFIG"); envPath != "" {
		defaultConfigPath = envPath
	}
}

var (
	configFile string
	verbose    bool
	output     string
	actor      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blazeguard",
	Short: "BlazeGuard - security telemetry for CMS hosts",
	Long: `BlazeGuard collects security findings from CMS hosts, deduplicates them
into issues, applies ignore rules and domain reputation, and notifies
administrators through Slack, Teams, Telegram, email or webhooks.

Examples:
  # Run the API, scheduler and watchers
  blazeguard serve -c /etc/blazeguard/blazeguard.yaml

  # Run every scan issuer once
  blazeguard scan

  # List new high severity issues
  blazeguard issues list --status new --severity high

  # Approve a redirect target
  blazeguard domains approve pay.example.com --reason "payment provider"`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&actor, "user", "", "name recorded as the acting admin (default: OS user)")
}

// loadConfig reads the config file. A missing default file yields the
// built-in defaults; an explicitly named file must exist.
func loadConfig() (*app.Config, error) {
	path := configFile
	if path == "" {
		path = defaultConfigPath
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := app.DefaultConfig()
			cfg.API.Enabled = false
			cfg.Verbose = verbose
			return cfg, nil
		}
	}
	PrintVerbose("Using config: %s", path)
	cfg, err := app.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.Verbose = verbose
	return cfg, nil
}

func newLogger(cfg *app.Config, quiet bool) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if quiet && !verbose {
		level = "warn"
	}
	if verbose {
		level = "debug"
	}
	return logging.NewWithOutput(level, cfg.Logging.Format, os.Stderr)
}

// openApp builds the application for a one-shot command. The API server is
// not started; commands work directly on the database.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, true)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// withApp runs fn against an opened app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// currentUser returns the --user flag or the OS login name.
func currentUser() string {
	if actor != "" {
		return actor
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

// audit appends a CLI audit entry. A failure is reported but not fatal.
func audit(ctx context.Context, a *app.App, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["source"] = "cli"
	if err := a.Audit.Record(ctx, eventType, currentUser(), "", data); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit entry not written: %v\n", err)
	}
}

func isJSON() bool {
	return output == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

// colorEnabled reports whether stdout is a terminal.
var colorEnabled = func() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// severityLabel pads and, on a terminal, colors a severity.
func severityLabel(s models.Severity) string {
	label := fmt.Sprintf("%-8s", s)
	if !colorEnabled() {
		return label
	}
	var code string
	switch s {
	case models.SeverityCritical:
		code = "1;31"
	case models.SeverityHigh:
		code = "31"
	case models.SeverityMedium:
		code = "33"
	default:
		code = "36"
	}
	return "\x1b[" + code + "m" + label + "\x1b[0m"
}

// PrintVerbose prints a message only if verbose mode is enabled.
func PrintVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
