package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/metrics"
	"github.com/good-yellow-bee/blazeguard/pkg/config"
)

var (
	serveAddress string
	serveMetrics string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, scheduler, watchers and event bridge",
	Long: `Run blazeguard as a long-lived service.

Starts the HTTP API, the Prometheus endpoint (when enabled), the cron
scheduler for scans, delivery and retention, the upload directory
watcher and the NATS bridge (when enabled). Stops on SIGINT or SIGTERM.

Example:
  blazeguard serve -c /etc/blazeguard/blazeguard.yaml --address :8443`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddress, "address", "a", "", "API listen address (overrides api.address)")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics-address", "", "metrics listen address (overrides metrics.address and enables it)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddress != "" {
		cfg.API.Address = serveAddress
	}
	if serveMetrics != "" {
		cfg.Metrics.Address = serveMetrics
		cfg.Metrics.Enabled = true
	}

	logger, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics.SetBuildInfo(config.Version, config.Commit, config.BuildTime)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting blazeguard", zap.String("version", config.Version))
	if err := a.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("blazeguard stopped")
	return nil
}
