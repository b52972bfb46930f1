package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/events"
)

var eventsLocal bool

// eventsCmd represents the events command group
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Event commands",
}

var eventsPublishCmd = &cobra.Command{
	Use:   "publish <file|->",
	Short: "Publish events from a JSON file",
	Long: `Publish one event envelope, or a JSON array of them, read from a file
or stdin.

When nats.enabled is set the events are forwarded to NATS for the running
server to pick up. Otherwise, or with --local, they are processed in this
process against the configured database.

Examples:
  echo '{"kind":"failed_login","event":{"username":"admin","ip_address":"203.0.113.9"}}' \
    | blazeguard events publish -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		evs, err := events.DecodeBatch(data)
		if err != nil {
			return err
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			if a.NATS != nil && !eventsLocal {
				if err := a.NATS.Connect(ctx); err != nil {
					return err
				}
				for _, ev := range evs {
					if err := a.NATS.Forward(ctx, ev); err != nil {
						return err
					}
				}
				fmt.Fprintf(out, "Forwarded %d event(s) to NATS\n", len(evs))
				return nil
			}

			failures := 0
			for _, ev := range evs {
				failures += a.Bus.Publish(ctx, ev)
			}
			if isJSON() {
				return printJSON(out, map[string]int{"accepted": len(evs), "handler_failures": failures})
			}
			fmt.Fprintf(out, "Published %d event(s), %d handler failure(s)\n", len(evs), failures)
			return nil
		})
	},
}

func init() {
	eventsPublishCmd.Flags().BoolVar(&eventsLocal, "local", false, "process events in this process even when NATS is enabled")

	eventsCmd.AddCommand(eventsPublishCmd)
	rootCmd.AddCommand(eventsCmd)
}
