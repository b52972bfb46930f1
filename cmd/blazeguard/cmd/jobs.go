package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/app"
)

var scanIssuer string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run scan issuers once",
	Long: `Run every enabled scan issuer once and submit the findings.

Examples:
  blazeguard scan
  blazeguard scan --issuer php_log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			if scanIssuer != "" {
				rep, err := a.Dispatcher.RunIssuer(ctx, scanIssuer)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(out, rep)
				}
				fmt.Fprintf(out, "%s: %d findings, %d recorded (%d new), %d suppressed, %d throttled\n",
					rep.Name, rep.Findings, rep.Recorded, rep.Created, rep.Suppressed, rep.Throttled)
				if rep.Error != "" {
					return fmt.Errorf("%s: %s", rep.Name, rep.Error)
				}
				return nil
			}

			report, err := a.Dispatcher.RunScan(ctx)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(out, report)
			}
			fmt.Fprintf(out, "\n%-14s  %8s  %8s  %6s  %10s  %9s  %s\n",
				"ISSUER", "FINDINGS", "RECORDED", "NEW", "SUPPRESSED", "THROTTLED", "DURATION")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			for _, r := range report.Issuers {
				fmt.Fprintf(out, "%-14s  %8d  %8d  %6d  %10d  %9d  %s\n",
					r.Name, r.Findings, r.Recorded, r.Created, r.Suppressed, r.Throttled,
					r.Duration.Round(time.Millisecond))
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("issuers failed: %s", strings.Join(failed, ", "))
			}
			return nil
		})
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver due notifications once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Queue.ProcessPending(ctx)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d, retrying %d, failed %d, deferred %d\n",
				stats.Sent, stats.Retrying, stats.Failed, stats.Deferred)
			return nil
		})
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Prune old rate buckets, rules, audit entries and notifications once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Retention.Run(ctx)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			for name, n := range res.Tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%-22s %d\n", name, n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total: %d row(s) in %s\n", res.TotalRows, res.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanIssuer, "issuer", "", "run only this issuer")
	rootCmd.AddCommand(scanCmd, deliverCmd, retentionCmd)
}
