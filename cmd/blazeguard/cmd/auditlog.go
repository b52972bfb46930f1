package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

var (
	auditType  string
	auditUser  string
	auditIP    string
	auditSince time.Duration
	auditLimit int
)

// auditCmd represents the audit command group
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log commands",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Long: `List audit log entries, newest first.

Examples:
  # Failed API logins in the last hour
  blazeguard audit list --type login_failed --since 1h

  # Everything one admin did
  blazeguard audit list --user alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := &models.AuditFilter{
			EventType: auditType,
			UserID:    auditUser,
			IPAddress: auditIP,
			Limit:     auditLimit,
		}
		if auditSince > 0 {
			filter.Since = time.Now().UTC().Add(-auditSince)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			entries, total, err := a.Audit.List(ctx, filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, map[string]any{"items": entries, "total": total})
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries found.")
				return nil
			}
			fmt.Fprintf(out, "\n%-19s  %-24s  %-12s  %-15s  %s\n", "TIME", "EVENT", "USER", "IP", "DATA")
			fmt.Fprintln(out, strings.Repeat("-", 100))
			for _, e := range entries {
				fmt.Fprintf(out, "%-19s  %-24s  %-12s  %-15s  %s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					truncate(e.EventType, 24),
					truncate(e.UserID, 12),
					e.IPAddress,
					truncate(formatData(e.EventData), 40),
				)
			}
			fmt.Fprintf(out, "\nShowing %d of %d entries\n", len(entries), total)
			return nil
		})
	},
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	auditListCmd.Flags().StringVar(&auditType, "type", "", "filter by event type")
	auditListCmd.Flags().StringVar(&auditUser, "user-id", "", "filter by user")
	auditListCmd.Flags().StringVar(&auditIP, "ip", "", "filter by IP address")
	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries within this duration")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum entries")

	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
