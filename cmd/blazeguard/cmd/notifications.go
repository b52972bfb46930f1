package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

var (
	notifStatus  string
	notifChannel string
	notifIssue   int64
	notifLimit   int
)

// notificationsCmd represents the notifications command group
var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "Notification queue commands",
	Long: `Commands for inspecting the notification queue.

Examples:
  # Show failed deliveries
  blazeguard notifications list --status failed

  # Put a failed notification back in the queue
  blazeguard notifications requeue 17

  # Queue counts and channel send windows
  blazeguard notifications stats`,
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := &models.NotificationFilter{
			Status:      models.NotificationStatus(notifStatus),
			ChannelName: notifChannel,
			IssueID:     notifIssue,
			Limit:       notifLimit,
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			items, total, err := a.Queue.List(ctx, filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, map[string]any{"items": items, "total": total})
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "No notifications found.")
				return nil
			}
			fmt.Fprintf(out, "\n%-6s  %-10s  %-6s  %-8s  %-7s  %-16s  %s\n",
				"ID", "CHANNEL", "ISSUE", "STATUS", "RETRIES", "CREATED", "ERROR")
			fmt.Fprintln(out, strings.Repeat("-", 100))
			for _, n := range items {
				fmt.Fprintf(out, "%-6d  %-10s  %-6d  %-8s  %d/%-5d  %-16s  %s\n",
					n.ID, truncate(n.ChannelName, 10), n.IssueID, n.Status, n.RetryCount, n.MaxRetries,
					n.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(n.ErrorMessage, 40))
			}
			fmt.Fprintf(out, "\nShowing %d of %d notification(s)\n", len(items), total)
			return nil
		})
	},
}

var notificationsRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Reset a failed notification to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Queue.Requeue(ctx, id)
			if err != nil {
				return err
			}
			audit(ctx, a, models.AuditNotificationRequeued, map[string]any{"notification_id": id, "channel": n.ChannelName})
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notification #%d requeued on %s\n", n.ID, n.ChannelName)
			return nil
		})
	},
}

var notificationsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			windows := a.Channels.RateLimitStats()
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, map[string]any{"queue": stats, "channels": windows})
			}
			fmt.Fprintln(out, "Queue:")
			for _, st := range []models.NotificationStatus{models.NotificationPending, models.NotificationRetry, models.NotificationSent, models.NotificationFailed} {
				fmt.Fprintf(out, "  %-8s %d\n", st, stats[st])
			}
			names := a.Channels.Names()
			if len(names) == 0 {
				fmt.Fprintln(out, "\nNo channels configured.")
				return nil
			}
			fmt.Fprintln(out, "\nChannels:")
			for _, name := range names {
				w := windows[name]
				if !w.Enabled {
					fmt.Fprintf(out, "  %-10s unlimited\n", name)
					continue
				}
				fmt.Fprintf(out, "  %-10s %d/%d per %s, dropped %d\n", name, w.CurrentCount, w.MaxPerWindow, w.Window, w.Dropped)
			}
			return nil
		})
	},
}

func init() {
	notificationsListCmd.Flags().StringVar(&notifStatus, "status", "", "filter by status (pending, retry, sent, failed)")
	notificationsListCmd.Flags().StringVar(&notifChannel, "channel", "", "filter by channel name")
	notificationsListCmd.Flags().Int64Var(&notifIssue, "issue", 0, "filter by issue id")
	notificationsListCmd.Flags().IntVar(&notifLimit, "limit", 50, "maximum rows")

	notificationsCmd.AddCommand(notificationsListCmd, notificationsRequeueCmd, notificationsStatsCmd)
	rootCmd.AddCommand(notificationsCmd)
}
