package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/lifecycle"
	"github.com/good-yellow-bee/blazeguard/internal/models"
)

var (
	issueStatus    string
	issueSeverity  string
	issueIssuer    string
	issueSearch    string
	issueSince     time.Duration
	issueUnviewed  bool
	issueLimit     int
	issuePage      int
	issueReason    string
	issueNotes     string
	issueRuleType  string
	issueRuleTTL   time.Duration
	issueConfirmed bool
)

// issuesCmd represents the issues command group
var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Issue management commands",
	Long: `Commands for reviewing and triaging deduplicated issues.

These commands operate directly on the database and record audit entries
under the --user name.

Examples:
  # List unviewed issues from the last day
  blazeguard issues list --unviewed --since 24h

  # Ignore an issue and every future finding from its IP
  blazeguard issues ignore 42 --reason "pentest" --rule-type ip --rule-ttl 72h

  # Resolve an issue
  blazeguard issues resolve 42 --notes "plugin updated"`,
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := &models.IssueFilter{
			IssuerName: issueIssuer,
			Search:     issueSearch,
			Page:       issuePage,
			PerPage:    issueLimit,
		}
		if issueStatus != "" {
			st, err := models.ParseIssueStatus(issueStatus)
			if err != nil {
				return err
			}
			filter.Status = st
		}
		if issueSeverity != "" {
			sev, err := models.ParseSeverity(issueSeverity)
			if err != nil {
				return err
			}
			filter.Severity = sev
		}
		if issueUnviewed {
			f := false
			filter.Viewed = &f
		}
		if issueSince > 0 {
			filter.Since = time.Now().UTC().Add(-issueSince)
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			issues, total, err := a.Lifecycle.GetIssues(ctx, filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, map[string]any{"items": issues, "total": total})
			}
			if len(issues) == 0 {
				fmt.Fprintln(out, "No issues found.")
				return nil
			}
			printIssueTable(out, issues)
			fmt.Fprintf(out, "\nShowing %d of %d issue(s)\n", len(issues), total)
			return nil
		})
	},
}

func printIssueTable(out io.Writer, issues []*models.Issue) {
	fmt.Fprintf(out, "\n%-6s  %-8s  %-14s  %-14s  %-40s  %6s  %s\n",
		"ID", "SEVERITY", "STATUS", "ISSUER", "TITLE", "COUNT", "LAST SEEN")
	fmt.Fprintln(out, strings.Repeat("-", 112))
	for _, i := range issues {
		title := i.Title
		if !i.Viewed {
			title = "* " + title
		}
		fmt.Fprintf(out, "%-6d  %s  %-14s  %-14s  %-40s  %6d  %s\n",
			i.ID,
			severityLabel(i.Severity),
			i.Status,
			truncate(i.IssuerName, 14),
			truncate(title, 40),
			i.DetectionCount,
			i.LastDetected.Local().Format("2006-01-02 15:04"),
		)
	}
}

var issuesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			issue, err := a.Lifecycle.GetIssue(ctx, id)
			if err != nil {
				return err
			}
			return printIssue(cmd.OutOrStdout(), issue)
		})
	},
}

func printIssue(out io.Writer, i *models.Issue) error {
	if isJSON() {
		return printJSON(out, i)
	}
	fmt.Fprintf(out, "Issue #%d: %s\n", i.ID, i.Title)
	fmt.Fprintf(out, "  Severity:   %s\n", severityLabel(i.Severity))
	fmt.Fprintf(out, "  Status:     %s\n", i.Status)
	fmt.Fprintf(out, "  Issuer:     %s (%s)\n", i.IssuerName, i.IssueType)
	fmt.Fprintf(out, "  Detections: %d (first %s, last %s)\n", i.DetectionCount,
		i.FirstDetected.Local().Format(time.RFC3339), i.LastDetected.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "  Viewed:     %t", i.Viewed)
	if i.ViewedBy != "" {
		fmt.Fprintf(out, " by %s", i.ViewedBy)
	}
	fmt.Fprintln(out)
	if i.FilePath != "" {
		fmt.Fprintf(out, "  File:       %s\n", i.FilePath)
	}
	if i.IPAddress != "" {
		fmt.Fprintf(out, "  IP:         %s\n", i.IPAddress)
	}
	if i.IgnoreReason != "" {
		fmt.Fprintf(out, "  Ignored:    %s (%s)\n", i.IgnoreReason, i.IgnoredBy)
	}
	if i.ResolvedNotes != "" {
		fmt.Fprintf(out, "  Resolution: %s (%s)\n", i.ResolvedNotes, i.ResolvedBy)
	}
	if i.Description != "" {
		fmt.Fprintf(out, "\n%s\n", i.Description)
	}
	if i.Backtrace != "" && verbose {
		fmt.Fprintf(out, "\nBacktrace:\n%s\n", i.Backtrace)
	}
	return nil
}

// issueAction builds a command that applies one lifecycle transition.
func issueAction(use, short, auditType string, apply func(ctx context.Context, a *app.App, id int64, user string) (*models.Issue, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				issue, err := apply(ctx, a, id, currentUser())
				if err != nil {
					return err
				}
				audit(ctx, a, auditType, map[string]any{"issue_id": id, "status": string(issue.Status)})
				if isJSON() {
					return printJSON(cmd.OutOrStdout(), issue)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Issue #%d is now %s\n", issue.ID, issue.Status)
				return nil
			})
		},
	}
}

var (
	issuesViewCmd = issueAction("view", "Mark an issue viewed", models.AuditIssueViewed,
		func(ctx context.Context, a *app.App, id int64, user string) (*models.Issue, error) {
			return a.Lifecycle.MarkViewed(ctx, id, user)
		})
	issuesInvestigateCmd = issueAction("investigate", "Start investigating an issue", models.AuditIssueStatus,
		func(ctx context.Context, a *app.App, id int64, user string) (*models.Issue, error) {
			return a.Lifecycle.StartInvestigation(ctx, id, user)
		})
	issuesUnignoreCmd = issueAction("unignore", "Reopen an ignored issue", models.AuditIssueUnignored,
		func(ctx context.Context, a *app.App, id int64, user string) (*models.Issue, error) {
			return a.Lifecycle.UnignoreIssue(ctx, id, user)
		})
	issuesResolveCmd = issueAction("resolve", "Resolve an issue", models.AuditIssueResolved,
		func(ctx context.Context, a *app.App, id int64, user string) (*models.Issue, error) {
			return a.Lifecycle.ResolveIssue(ctx, id, user, issueNotes)
		})
	issuesFalsePositiveCmd = issueAction("false-positive", "Mark an issue as a false positive", models.AuditIssueStatus,
		func(ctx context.Context, a *app.App, id int64, user string) (*models.Issue, error) {
			return a.Lifecycle.MarkFalsePositive(ctx, id, user, issueNotes)
		})
)

var issuesIgnoreCmd = &cobra.Command{
	Use:   "ignore <id>",
	Short: "Ignore an issue, optionally creating an ignore rule from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		spec, err := ruleSpec()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Lifecycle.IgnoreIssue(ctx, id, currentUser(), issueReason, spec)
			if res != nil && res.Issue != nil {
				data := map[string]any{"issue_id": id, "reason": issueReason}
				if res.Rule != nil {
					data["rule_id"] = res.Rule.ID
				}
				audit(ctx, a, models.AuditIssueIgnored, data)
			}
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Issue #%d ignored\n", id)
			if res.Rule != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s rule #%d: %s\n", res.Rule.RuleType, res.Rule.ID, res.Rule.RuleValue)
			}
			return nil
		})
	},
}

var issuesRuleCmd = &cobra.Command{
	Use:   "rule <id>",
	Short: "Create an ignore rule from an issue without changing its status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if issueRuleType == "" {
			issueRuleType = string(models.RuleTypeHash)
		}
		spec, err := ruleSpec()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rule, err := a.Lifecycle.CreateIgnoreRuleFromIssue(ctx, id, spec.Type, currentUser(), issueReason, spec.ExpiresAt)
			if err != nil {
				return err
			}
			audit(ctx, a, models.AuditRuleCreated, map[string]any{"rule_id": rule.ID, "issue_id": id, "rule_type": string(rule.RuleType)})
			return printRule(cmd.OutOrStdout(), rule)
		})
	},
}

var issuesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an issue and its notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if !issueConfirmed {
			return fmt.Errorf("deleting issue #%d removes its history; pass --yes to confirm", id)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Lifecycle.DeleteIssue(ctx, id); err != nil {
				return err
			}
			audit(ctx, a, models.AuditIssueDeleted, map[string]any{"issue_id": id})
			fmt.Fprintf(cmd.OutOrStdout(), "Issue #%d deleted\n", id)
			return nil
		})
	},
}

var issuesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show issue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Lifecycle.GetStats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, stats)
			}
			fmt.Fprintf(out, "Total: %d  Unviewed: %d  Last 24h: %d\n", stats.Total, stats.Unviewed, stats.Last24h)
			for _, st := range []models.IssueStatus{models.StatusNew, models.StatusInvestigating, models.StatusIgnored, models.StatusResolved, models.StatusFalsePositive} {
				fmt.Fprintf(out, "  %-15s %d\n", st, stats.ByStatus[st])
			}
			for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
				fmt.Fprintf(out, "  %s %d\n", severityLabel(sev), stats.BySeverity[sev])
			}
			return nil
		})
	},
}

func ruleSpec() (*lifecycle.RuleSpec, error) {
	if issueRuleType == "" {
		return nil, nil
	}
	rt, err := models.ParseRuleType(issueRuleType)
	if err != nil {
		return nil, err
	}
	spec := &lifecycle.RuleSpec{Type: rt}
	if issueRuleTTL > 0 {
		exp := time.Now().UTC().Add(issueRuleTTL)
		spec.ExpiresAt = &exp
	}
	return spec, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func init() {
	issuesListCmd.Flags().StringVar(&issueStatus, "status", "", "filter by status (new, investigating, ignored, resolved, false_positive)")
	issuesListCmd.Flags().StringVar(&issueSeverity, "severity", "", "filter by severity")
	issuesListCmd.Flags().StringVar(&issueIssuer, "issuer", "", "filter by issuer name")
	issuesListCmd.Flags().StringVarP(&issueSearch, "query", "q", "", "search title and description")
	issuesListCmd.Flags().DurationVar(&issueSince, "since", 0, "only issues detected within this duration")
	issuesListCmd.Flags().BoolVar(&issueUnviewed, "unviewed", false, "only unviewed issues")
	issuesListCmd.Flags().IntVar(&issueLimit, "limit", 50, "issues per page")
	issuesListCmd.Flags().IntVar(&issuePage, "page", 1, "page number")

	issuesIgnoreCmd.Flags().StringVar(&issueReason, "reason", "", "why the issue is ignored")
	for _, c := range []*cobra.Command{issuesIgnoreCmd, issuesRuleCmd} {
		c.Flags().StringVar(&issueRuleType, "rule-type", "", "create an ignore rule of this type (hash, file, ip, issuer, pattern, regex)")
		c.Flags().DurationVar(&issueRuleTTL, "rule-ttl", 0, "expire the created rule after this duration")
	}
	issuesRuleCmd.Flags().StringVar(&issueReason, "reason", "", "rule reason")
	for _, c := range []*cobra.Command{issuesResolveCmd, issuesFalsePositiveCmd} {
		c.Flags().StringVar(&issueNotes, "notes", "", "resolution notes")
	}
	issuesDeleteCmd.Flags().BoolVarP(&issueConfirmed, "yes", "y", false, "confirm deletion")

	issuesCmd.AddCommand(issuesListCmd, issuesShowCmd, issuesStatsCmd, issuesViewCmd, issuesInvestigateCmd,
		issuesIgnoreCmd, issuesUnignoreCmd, issuesResolveCmd, issuesFalsePositiveCmd, issuesRuleCmd, issuesDeleteCmd)
	rootCmd.AddCommand(issuesCmd)
}
