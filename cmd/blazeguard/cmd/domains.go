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
	domainList   string
	domainStatus string
	domainReason string
)

// domainsCmd represents the domains command group
var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "Redirect domain reputation commands",
	Long: `Commands for reviewing redirect targets.

Unknown redirect targets land on the pending list. Approving a domain adds it
to the whitelist and suppresses future findings for it. Rejected domains keep
raising findings until they are allowed again.

Examples:
  # Show domains waiting for review
  blazeguard domains list

  # Approve or reject a pending domain
  blazeguard domains approve pay.example.com --reason "payment provider"
  blazeguard domains reject evil.example --reason "phishing"

  # Add a domain to the whitelist directly
  blazeguard domains whitelist add cdn.example.com`,
}

var domainsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending, whitelisted or rejected domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := models.ParseDomainList(domainList)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			out := cmd.OutOrStdout()
			switch list {
			case models.ListWhitelist:
				items, err := a.Domains.ListWhitelist(ctx)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(out, map[string]any{"items": items, "total": len(items)})
				}
				fmt.Fprintf(out, "\n%-40s  %-6s  %-12s  %s\n", "DOMAIN", "USED", "ADDED BY", "REASON")
				fmt.Fprintln(out, strings.Repeat("-", 90))
				for _, d := range items {
					fmt.Fprintf(out, "%-40s  %-6d  %-12s  %s\n", truncate(d.Domain, 40), d.UsageCount, truncate(d.AddedBy, 12), d.Reason)
				}
				fmt.Fprintf(out, "\nTotal: %d domain(s)\n", len(items))
			case models.ListRejected:
				items, err := a.Domains.ListRejected(ctx)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(out, map[string]any{"items": items, "total": len(items)})
				}
				fmt.Fprintf(out, "\n%-40s  %-6s  %-12s  %s\n", "DOMAIN", "SEEN", "REJECTED BY", "REASON")
				fmt.Fprintln(out, strings.Repeat("-", 90))
				for _, d := range items {
					fmt.Fprintf(out, "%-40s  %-6d  %-12s  %s\n", truncate(d.Domain, 40), d.DetectionCount, truncate(d.RejectedBy, 12), d.RejectReason)
				}
				fmt.Fprintf(out, "\nTotal: %d domain(s)\n", len(items))
			default:
				status := models.DomainStatus(domainStatus)
				items, err := a.Domains.ListPending(ctx, status)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(out, map[string]any{"items": items, "total": len(items)})
				}
				fmt.Fprintf(out, "\n%-40s  %-9s  %-6s  %-16s  %s\n", "DOMAIN", "STATUS", "SEEN", "LAST SEEN", "LAST SOURCE")
				fmt.Fprintln(out, strings.Repeat("-", 100))
				for _, d := range items {
					source := ""
					if n := len(d.Contexts); n > 0 {
						source = d.Contexts[n-1].Source
					}
					fmt.Fprintf(out, "%-40s  %-9s  %-6d  %-16s  %s\n",
						truncate(d.Domain, 40), d.Status, d.DetectionCount, d.LastDetected.Local().Format("2006-01-02 15:04"), source)
				}
				fmt.Fprintf(out, "\nTotal: %d domain(s)\n", len(items))
			}
			return nil
		})
	},
}

var domainsShowCmd = &cobra.Command{
	Use:   "show <domain>",
	Short: "Show which list holds a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			st, err := a.Domains.DomainState(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, st)
			}
			list := string(st.List)
			if list == "" {
				list = "none"
			}
			fmt.Fprintf(out, "%s: %s\n", st.Domain, list)
			if st.Pending != nil {
				fmt.Fprintf(out, "  Detections: %d (%s)\n", st.Pending.DetectionCount, st.Pending.Status)
				for _, c := range st.Pending.Contexts {
					fmt.Fprintf(out, "  - %s %s %s\n", c.Timestamp.Local().Format("2006-01-02 15:04"), c.Source, c.RedirectURL)
				}
			}
			return nil
		})
	},
}

// domainAction builds a command that moves one domain between lists.
func domainAction(use, short, auditType, done string, apply func(ctx context.Context, a *app.App, domain string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <domain>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := apply(ctx, a, args[0]); err != nil {
					return err
				}
				audit(ctx, a, auditType, map[string]any{"domain": args[0], "reason": domainReason})
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], done)
				return nil
			})
		},
	}
}

var (
	domainsApproveCmd = domainAction("approve", "Approve a pending domain", models.AuditDomainApproved, "approved",
		func(ctx context.Context, a *app.App, d string) error {
			_, err := a.Domains.ApprovePendingDomain(ctx, d, domainReason, currentUser())
			return err
		})
	domainsRejectCmd = domainAction("reject", "Reject a pending domain", models.AuditDomainRejected, "rejected",
		func(ctx context.Context, a *app.App, d string) error {
			_, err := a.Domains.RejectPendingDomain(ctx, d, domainReason, currentUser())
			return err
		})
	domainsAllowCmd = domainAction("allow", "Remove a domain from the rejected list", models.AuditDomainAllowed, "allowed again",
		func(ctx context.Context, a *app.App, d string) error {
			return a.Domains.RemoveFromRejected(ctx, d)
		})
	domainsWhitelistAddCmd = domainAction("add", "Add a domain to the whitelist", models.AuditDomainApproved, "whitelisted",
		func(ctx context.Context, a *app.App, d string) error {
			_, err := a.Domains.AddToWhitelist(ctx, d, domainReason, currentUser())
			return err
		})
	domainsWhitelistRemoveCmd = domainAction("remove", "Remove a domain from the whitelist", models.AuditDomainRemoved, "removed from whitelist",
		func(ctx context.Context, a *app.App, d string) error {
			return a.Domains.RemoveFromWhitelist(ctx, d)
		})
)

var domainsWhitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage the domain whitelist directly",
}

func init() {
	domainsListCmd.Flags().StringVar(&domainList, "list", "pending", "list to show (pending, whitelist, rejected)")
	domainsListCmd.Flags().StringVar(&domainStatus, "status", string(models.DomainPending), "pending row status (pending, approved, rejected; empty for all)")

	for _, c := range []*cobra.Command{domainsApproveCmd, domainsRejectCmd, domainsWhitelistAddCmd} {
		c.Flags().StringVar(&domainReason, "reason", "", "reason recorded with the decision")
	}

	domainsWhitelistCmd.AddCommand(domainsWhitelistAddCmd, domainsWhitelistRemoveCmd)
	domainsCmd.AddCommand(domainsListCmd, domainsShowCmd, domainsApproveCmd, domainsRejectCmd, domainsAllowCmd, domainsWhitelistCmd)
	rootCmd.AddCommand(domainsCmd)
}
