package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/app"
	"github.com/good-yellow-bee/blazeguard/internal/models"
	"github.com/good-yellow-bee/blazeguard/internal/suppression"
)

var (
	ruleActiveOnly bool
	ruleType       string
	ruleValue      string
	ruleIssuer     string
	ruleIssueType  string
	ruleReason     string
	ruleTTL        time.Duration
)

// rulesCmd represents the rules command group
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Ignore rule management commands",
	Long: `Commands for managing ignore rules.

A finding matching an active rule is dropped before it becomes an issue.
Rule types: hash, pattern, issuer, file, ip, regex.

Examples:
  # Ignore a noisy scanner IP for a week
  blazeguard rules add --type ip --value 203.0.113.7 --ttl 168h --reason "uptime monitor"

  # Ignore everything under a vendor directory for one issuer
  blazeguard rules add --type file --value "vendor/*" --issuer malicious_upload

  # Import rules from YAML
  blazeguard rules import rules.yaml`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ignore rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rules, err := a.Rules.ListRules(ctx, ruleActiveOnly)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if isJSON() {
				return printJSON(out, map[string]any{"items": rules, "total": len(rules)})
			}
			if len(rules) == 0 {
				fmt.Fprintln(out, "No ignore rules found.")
				return nil
			}
			fmt.Fprintf(out, "\n%-5s  %-8s  %-36s  %-16s  %-6s  %5s  %s\n",
				"ID", "TYPE", "VALUE", "ISSUER", "ACTIVE", "USED", "EXPIRES")
			fmt.Fprintln(out, strings.Repeat("-", 100))
			for _, r := range rules {
				expires := "-"
				if r.ExpiresAt != nil {
					expires = r.ExpiresAt.Local().Format("2006-01-02 15:04")
				}
				issuer := r.IssuerName
				if issuer == "" {
					issuer = "*"
				}
				fmt.Fprintf(out, "%-5d  %-8s  %-36s  %-16s  %-6t  %5d  %s\n",
					r.ID, r.RuleType, truncate(r.RuleValue, 36), truncate(issuer, 16), r.IsActive, r.UsageCount, expires)
			}
			fmt.Fprintf(out, "\nTotal: %d rule(s)\n", len(rules))
			return nil
		})
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an ignore rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := models.ParseRuleType(ruleType)
		if err != nil {
			return err
		}
		rule := &models.IgnoreRule{
			RuleType:   rt,
			RuleValue:  ruleValue,
			IssuerName: ruleIssuer,
			IssueType:  ruleIssueType,
			Reason:     ruleReason,
			CreatedBy:  currentUser(),
		}
		if ruleTTL > 0 {
			exp := time.Now().UTC().Add(ruleTTL)
			rule.ExpiresAt = &exp
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			created, err := a.Rules.CreateRule(ctx, rule)
			if err != nil {
				return err
			}
			audit(ctx, a, models.AuditRuleCreated, map[string]any{"rule_id": created.ID, "rule_type": string(created.RuleType)})
			return printRule(cmd.OutOrStdout(), created)
		})
	},
}

var rulesHashCmd = &cobra.Command{
	Use:   "hash <issue-hash>",
	Short: "Ignore one issue fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rule, err := a.Rules.AddIgnoredHash(ctx, args[0], ruleIssuer, ruleReason, currentUser())
			if err != nil {
				return err
			}
			audit(ctx, a, models.AuditRuleCreated, map[string]any{"rule_id": rule.ID, "rule_type": string(rule.RuleType)})
			return printRule(cmd.OutOrStdout(), rule)
		})
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one ignore rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rule, err := a.Rules.GetRule(ctx, id)
			if err != nil {
				return err
			}
			return printRule(cmd.OutOrStdout(), rule)
		})
	},
}

var rulesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate an ignore rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Rules.DeactivateRule(ctx, id); err != nil {
				return err
			}
			audit(ctx, a, models.AuditRuleDeactivated, map[string]any{"rule_id": id})
			fmt.Fprintf(cmd.OutOrStdout(), "Rule #%d deactivated\n", id)
			return nil
		})
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an ignore rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Rules.DeleteRule(ctx, id); err != nil {
				return err
			}
			audit(ctx, a, models.AuditRuleDeleted, map[string]any{"rule_id": id})
			fmt.Fprintf(cmd.OutOrStdout(), "Rule #%d deleted\n", id)
			return nil
		})
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import ignore rules from a YAML file",
	Long: `Import ignore rules from a YAML file. Rules that already exist are skipped.

File format:
  rules:
    - type: ip
      value: 203.0.113.7
      reason: uptime monitor
    - type: regex
      value: "^Deprecated:"
      issuer: php_errors
      expires_at: 2027-01-01T00:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := suppression.LoadRulesFromFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Rules.Import(ctx, rules, currentUser())
			if err != nil {
				return err
			}
			audit(ctx, a, models.AuditRuleCreated, map[string]any{"import": args[0], "created": res.Created, "skipped": res.Skipped})
			if isJSON() {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s), skipped %d existing\n", res.Created, res.Skipped)
			return nil
		})
	},
}

func printRule(out io.Writer, r *models.IgnoreRule) error {
	if isJSON() {
		return printJSON(out, r)
	}
	fmt.Fprintf(out, "Rule #%d: %s %q\n", r.ID, r.RuleType, r.RuleValue)
	if r.IssuerName != "" || r.IssueType != "" {
		fmt.Fprintf(out, "  Scope:   issuer=%s type=%s\n", orAny(r.IssuerName), orAny(r.IssueType))
	}
	fmt.Fprintf(out, "  Active:  %t (used %d times)\n", r.IsActive, r.UsageCount)
	if r.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires: %s\n", r.ExpiresAt.Local().Format(time.RFC3339))
	}
	if r.Reason != "" {
		fmt.Fprintf(out, "  Reason:  %s\n", r.Reason)
	}
	return nil
}

func orAny(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

func init() {
	rulesListCmd.Flags().BoolVar(&ruleActiveOnly, "active", false, "only active rules")

	rulesAddCmd.Flags().StringVar(&ruleType, "type", "", "rule type (required)")
	rulesAddCmd.Flags().StringVar(&ruleValue, "value", "", "rule value (required)")
	rulesAddCmd.Flags().StringVar(&ruleIssueType, "issue-type", "", "limit the rule to one issue type")
	rulesAddCmd.Flags().DurationVar(&ruleTTL, "ttl", 0, "expire the rule after this duration")
	rulesAddCmd.MarkFlagRequired("type")
	rulesAddCmd.MarkFlagRequired("value")

	for _, c := range []*cobra.Command{rulesAddCmd, rulesHashCmd} {
		c.Flags().StringVar(&ruleIssuer, "issuer", "", "limit the rule to one issuer")
		c.Flags().StringVar(&ruleReason, "reason", "", "why the rule exists")
	}

	rulesCmd.AddCommand(rulesListCmd, rulesShowCmd, rulesAddCmd, rulesHashCmd, rulesDeactivateCmd, rulesDeleteCmd, rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}
