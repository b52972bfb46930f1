package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/blazeguard/internal/api/auth"
	"github.com/good-yellow-bee/blazeguard/internal/app"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API access token",
	Long: `Mint a signed API token with the configured api.jwt_secret.

Host tokens are used by CMS hosts to push events. A TTL of 0 uses the
configured api.token_ttl.

Examples:
  # Admin token for the current user
  blazeguard token --role admin

  # Long-lived token for a shop host
  blazeguard token --subject shop-01 --role host --ttl 8760h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := auth.ParseRole(tokenRole)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secrets, err := app.OpenSecrets(cfg.Secrets)
		if err != nil {
			return err
		}
		if err := cfg.ResolveSecrets(context.Background(), secrets); err != nil {
			return err
		}
		if cfg.API.JWTSecret == "" {
			return fmt.Errorf("api.jwt_secret is not configured")
		}

		svc, err := auth.NewJWTService([]byte(cfg.API.JWTSecret), cfg.API.TokenTTL)
		if err != nil {
			return err
		}
		subject := tokenSubject
		if subject == "" {
			subject = currentUser()
		}
		token, err := svc.GenerateToken(subject, role, tokenTTL)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if isJSON() {
			ttl := tokenTTL
			if ttl == 0 {
				ttl = svc.TTL()
			}
			return printJSON(out, map[string]any{
				"token":      token,
				"subject":    subject,
				"role":       role,
				"expires_in": int64(ttl.Seconds()),
			})
		}
		fmt.Fprintln(out, token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject (default: --user)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleViewer), "token role (admin, host, viewer)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: api.token_ttl)")

	rootCmd.AddCommand(tokenCmd)
}
