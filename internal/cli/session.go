package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/config"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Dashboard session helpers",
	}
	cmd.AddCommand(newSessionMintCmd())
	return cmd
}

func newSessionMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a session cookie value for testing and local tooling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, config.EnvSessionSecret, func(c *config.Config) string { return c.Auth.SessionSecret })
			if err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}

			now := time.Now()
			token, err := auth.MintSession(auth.SessionClaims{
				Subject:   subject,
				IssuedAt:  now.UnixMilli(),
				ExpiresAt: now.Add(ttl).UnixMilli(),
			}, []byte(secret))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "session secret (default: $"+config.EnvSessionSecret+" or --config)")
	cmd.Flags().String("subject", "cli", "session subject")
	cmd.Flags().Duration("ttl", 12*time.Hour, "session lifetime")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Service token helpers",
	}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an HS256 service token for non-browser clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFlag(cmd)
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("--config is required")
			}
			st := cfg.Auth.ServiceTokens
			if st.Provider != "hmac" {
				return fmt.Errorf("service tokens use provider %q, only hmac tokens can be issued locally", st.Provider)
			}
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.NewHMACTokenValidator(st.HMACSecret, st.Issuer).IssueToken(subject, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().String("subject", "cli", "token subject")
	issue.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}
