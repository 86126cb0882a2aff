package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/estatehub/intake/internal/auth"
)

func newTokenCmd(configPath func() string) *cobra.Command {
	var (
		subject string
		scope   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			token, expiresAt, err := auth.GenerateServiceToken(auth.ServiceToken{Subject: subject, ScopeID: scope}, cfg.Auth.JWTSecret, cfg.Auth.TokenTTLDuration())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires %s\n", token, expiresAt.Format("2006-01-02T15:04:05Z"))
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "crm-backend", "Token subject.")
	cmd.Flags().StringVar(&scope, "scope", "", "Restrict the token to one scope (empty for all).")
	return cmd
}
