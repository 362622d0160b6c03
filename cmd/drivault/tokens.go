package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"drivault/internal/config"
	"drivault/internal/secrets"
	"drivault/internal/store"
)

func newTokensCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(
		newTokensSetCmd(cfg, jsonOutput),
		newTokensCheckCmd(cfg, jsonOutput),
		newTokensDeleteCmd(cfg, jsonOutput),
		newTokensListCmd(cfg, jsonOutput),
	)
	return cmd
}

func newTokensSetCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
		accessToken  string
		refreshToken string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store OAuth tokens for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				account, err := findAccount(cmd.Context(), st, providerName, accountEmail)
				if err != nil {
					return err
				}
				tokens, err := openSecrets(cfg)
				if err != nil {
					return err
				}
				if err := tokens.Set(account.SecretsKey(), secrets.TokenSet{
					AccessToken:  accessToken,
					RefreshToken: refreshToken,
					TokenType:    "Bearer",
				}); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]string{"account": account.Email, "status": "stored"})
				}
				return writePlain("stored tokens for %s\n", account.Email)
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token (required)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("access-token")

	return cmd
}

func newTokensCheckCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether tokens are stored for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				account, err := findAccount(cmd.Context(), st, providerName, accountEmail)
				if err != nil {
					return err
				}
				tokens, err := openSecrets(cfg)
				if err != nil {
					return err
				}
				has, err := tokens.Has(account.SecretsKey())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"account": account.Email, "has_tokens": has})
				}
				if !has {
					return fmt.Errorf("no tokens stored for %s", account.Email)
				}
				return writePlain("tokens stored for %s\n", account.Email)
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newTokensDeleteCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete stored tokens for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				account, err := findAccount(cmd.Context(), st, providerName, accountEmail)
				if err != nil {
					return err
				}
				tokens, err := openSecrets(cfg)
				if err != nil {
					return err
				}
				if err := tokens.Delete(account.SecretsKey()); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]string{"account": account.Email, "status": "deleted"})
				}
				return writePlain("deleted tokens for %s\n", account.Email)
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newTokensListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with stored tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := openSecrets(cfg)
			if err != nil {
				return err
			}
			keys, err := tokens.List()
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(keys)
			}
			for _, key := range keys {
				if err := writePlain("%s\n", key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
