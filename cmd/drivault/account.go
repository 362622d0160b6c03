package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"drivault/internal/config"
	"drivault/internal/models"
	"drivault/internal/store"
)

func newAccountCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage backed up accounts and their sync roots",
	}
	cmd.AddCommand(
		newAccountAddCmd(cfg, jsonOutput),
		newAccountListCmd(cfg, jsonOutput),
		newAccountRootsCmd(cfg, jsonOutput),
		newAccountAddRootCmd(cfg, jsonOutput),
		newAccountImportCmd(cfg, jsonOutput),
	)
	return cmd
}

func newAccountAddCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		providerName string
		email        string
		name         string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			prov, err := models.ParseProvider(providerName)
			if err != nil {
				return err
			}
			return withStore(cfg, func(st *store.Store) error {
				account := &models.Account{
					Provider: prov,
					Email:    email,
					Name:     name,
					IsActive: true,
				}
				if account.Name == "" {
					account.Name = email
				}
				if err := st.CreateAccount(cmd.Context(), account); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(account)
				}
				return writePlain("added %s account %s (%s)\n", account.Provider, account.Email, account.ID)
			})
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", string(models.ProviderGoogleDrive), "provider (google_drive, onedrive)")
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newAccountListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				accounts, err := st.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(accounts)
				}
				for _, account := range accounts {
					status := "active"
					if !account.IsActive {
						status = "disabled"
					}
					if err := writePlain("%s  %s  %s  %s\n", account.ID, account.Provider, account.Email, status); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newAccountRootsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "roots",
		Short: "List an account's sync roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				account, err := findAccount(ctx, st, providerName, accountEmail)
				if err != nil {
					return err
				}
				roots, err := st.ListSyncRoots(ctx, account.ID)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(roots)
				}
				for _, root := range roots {
					status := "enabled"
					if !root.IsEnabled {
						status = "disabled"
					}
					if err := writePlain("%s  %s  %s  last sync: %s\n",
						root.ID, root.Name, status, formatNullableTime(root.LastSyncAt)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newAccountAddRootCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail   string
		providerName   string
		providerRootID string
		name           string
	)

	cmd := &cobra.Command{
		Use:   "add-root",
		Short: "Track a sync root for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				account, err := findAccount(ctx, st, providerName, accountEmail)
				if err != nil {
					return err
				}
				root := &models.SyncRoot{
					AccountID:      account.ID,
					ProviderRootID: providerRootID,
					Name:           name,
					IsEnabled:      true,
				}
				if root.Name == "" {
					root.Name = providerRootID
				}
				if err := st.CreateSyncRoot(ctx, root); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(root)
				}
				return writePlain("added root %s (%s) to %s\n", root.Name, root.ID, account.Email)
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	cmd.Flags().StringVar(&providerRootID, "root-id", "", "provider root id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("root-id")

	return cmd
}

// accountManifest is the YAML shape consumed by account import.
type accountManifest struct {
	Accounts []struct {
		Provider string `yaml:"provider"`
		Email    string `yaml:"email"`
		Name     string `yaml:"name"`
		Roots    []struct {
			ProviderRootID string `yaml:"provider_root_id"`
			Name           string `yaml:"name"`
		} `yaml:"roots"`
	} `yaml:"accounts"`
}

type importSummary struct {
	AccountsCreated int `json:"accounts_created"`
	RootsCreated    int `json:"roots_created"`
}

func newAccountImportCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create accounts and roots from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var manifest accountManifest
			if err := yaml.Unmarshal(raw, &manifest); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}

			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				var summary importSummary
				for _, entry := range manifest.Accounts {
					prov, err := models.ParseProvider(entry.Provider)
					if err != nil {
						return fmt.Errorf("account %s: %w", entry.Email, err)
					}
					account := &models.Account{
						Provider: prov,
						Email:    entry.Email,
						Name:     entry.Name,
						IsActive: true,
					}
					if account.Name == "" {
						account.Name = entry.Email
					}
					if err := st.CreateAccount(ctx, account); err != nil {
						return fmt.Errorf("account %s: %w", entry.Email, err)
					}
					summary.AccountsCreated++

					for _, rootEntry := range entry.Roots {
						root := &models.SyncRoot{
							AccountID:      account.ID,
							ProviderRootID: rootEntry.ProviderRootID,
							Name:           rootEntry.Name,
							IsEnabled:      true,
						}
						if root.Name == "" {
							root.Name = rootEntry.ProviderRootID
						}
						if err := st.CreateSyncRoot(ctx, root); err != nil {
							return fmt.Errorf("root %s of %s: %w", rootEntry.ProviderRootID, entry.Email, err)
						}
						summary.RootsCreated++
					}
				}
				if *jsonOutput {
					return writeJSON(summary)
				}
				return writePlain("imported %d accounts and %d roots\n", summary.AccountsCreated, summary.RootsCreated)
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "manifest path (required)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
