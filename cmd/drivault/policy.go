package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"drivault/internal/config"
	"drivault/internal/models"
	"drivault/internal/store"
)

func newPolicyCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage retention policies",
	}
	cmd.AddCommand(
		newPolicySetCmd(cfg, jsonOutput),
		newPolicyShowCmd(cfg, jsonOutput),
	)
	return cmd
}

func newPolicySetCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
		rootName     string
		keepLastN    int
		keepDays     int
		maxStorage   string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the retention policy for an account or one root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				account, err := findAccount(ctx, st, providerName, accountEmail)
				if err != nil {
					return err
				}

				policy := &models.RetentionPolicy{AccountID: account.ID}
				if rootName != "" {
					root, err := resolveRoot(ctx, st, account.ID, rootName)
					if err != nil {
						return err
					}
					policy.SyncRootID = root.ID
				}
				if keepLastN > 0 {
					policy.KeepLastN = &keepLastN
				}
				if keepDays > 0 {
					policy.KeepDays = &keepDays
				}
				if maxStorage != "" {
					capBytes, err := humanize.ParseBytes(maxStorage)
					if err != nil {
						return fmt.Errorf("invalid --max-storage: %w", err)
					}
					signed := int64(capBytes)
					policy.MaxStorageBytes = &signed
				}

				if err := st.SetRetentionPolicy(ctx, policy); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(policy)
				}
				return writePlain("policy stored for %s\n", account.Email)
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	cmd.Flags().StringVar(&rootName, "root", "", "apply to one root instead of the whole account")
	cmd.Flags().IntVar(&keepLastN, "keep-last-n", 0, "versions to keep per file")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "days of history to keep")
	cmd.Flags().StringVar(&maxStorage, "max-storage", "", "advisory storage cap, e.g. 100GB")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newPolicyShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
		rootName     string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				account, err := findAccount(ctx, st, providerName, accountEmail)
				if err != nil {
					return err
				}
				rootID := ""
				if rootName != "" {
					root, err := resolveRoot(ctx, st, account.ID, rootName)
					if err != nil {
						return err
					}
					rootID = root.ID
				}

				policy, err := st.ResolveRetentionPolicy(ctx, account.ID, rootID)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(policy)
				}
				if policy == nil {
					return writePlain("no policy set, everything is retained\n")
				}
				if policy.KeepLastN != nil {
					if err := writePlain("keep_last_n: %d\n", *policy.KeepLastN); err != nil {
						return err
					}
				}
				if policy.KeepDays != nil {
					if err := writePlain("keep_days: %d\n", *policy.KeepDays); err != nil {
						return err
					}
				}
				if policy.MaxStorageBytes != nil {
					if err := writePlain("max_storage: %s\n", humanize.Bytes(uint64(*policy.MaxStorageBytes))); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	cmd.Flags().StringVar(&rootName, "root", "", "show the policy effective for one root")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func resolveRoot(ctx context.Context, st *store.Store, accountID, nameOrID string) (*models.SyncRoot, error) {
	roots, err := st.ListSyncRoots(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for i := range roots {
		if roots[i].Name == nameOrID || roots[i].ProviderRootID == nameOrID || roots[i].ID == nameOrID {
			return &roots[i], nil
		}
	}
	return nil, fmt.Errorf("no sync root named %s", nameOrID)
}
