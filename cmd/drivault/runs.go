package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"drivault/internal/config"
	"drivault/internal/models"
	"drivault/internal/store"
)

func newRunsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
		rootName     string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent sync runs",
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

				var all []models.SyncRun
				for _, root := range roots {
					if rootName != "" && root.Name != rootName && root.ProviderRootID != rootName {
						continue
					}
					runs, err := st.ListSyncRuns(ctx, root.ID, limit)
					if err != nil {
						return err
					}
					all = append(all, runs...)
				}
				if *jsonOutput {
					return writeJSON(all)
				}
				for _, run := range all {
					line := fmt.Sprintf("%s  %s  %s  +%d ~%d -%d  %s",
						formatTime(run.StartedAt), run.Mode, run.Status,
						run.FilesCreated, run.FilesUpdated, run.FilesDeleted,
						humanize.Bytes(uint64(run.BytesDownloaded)))
					if run.ErrorMessage != "" {
						line += "  " + run.ErrorMessage
					}
					if err := writePlain("%s\n", line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider filter")
	cmd.Flags().StringVar(&rootName, "root", "", "limit to one root")
	cmd.Flags().IntVar(&limit, "limit", 20, "runs per root")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}
