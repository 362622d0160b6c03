package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"drivault/internal/config"
	"drivault/internal/lifecycle"
	"drivault/internal/store"
	"drivault/internal/syncer"
)

type rootSyncReport struct {
	Root   string         `json:"root"`
	Result *syncer.Result `json:"result"`
	Error  string         `json:"error,omitempty"`
}

func newSyncCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
		rootName     string
		modeName     string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Back up an account's sync roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := syncer.ParseMode(modeName)
			if err != nil {
				return err
			}
			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				account, err := findAccount(ctx, st, providerName, accountEmail)
				if err != nil {
					return err
				}
				if !account.IsActive {
					return fmt.Errorf("account %s is disabled", account.Email)
				}

				tokens, err := openSecrets(cfg)
				if err != nil {
					return err
				}
				client, err := providerClientFor(account, tokens)
				if err != nil {
					return err
				}
				blobs, err := blobstoreFor(cfg, account)
				if err != nil {
					return err
				}

				machine := lifecycle.New(st, blobs, cfg.Sync.MissThreshold, slog.Default())
				engine := syncer.NewEngine(st, blobs, machine, client, syncer.NewRegistry(),
					syncer.Options{PageSize: cfg.Sync.PageSize, MaxRetries: cfg.Sync.MaxRetries},
					slog.Default())

				roots, err := st.ListSyncRoots(ctx, account.ID)
				if err != nil {
					return err
				}

				var reports []rootSyncReport
				var failed bool
				for i := range roots {
					root := &roots[i]
					if !root.IsEnabled {
						continue
					}
					if rootName != "" && root.Name != rootName && root.ProviderRootID != rootName {
						continue
					}
					res, err := engine.Run(ctx, account, root, mode)
					report := rootSyncReport{Root: root.Name, Result: res}
					if err != nil {
						report.Error = err.Error()
						failed = true
					}
					reports = append(reports, report)
				}
				if len(reports) == 0 {
					return fmt.Errorf("no matching sync roots for %s", account.Email)
				}

				if *jsonOutput {
					if err := writeJSON(reports); err != nil {
						return err
					}
				} else {
					for _, report := range reports {
						if report.Error != "" {
							if err := writePlain("%s: failed: %s\n", report.Root, report.Error); err != nil {
								return err
							}
							continue
						}
						res := report.Result
						if err := writePlain("%s: %d created, %d updated, %d deleted, %d quarantined, %d skipped, %s downloaded\n",
							report.Root, res.FilesCreated, res.FilesUpdated, res.FilesDeleted,
							res.FilesQuarantined, res.ItemsSkipped,
							humanize.Bytes(uint64(res.BytesDownloaded))); err != nil {
							return err
						}
						for _, skipped := range res.SkippedItems {
							if err := writePlain("  needs attention: %s (%s)\n", skipped.ItemID, skipped.Reason); err != nil {
								return err
							}
						}
					}
				}
				if failed {
					return fmt.Errorf("one or more roots failed to sync")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider (google_drive, onedrive)")
	cmd.Flags().StringVar(&rootName, "root", "", "sync only the named root")
	cmd.Flags().StringVar(&modeName, "mode", string(syncer.ModeIncremental), "sync mode (initial, incremental, forced_full)")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}
