package main

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"drivault/internal/config"
	"drivault/internal/lifecycle"
	"drivault/internal/retention"
	"drivault/internal/store"
)

func newGCCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Apply retention policy and purge expired quarantined items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cfg, func(st *store.Store) error {
				ctx := cmd.Context()
				account, err := findAccount(ctx, st, providerName, accountEmail)
				if err != nil {
					return err
				}
				blobs, err := blobstoreFor(cfg, account)
				if err != nil {
					return err
				}

				machine := lifecycle.New(st, blobs, cfg.Sync.MissThreshold, slog.Default())
				collector := retention.NewCollector(st, blobs, machine, retention.Options{
					BatchSize:        cfg.GC.BatchSize,
					QuarantineWindow: time.Duration(cfg.GC.QuarantineDays) * 24 * time.Hour,
				}, slog.Default())

				res, err := collector.Run(ctx, account, time.Now().UTC(), dryRun)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(res)
				}
				prefix := ""
				if res.DryRun {
					prefix = "would have "
				}
				return writePlain("%sdeleted %d versions and %d blobs (%s), purged %d items\n",
					prefix, res.VersionsDeleted, res.BlobsDeleted,
					humanize.Bytes(uint64(res.BytesFreed)), res.ItemsPurged)
			})
		},
	}

	cmd.Flags().StringVar(&accountEmail, "account", "", "account email (required)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider (google_drive, onedrive)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}
