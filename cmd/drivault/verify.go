package main

import (
	"errors"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"drivault/internal/blobstore"
	"drivault/internal/config"
	"drivault/internal/store"
)

type verifyReport struct {
	BlobsChecked  int      `json:"blobs_checked"`
	BytesChecked  int64    `json:"bytes_checked"`
	Corrupt       []string `json:"corrupt,omitempty"`
	MissingOnDisk []string `json:"missing_on_disk,omitempty"`
	Unreferenced  []string `json:"unreferenced,omitempty"`
}

// newVerifyCmd re-reads every stored blob against its digest and
// reconciles the on-disk store with the index.
func newVerifyCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		accountEmail string
		providerName string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify blob integrity and reconcile the index",
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

				report := verifyReport{}
				err = blobs.WalkBlobs(func(digest string, size int64) error {
					report.BlobsChecked++
					report.BytesChecked += size

					rc, err := blobs.Open(ctx, digest)
					if err != nil {
						report.Corrupt = append(report.Corrupt, digest)
						return nil
					}
					_, err = io.Copy(io.Discard, rc)
					closeErr := rc.Close()
					var integrity *blobstore.IntegrityError
					if errors.As(err, &integrity) || errors.As(closeErr, &integrity) {
						report.Corrupt = append(report.Corrupt, digest)
						return nil
					}
					if err != nil {
						return err
					}

					// File present on disk but unknown to the index.
					row, err := st.GetBlob(ctx, account.ID, digest)
					if err != nil {
						return err
					}
					if row == nil {
						report.Unreferenced = append(report.Unreferenced, digest)
					}
					return nil
				})
				if err != nil {
					return err
				}

				// Index rows whose file is gone.
				rows, err := st.ListBlobs(ctx, account.ID)
				if err != nil {
					return err
				}
				for _, row := range rows {
					exists, err := blobs.Exists(row.Digest)
					if err != nil {
						return err
					}
					if !exists {
						report.MissingOnDisk = append(report.MissingOnDisk, row.Digest)
					}
				}

				if *jsonOutput {
					return writeJSON(report)
				}
				if err := writePlain("checked %d blobs (%s): %d corrupt, %d missing on disk, %d unreferenced files\n",
					report.BlobsChecked, humanize.Bytes(uint64(report.BytesChecked)),
					len(report.Corrupt), len(report.MissingOnDisk), len(report.Unreferenced)); err != nil {
					return err
				}
				for _, digest := range report.Corrupt {
					if err := writePlain("corrupt: %s\n", digest); err != nil {
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
