// Package retention trims file version history according to the
// account's retention policy and purges quarantined items whose grace
// window has elapsed. Version rows and the blob rows they orphan are
// removed in one transaction per batch; blob file removal afterwards
// is best-effort, since a dangling file is rediscovered by the next
// run while a dangling row would block nothing.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"drivault/internal/blobstore"
	"drivault/internal/lifecycle"
	"drivault/internal/models"
	"drivault/internal/store"
)

// InvariantViolationError reports that trimming would have removed the
// latest version of a quarantined item, which must survive until the
// item is purged.
type InvariantViolationError struct {
	ItemID    string
	VersionID string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("retention would drop latest version %s of quarantined item %s", e.VersionID, e.ItemID)
}

// Result summarizes one collection run.
type Result struct {
	DryRun          bool  `json:"dry_run"`
	ItemsExamined   int   `json:"items_examined"`
	VersionsDeleted int   `json:"versions_deleted"`
	BlobsDeleted    int   `json:"blobs_deleted"`
	BytesFreed      int64 `json:"bytes_freed"`
	ItemsPurged     int   `json:"items_purged"`
}

// Options tunes a collector.
type Options struct {
	// BatchSize caps version deletions per transaction.
	BatchSize int
	// QuarantineWindow is how long an item stays quarantined before it
	// is purged.
	QuarantineWindow time.Duration
}

// Collector applies retention to one account.
type Collector struct {
	store   *store.Store
	blobs   *blobstore.AccountStore
	machine *lifecycle.Machine
	opts    Options
	log     *slog.Logger
}

func NewCollector(st *store.Store, blobs *blobstore.AccountStore, machine *lifecycle.Machine,
	opts Options, log *slog.Logger) *Collector {
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.QuarantineWindow <= 0 {
		opts.QuarantineWindow = 30 * 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{store: st, blobs: blobs, machine: machine, opts: opts, log: log}
}

// Run trims version history and purges expired quarantined items for
// the account. With dryRun the result reports what would happen and
// nothing is deleted.
func (c *Collector) Run(ctx context.Context, account *models.Account, now time.Time, dryRun bool) (*Result, error) {
	res := &Result{DryRun: dryRun}

	if err := c.trimVersions(ctx, account, now, dryRun, res); err != nil {
		return res, err
	}
	if err := c.purgeExpired(ctx, account, now, dryRun, res); err != nil {
		return res, err
	}
	c.checkStorageCap(ctx, account)

	c.log.Info("retention run finished",
		"account", account.Email, "dry_run", dryRun,
		"versions_deleted", res.VersionsDeleted, "blobs_deleted", res.BlobsDeleted,
		"bytes_freed", res.BytesFreed, "items_purged", res.ItemsPurged)
	return res, nil
}

func (c *Collector) trimVersions(ctx context.Context, account *models.Account, now time.Time, dryRun bool, res *Result) error {
	itemIDs, err := c.store.ListItemIDsWithVersions(ctx, account.ID)
	if err != nil {
		return err
	}

	var batch []string
	for _, itemID := range itemIDs {
		item, err := c.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			continue
		}
		res.ItemsExamined++

		policy, err := c.store.ResolveRetentionPolicy(ctx, account.ID, item.SyncRootID)
		if err != nil {
			return err
		}
		if policy == nil || policy.RetainsAll() {
			continue
		}

		doomed, err := c.doomedVersions(ctx, item, policy, now)
		var violation *InvariantViolationError
		if errors.As(err, &violation) {
			// One item's violation must not block trimming the rest.
			c.log.Error("retention invariant violated, skipping item",
				"item", violation.ItemID, "version", violation.VersionID)
			continue
		}
		if err != nil {
			return err
		}
		res.VersionsDeleted += len(doomed)
		if dryRun {
			continue
		}

		batch = append(batch, doomed...)
		if len(batch) >= c.opts.BatchSize {
			if err := c.flush(ctx, account, batch, res); err != nil {
				return err
			}
			batch = nil
		}
	}
	if len(batch) > 0 {
		return c.flush(ctx, account, batch, res)
	}
	return nil
}

// doomedVersions returns the version ids retention drops for one item:
// everything outside the union of the keep_last_n newest versions and
// the keep_days window. A quarantined item's latest version is never
// dropped.
func (c *Collector) doomedVersions(ctx context.Context, item *models.BackupItem,
	policy *models.RetentionPolicy, now time.Time) ([]string, error) {

	versions, err := c.store.ListVersions(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}

	retained := make(map[string]bool, len(versions))
	if policy.KeepLastN != nil {
		for i, v := range versions {
			if i >= *policy.KeepLastN {
				break
			}
			retained[v.ID] = true
		}
	}
	if policy.KeepDays != nil {
		cutoff := now.AddDate(0, 0, -*policy.KeepDays)
		for _, v := range versions {
			if !v.CapturedAt.Before(cutoff) {
				retained[v.ID] = true
			}
		}
	}
	if item.State == models.ItemStateQuarantined {
		retained[versions[0].ID] = true
	}

	var doomed []string
	for _, v := range versions {
		if !retained[v.ID] {
			doomed = append(doomed, v.ID)
		}
	}
	if item.State == models.ItemStateQuarantined {
		for _, id := range doomed {
			if id == versions[0].ID {
				return nil, &InvariantViolationError{ItemID: item.ID, VersionID: id}
			}
		}
	}
	return doomed, nil
}

// flush deletes one batch of versions and the blob files they
// orphaned.
func (c *Collector) flush(ctx context.Context, account *models.Account, versionIDs []string, res *Result) error {
	orphans, err := c.store.DeleteVersions(ctx, account.ID, versionIDs)
	if err != nil {
		return err
	}
	for _, blob := range orphans {
		res.BlobsDeleted++
		res.BytesFreed += blob.SizeBytes
		if err := c.blobs.Delete(ctx, blob.Digest); err != nil {
			c.log.Warn("failed to delete blob file", "digest", blob.Digest, "error", err)
		}
	}
	return nil
}

// purgeExpired moves quarantined items whose window has elapsed to the
// terminal purged state, dropping their remaining versions and
// archived files.
func (c *Collector) purgeExpired(ctx context.Context, account *models.Account, now time.Time, dryRun bool, res *Result) error {
	quarantined, err := c.store.ListItemsByState(ctx, account.ID, models.ItemStateQuarantined)
	if err != nil {
		return err
	}
	for i := range quarantined {
		item := &quarantined[i]
		if now.Sub(item.StateChangedAt) < c.opts.QuarantineWindow {
			continue
		}
		res.ItemsPurged++
		if dryRun {
			continue
		}

		versions, err := c.store.ListVersions(ctx, item.ID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(versions))
		for _, v := range versions {
			ids = append(ids, v.ID)
		}
		res.VersionsDeleted += len(ids)
		if err := c.flush(ctx, account, ids, res); err != nil {
			return err
		}
		if err := c.machine.Purge(ctx, item, now); err != nil {
			return err
		}
	}
	return nil
}

// checkStorageCap warns when the account's blob usage exceeds the
// configured advisory cap. Nothing is deleted on its behalf.
func (c *Collector) checkStorageCap(ctx context.Context, account *models.Account) {
	policy, err := c.store.ResolveRetentionPolicy(ctx, account.ID, "")
	if err != nil || policy == nil || policy.MaxStorageBytes == nil {
		return
	}
	stats, err := c.blobs.Stat()
	if err != nil {
		c.log.Warn("failed to stat blob store", "error", err)
		return
	}
	if stats.TotalSizeBytes > *policy.MaxStorageBytes {
		c.log.Warn("account storage exceeds configured cap",
			"account", account.Email,
			"used_bytes", stats.TotalSizeBytes, "cap_bytes", *policy.MaxStorageBytes)
	}
}
