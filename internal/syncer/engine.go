// Package syncer drives one account root through a sync pass: it
// pulls provider changes, captures content into the blob store,
// appends file versions, and feeds observations to the deletion state
// machine. Cursors advance only after the batch they cover is fully
// committed, so a crashed run resumes by reprocessing at most one
// batch.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"drivault/internal/blobstore"
	"drivault/internal/lifecycle"
	"drivault/internal/models"
	"drivault/internal/provider"
	"drivault/internal/store"
)

// Mode selects how a run traverses the provider.
type Mode string

const (
	// ModeInitial performs the first full listing of a root.
	ModeInitial Mode = "initial"
	// ModeIncremental consumes the change feed from the stored cursor.
	ModeIncremental Mode = "incremental"
	// ModeForcedFull relists everything regardless of cursor state.
	ModeForcedFull Mode = "forced_full"
)

// ParseMode validates a mode string from the CLI.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeInitial, ModeIncremental, ModeForcedFull:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("invalid sync mode %q", raw)
	}
}

// RunError wraps a run failure. Committed reports whether earlier
// batches of the run were persisted before the failure; those survive
// and the next run resumes from the advanced cursor.
type RunError struct {
	Committed bool
	Cause     error
}

func (e *RunError) Error() string {
	if e.Committed {
		return fmt.Sprintf("sync failed after partial progress: %v", e.Cause)
	}
	return fmt.Sprintf("sync failed: %v", e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }

// SkippedItem identifies an item a run could not process and why.
type SkippedItem struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Result summarizes one run.
type Result struct {
	Mode             Mode          `json:"mode"`
	Full             bool          `json:"full_listing"`
	Pages            int           `json:"pages"`
	FilesCreated     int           `json:"files_created"`
	FilesUpdated     int           `json:"files_updated"`
	FilesDeleted     int           `json:"files_deleted"`
	FilesQuarantined int           `json:"files_quarantined"`
	ItemsSkipped     int           `json:"items_skipped"`
	SkippedItems     []SkippedItem `json:"skipped_items,omitempty"`
	BytesDownloaded  int64         `json:"bytes_downloaded"`
	EndCursor        string        `json:"end_cursor,omitempty"`
}

func (r *Result) skip(itemID, reason string) {
	r.ItemsSkipped++
	r.SkippedItems = append(r.SkippedItems, SkippedItem{ItemID: itemID, Reason: reason})
}

// Options tunes an engine.
type Options struct {
	PageSize   int
	MaxRetries int
}

// Engine syncs one account root against its provider.
type Engine struct {
	store    *store.Store
	blobs    *blobstore.AccountStore
	machine  *lifecycle.Machine
	client   provider.Client
	registry *Registry
	opts     Options
	log      *slog.Logger
}

func NewEngine(st *store.Store, blobs *blobstore.AccountStore, machine *lifecycle.Machine,
	client provider.Client, registry *Registry, opts Options, log *slog.Logger) *Engine {
	if opts.PageSize < 1 {
		opts.PageSize = 200
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store: st, blobs: blobs, machine: machine,
		client: client, registry: registry, opts: opts, log: log,
	}
}

// Run executes one sync pass and records it as a sync_runs row.
// Concurrent runs for the same root are rejected with
// ErrSyncInProgress.
func (e *Engine) Run(ctx context.Context, account *models.Account, root *models.SyncRoot, mode Mode) (*Result, error) {
	release, err := e.registry.acquire(account.ID + "/" + root.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	full := mode != ModeIncremental || root.Cursor == "" || root.FullRescanRequired
	run := &models.SyncRun{
		SyncRootID:  root.ID,
		Mode:        string(mode),
		StartCursor: root.Cursor,
	}
	if err := e.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}

	res := &Result{Mode: mode, Full: full}
	e.log.Info("sync run started",
		"account", account.Email, "root", root.Name, "mode", mode, "full", full)

	passErr := e.pass(ctx, account, root, full, res)

	run.EndCursor = res.EndCursor
	run.FilesCreated = res.FilesCreated
	run.FilesUpdated = res.FilesUpdated
	run.FilesDeleted = res.FilesDeleted
	run.FilesQuarantined = res.FilesQuarantined
	run.BytesDownloaded = res.BytesDownloaded
	switch {
	case passErr != nil:
		run.Status = models.SyncRunStatusFailed
		run.ErrorMessage = passErr.Error()
	case res.ItemsSkipped > 0:
		run.Status = models.SyncRunStatusPartial
	default:
		run.Status = models.SyncRunStatusCompleted
	}
	if err := e.store.FinishSyncRun(ctx, run); err != nil {
		e.log.Error("failed to record sync run outcome", "error", err)
	}

	if passErr != nil {
		e.log.Error("sync run failed", "root", root.Name, "error", passErr)
		return res, passErr
	}
	if err := e.store.TouchLastSync(ctx, root.ID, time.Now().UTC()); err != nil {
		return res, err
	}
	e.log.Info("sync run finished",
		"root", root.Name, "status", run.Status,
		"created", res.FilesCreated, "updated", res.FilesUpdated,
		"deleted", res.FilesDeleted, "skipped", res.ItemsSkipped,
		"bytes", res.BytesDownloaded)
	return res, nil
}

func (e *Engine) pass(ctx context.Context, account *models.Account, root *models.SyncRoot, full bool, res *Result) error {
	passStart := time.Now().UTC()

	paths := NewPathBuilder(e.store, root.ID)
	known, err := e.store.ListItemPaths(ctx, root.ID)
	if err != nil {
		return &RunError{Cause: err}
	}
	paths.Warm(known)

	if full {
		// A rescan recovering from cursor loss may not treat its
		// omissions as deletion evidence.
		return e.fullPass(ctx, account, root, paths, passStart, !root.FullRescanRequired, res)
	}
	return e.incrementalPass(ctx, account, root, paths, passStart, res)
}

// fullPass lists everything, then infers misses from the complete
// listing, then stores a cursor captured before the listing began so
// changes made during the pass are picked up incrementally.
func (e *Engine) fullPass(ctx context.Context, account *models.Account, root *models.SyncRoot,
	paths *PathBuilder, passStart time.Time, sweep bool, res *Result) error {

	res.Full = true
	var endCursor string
	err := e.retry(ctx, func() error {
		var err error
		endCursor, err = e.client.StartCursor(ctx)
		return err
	})
	if err != nil {
		return &RunError{Cause: err}
	}

	cursor := ""
	for {
		var page provider.ChangePage
		err := e.retry(ctx, func() error {
			var err error
			page, err = e.client.Changes(ctx, cursor, e.opts.PageSize)
			return err
		})
		if err != nil {
			return &RunError{Cause: err}
		}
		for _, event := range page.Events {
			if err := e.processEvent(ctx, account, root, paths, event, passStart, res); err != nil {
				return &RunError{Cause: err}
			}
		}
		res.Pages++
		cursor = page.NextCursor
		if page.Exhausted {
			break
		}
	}

	// Only a complete listing may infer deletions from absence.
	if sweep {
		if err := e.sweepMisses(ctx, root, passStart, res); err != nil {
			return &RunError{Cause: err}
		}
	}

	if err := e.store.AdvanceCursor(ctx, root.ID, endCursor); err != nil {
		return &RunError{Cause: err}
	}
	root.Cursor = endCursor
	root.FullRescanRequired = false
	res.EndCursor = endCursor
	return nil
}

// incrementalPass consumes the change feed page by page, advancing the
// stored cursor after each fully processed page. Misses are never
// inferred here; an item absent from the feed is simply unchanged.
func (e *Engine) incrementalPass(ctx context.Context, account *models.Account, root *models.SyncRoot,
	paths *PathBuilder, passStart time.Time, res *Result) error {

	cursor := root.Cursor
	committed := false
	for {
		var page provider.ChangePage
		err := e.retry(ctx, func() error {
			var err error
			page, err = e.client.Changes(ctx, cursor, e.opts.PageSize)
			return err
		})
		if errors.Is(err, provider.ErrCursorInvalidated) {
			e.log.Warn("cursor invalidated, escalating to full rescan", "root", root.Name)
			if err := e.store.MarkFullRescanRequired(ctx, root.ID); err != nil {
				return &RunError{Committed: committed, Cause: err}
			}
			root.Cursor = ""
			root.FullRescanRequired = true
			return e.fullPass(ctx, account, root, paths, time.Now().UTC(), false, res)
		}
		if err != nil {
			return &RunError{Committed: committed, Cause: err}
		}

		for _, event := range page.Events {
			if err := e.processEvent(ctx, account, root, paths, event, passStart, res); err != nil {
				return &RunError{Committed: committed, Cause: err}
			}
		}
		res.Pages++

		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := e.store.AdvanceCursor(ctx, root.ID, page.NextCursor); err != nil {
				return &RunError{Committed: committed, Cause: err}
			}
			cursor = page.NextCursor
			root.Cursor = cursor
			committed = true
		}
		if page.Exhausted {
			break
		}
	}
	res.EndCursor = cursor
	return nil
}

func (e *Engine) processEvent(ctx context.Context, account *models.Account, root *models.SyncRoot,
	paths *PathBuilder, event provider.ChangeEvent, passTime time.Time, res *Result) error {

	if event.Removed {
		return e.processRemoval(ctx, root, event.ItemID, passTime, res)
	}
	if event.Item == nil {
		return fmt.Errorf("change event for %s has no item payload", event.ItemID)
	}
	return e.processUpsert(ctx, account, root, paths, *event.Item, passTime, res)
}

func (e *Engine) processRemoval(ctx context.Context, root *models.SyncRoot, itemID string, passTime time.Time, res *Result) error {
	item, err := e.store.GetItemByProviderID(ctx, root.ID, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		// Removal of something never backed up.
		return nil
	}
	err = e.machine.Observe(ctx, item, lifecycle.Observation{Tombstoned: true}, passTime)
	if errors.Is(err, lifecycle.ErrItemPurged) {
		e.log.Warn("ignoring removal of purged item", "item", itemID)
		res.skip(itemID, "item already purged")
		return nil
	}
	if err != nil {
		return err
	}
	res.FilesDeleted++
	res.FilesQuarantined++
	return nil
}

func (e *Engine) processUpsert(ctx context.Context, account *models.Account, root *models.SyncRoot,
	paths *PathBuilder, pi provider.Item, passTime time.Time, res *Result) error {

	item, err := e.store.GetItemByProviderID(ctx, root.ID, pi.ID)
	if err != nil {
		return err
	}
	if item != nil && item.State.Terminal() {
		e.log.Warn("skipping observation of purged item", "item", pi.ID, "name", pi.Name)
		res.skip(pi.ID, "item already purged")
		return nil
	}

	relPath, err := paths.ForItem(ctx, pi)
	if err != nil {
		return err
	}

	if pi.IsFolder {
		return e.upsertFolder(ctx, root, paths, pi, item, relPath, passTime)
	}
	return e.upsertFile(ctx, account, root, pi, item, relPath, passTime, res)
}

func (e *Engine) upsertFolder(ctx context.Context, root *models.SyncRoot, paths *PathBuilder,
	pi provider.Item, item *models.BackupItem, relPath string, passTime time.Time) error {

	paths.SetFolder(pi.ID, relPath)
	if item == nil {
		item = &models.BackupItem{
			SyncRootID:     root.ID,
			ProviderItemID: pi.ID,
			ItemType:       models.ItemTypeFolder,
		}
		applyProviderMetadata(item, pi, relPath)
		if err := e.store.CreateItem(ctx, item); err != nil {
			return err
		}
	} else if metadataChanged(item, pi, relPath) {
		applyProviderMetadata(item, pi, relPath)
		if err := e.store.UpdateItemMetadata(ctx, item); err != nil {
			return err
		}
	}
	if err := e.blobs.EnsureDir(relPath); err != nil {
		return err
	}
	return e.machine.Observe(ctx, item, lifecycle.Observation{Seen: true}, passTime)
}

func (e *Engine) upsertFile(ctx context.Context, account *models.Account, root *models.SyncRoot,
	pi provider.Item, item *models.BackupItem, relPath string, passTime time.Time, res *Result) error {

	// Unchanged per etag: no download, just record the sighting.
	if item != nil && item.State == models.ItemStateActive &&
		pi.ETag != "" && pi.ETag == item.ETag && relPath == item.Path {
		return e.machine.Observe(ctx, item, lifecycle.Observation{Seen: true}, passTime)
	}

	var body io.ReadCloser
	err := e.retry(ctx, func() error {
		var err error
		body, err = e.client.Download(ctx, pi.ID)
		return err
	})
	if errors.Is(err, provider.ErrNotFound) {
		// Listed but gone by download time; the next pass settles it.
		e.log.Warn("item vanished before download", "item", pi.ID, "name", pi.Name)
		res.skip(pi.ID, "vanished before download")
		return nil
	}
	if err != nil {
		// A single item's failure must not sink the rest of the run.
		// Revoked credentials will fail every item, so those abort.
		if provider.IsAuth(err) {
			return fmt.Errorf("download %s: %w", pi.Name, err)
		}
		e.log.Warn("skipping item, download failed", "item", pi.ID, "name", pi.Name, "error", err)
		return e.skipFile(ctx, item, pi.ID, fmt.Sprintf("download failed: %v", err), passTime, res)
	}
	wr, err := e.blobs.Write(ctx, body)
	closeErr := body.Close()
	if err != nil {
		e.log.Warn("skipping item, content capture failed", "item", pi.ID, "name", pi.Name, "error", err)
		return e.skipFile(ctx, item, pi.ID, fmt.Sprintf("content capture failed: %v", err), passTime, res)
	}
	if closeErr != nil {
		e.log.Warn("skipping item, download stream failed", "item", pi.ID, "name", pi.Name, "error", closeErr)
		return e.skipFile(ctx, item, pi.ID, fmt.Sprintf("download stream failed: %v", closeErr), passTime, res)
	}
	res.BytesDownloaded += wr.SizeBytes

	created := item == nil
	oldPath := ""
	if created {
		item = &models.BackupItem{
			SyncRootID:     root.ID,
			ProviderItemID: pi.ID,
			ItemType:       models.ItemTypeFile,
		}
		applyProviderMetadata(item, pi, relPath)
		if err := e.store.CreateItem(ctx, item); err != nil {
			return err
		}
	} else {
		oldPath = item.Path
		applyProviderMetadata(item, pi, relPath)
		if err := e.store.UpdateItemMetadata(ctx, item); err != nil {
			return err
		}
	}

	if err := e.store.EnsureBlob(ctx, account.ID, wr.Digest, wr.SizeBytes); err != nil {
		return err
	}
	if err := e.captureVersion(ctx, account, item, pi, wr, relPath, passTime, created, res); err != nil {
		return err
	}

	if oldPath != "" && oldPath != relPath {
		if err := e.blobs.RemoveFromCurrent(oldPath); err != nil {
			return err
		}
	}
	if err := e.blobs.Materialize(wr.Digest, relPath); err != nil {
		return err
	}
	return e.machine.Observe(ctx, item, lifecycle.Observation{Seen: true}, passTime)
}

// skipFile records an item-local failure and keeps the run going. The
// item was listed, so a known item's sighting still counts: its
// absence from this pass is a capture failure, not deletion evidence.
func (e *Engine) skipFile(ctx context.Context, item *models.BackupItem, itemID, reason string,
	passTime time.Time, res *Result) error {

	res.skip(itemID, reason)
	if item != nil {
		return e.machine.Observe(ctx, item, lifecycle.Observation{Seen: true}, passTime)
	}
	return nil
}

// captureVersion appends an update version unless the item's latest
// version already records the same content and revision. That guard
// makes reprocessing a batch after a crash idempotent.
func (e *Engine) captureVersion(ctx context.Context, account *models.Account, item *models.BackupItem,
	pi provider.Item, wr blobstore.WriteResult, relPath string, passTime time.Time, created bool, res *Result) error {

	revision := pi.Revision
	if revision == "" {
		revision = pi.ETag
	}

	latest, err := e.store.LatestVersion(ctx, item.ID)
	if err != nil {
		return err
	}
	if latest != nil && latest.Digest == wr.Digest && latest.ETagOrRevision == revision {
		return nil
	}

	if err := e.store.CreateVersion(ctx, &models.FileVersion{
		AccountID:         account.ID,
		BackupItemID:      item.ID,
		Digest:            wr.Digest,
		ObservedPath:      relPath,
		ETagOrRevision:    revision,
		ContentModifiedAt: pi.ModifiedAt,
		CapturedAt:        passTime,
		Reason:            models.VersionReasonUpdate,
	}); err != nil {
		return err
	}
	if created {
		res.FilesCreated++
	} else {
		res.FilesUpdated++
	}
	return nil
}

// sweepMisses feeds every active item absent from the completed
// listing to the state machine.
func (e *Engine) sweepMisses(ctx context.Context, root *models.SyncRoot, passStart time.Time, res *Result) error {
	missing, err := e.store.ListActiveItemsNotSeenSince(ctx, root.ID, passStart)
	if err != nil {
		return err
	}
	for i := range missing {
		item := &missing[i]
		if err := e.machine.Observe(ctx, item, lifecycle.Observation{}, passStart); err != nil {
			return err
		}
		if item.State == models.ItemStateQuarantined {
			res.FilesQuarantined++
		}
	}
	return nil
}

// retry runs op with exponential backoff for transient provider
// errors. Auth errors and other permanent failures abort immediately.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.opts.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if provider.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func applyProviderMetadata(item *models.BackupItem, pi provider.Item, relPath string) {
	item.Name = pi.Name
	item.Path = relPath
	item.MimeType = pi.MimeType
	item.SizeBytes = pi.SizeBytes
	item.ProviderModifiedAt = pi.ModifiedAt
	item.ETag = pi.ETag
}

func metadataChanged(item *models.BackupItem, pi provider.Item, relPath string) bool {
	return item.Name != pi.Name || item.Path != relPath ||
		item.MimeType != pi.MimeType || item.ETag != pi.ETag
}
