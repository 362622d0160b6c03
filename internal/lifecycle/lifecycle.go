// Package lifecycle owns the deletion state machine for backed up
// items: active, deleted_upstream, missing_upstream, quarantined,
// purged. All state transitions go through Machine; the sync engine
// and retention collector feed it observations but never write the
// state columns themselves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"drivault/internal/models"
)

// DefaultMissThreshold is how many consecutive complete listing passes
// an item must be absent from before it is treated as missing
// upstream. Two passes tolerate a single listing glitch.
const DefaultMissThreshold = 2

// ErrItemPurged is returned for any observation of a purged item.
// Purged is terminal; the caller records the item as skipped.
var ErrItemPurged = errors.New("item is purged, no further transitions allowed")

// TransitionError reports an attempted illegal state change.
type TransitionError struct {
	From models.ItemState
	To   models.ItemState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal item state transition %s -> %s", e.From, e.To)
}

// Observation is what one complete sync pass learned about an item.
// Tombstoned means the provider explicitly reported a removal; a plain
// miss is Seen=false, Tombstoned=false.
type Observation struct {
	Seen       bool
	Tombstoned bool
}

// Store is the index surface the machine needs.
type Store interface {
	UpdateItemLifecycle(ctx context.Context, item *models.BackupItem) error
	LatestVersion(ctx context.Context, itemID string) (*models.FileVersion, error)
	CreateVersion(ctx context.Context, version *models.FileVersion) error
}

// Archiver moves an item's materialized file between the current and
// archive views.
type Archiver interface {
	MoveToArchive(relPath string) error
	RestoreFromArchive(relPath string) error
	RemoveFromArchive(relPath string) error
}

// Machine applies observations to items and persists the resulting
// transitions.
type Machine struct {
	store     Store
	archive   Archiver
	threshold int
	log       *slog.Logger
}

// New returns a machine with the given miss threshold (values below 1
// fall back to DefaultMissThreshold).
func New(store Store, archive Archiver, missThreshold int, log *slog.Logger) *Machine {
	if missThreshold < 1 {
		missThreshold = DefaultMissThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{store: store, archive: archive, threshold: missThreshold, log: log}
}

// Observe applies one pass's observation of item, mutating and
// persisting it. now is the pass timestamp used for last_seen_at and
// state_changed_at.
func (m *Machine) Observe(ctx context.Context, item *models.BackupItem, obs Observation, now time.Time) error {
	if item.State.Terminal() {
		return fmt.Errorf("%s: %w", item.ProviderItemID, ErrItemPurged)
	}

	switch {
	case obs.Tombstoned:
		return m.tombstone(ctx, item, now)
	case obs.Seen:
		return m.seen(ctx, item, now)
	default:
		return m.miss(ctx, item, now)
	}
}

// seen handles a live upstream observation: reset the miss counter
// and, for items previously considered gone, restore them.
func (m *Machine) seen(ctx context.Context, item *models.BackupItem, now time.Time) error {
	restored := false
	switch item.State {
	case models.ItemStateActive:
		// Stay active.
	case models.ItemStateDeletedUpstream, models.ItemStateMissingUpstream:
		m.setState(item, models.ItemStateActive, now)
		restored = true
	case models.ItemStateQuarantined:
		if item.ItemType == models.ItemTypeFile {
			if err := m.archive.RestoreFromArchive(item.Path); err != nil {
				return fmt.Errorf("restore %s from archive: %w", item.Path, err)
			}
		}
		m.setState(item, models.ItemStateActive, now)
		restored = true
	default:
		return &TransitionError{From: item.State, To: models.ItemStateActive}
	}

	item.MissCount = 0
	item.TombstoneEvidence = false
	item.LastSeenAt = &now
	if restored {
		m.log.Info("item reappeared upstream",
			"item", item.ProviderItemID, "path", item.Path)
	}
	return m.store.UpdateItemLifecycle(ctx, item)
}

// tombstone handles an explicit provider removal: record the evidence
// and quarantine immediately, no miss counting.
func (m *Machine) tombstone(ctx context.Context, item *models.BackupItem, now time.Time) error {
	item.TombstoneEvidence = true
	m.setState(item, models.ItemStateDeletedUpstream, now)
	if err := m.store.UpdateItemLifecycle(ctx, item); err != nil {
		return err
	}
	return m.quarantine(ctx, item, now)
}

// miss handles absence from a complete listing pass. Below the
// threshold the item stays active with a bumped counter; at the
// threshold it becomes missing upstream and is quarantined.
func (m *Machine) miss(ctx context.Context, item *models.BackupItem, now time.Time) error {
	if item.State != models.ItemStateActive {
		// Already past the active stage; a further miss changes nothing.
		return nil
	}

	item.MissCount++
	if item.MissCount < m.threshold {
		return m.store.UpdateItemLifecycle(ctx, item)
	}

	m.setState(item, models.ItemStateMissingUpstream, now)
	if err := m.store.UpdateItemLifecycle(ctx, item); err != nil {
		return err
	}
	return m.quarantine(ctx, item, now)
}

// quarantine snapshots the item's latest content as a pre_delete
// version, moves its materialized file out of the current view, and
// marks it quarantined.
func (m *Machine) quarantine(ctx context.Context, item *models.BackupItem, now time.Time) error {
	if item.ItemType == models.ItemTypeFile {
		if err := m.snapshotBeforeDelete(ctx, item, now); err != nil {
			return err
		}
		if err := m.archive.MoveToArchive(item.Path); err != nil {
			return fmt.Errorf("archive %s: %w", item.Path, err)
		}
	}

	m.setState(item, models.ItemStateQuarantined, now)
	m.log.Info("item quarantined",
		"item", item.ProviderItemID, "path", item.Path,
		"tombstone", item.TombstoneEvidence)
	return m.store.UpdateItemLifecycle(ctx, item)
}

// snapshotBeforeDelete appends a pre_delete version pointing at the
// item's latest digest, so retention keeps at least that content while
// the item sits in quarantine. Skipped when there is nothing to
// snapshot or the latest version already is one.
func (m *Machine) snapshotBeforeDelete(ctx context.Context, item *models.BackupItem, now time.Time) error {
	latest, err := m.store.LatestVersion(ctx, item.ID)
	if err != nil {
		return err
	}
	if latest == nil || latest.Reason == models.VersionReasonPreDelete {
		return nil
	}
	return m.store.CreateVersion(ctx, &models.FileVersion{
		AccountID:         latest.AccountID,
		BackupItemID:      item.ID,
		Digest:            latest.Digest,
		ObservedPath:      latest.ObservedPath,
		ETagOrRevision:    latest.ETagOrRevision,
		ContentModifiedAt: latest.ContentModifiedAt,
		CapturedAt:        now,
		Reason:            models.VersionReasonPreDelete,
	})
}

// Purge moves a quarantined item to the terminal purged state and
// drops its archived file. Called by the retention collector once the
// quarantine window has elapsed.
func (m *Machine) Purge(ctx context.Context, item *models.BackupItem, now time.Time) error {
	if item.State.Terminal() {
		return fmt.Errorf("%s: %w", item.ProviderItemID, ErrItemPurged)
	}
	if item.State != models.ItemStateQuarantined {
		return &TransitionError{From: item.State, To: models.ItemStatePurged}
	}

	if item.ItemType == models.ItemTypeFile {
		if err := m.archive.RemoveFromArchive(item.Path); err != nil {
			return fmt.Errorf("remove %s from archive: %w", item.Path, err)
		}
	}
	m.setState(item, models.ItemStatePurged, now)
	m.log.Info("item purged", "item", item.ProviderItemID, "path", item.Path)
	return m.store.UpdateItemLifecycle(ctx, item)
}

func (m *Machine) setState(item *models.BackupItem, state models.ItemState, now time.Time) {
	if item.State != state {
		item.State = state
		item.StateChangedAt = now
	}
}
