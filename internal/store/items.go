package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"drivault/internal/models"
)

const itemColumns = "id, sync_root_id, provider_item_id, name, path, item_type, mime_type, size_bytes, provider_modified_at, etag, state, state_changed_at, miss_count, last_seen_at, tombstone_evidence, created_at, updated_at"

// GetItemByProviderID returns the item tracked for a provider id
// within a sync root, or nil if never seen.
func (s *Store) GetItemByProviderID(ctx context.Context, rootID, providerItemID string) (*models.BackupItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM backup_items WHERE sync_root_id = ? AND provider_item_id = ?`,
		rootID, providerItemID)
	return scanItem(row)
}

// GetItem returns one item by row id, or nil if absent.
func (s *Store) GetItem(ctx context.Context, id string) (*models.BackupItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM backup_items WHERE id = ?`, id)
	return scanItem(row)
}

// CreateItem inserts a newly observed item.
func (s *Store) CreateItem(ctx context.Context, item *models.BackupItem) error {
	if item == nil {
		return fmt.Errorf("item is required")
	}
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.State == "" {
		item.State = models.ItemStateActive
	}
	if item.StateChangedAt.IsZero() {
		item.StateChangedAt = item.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SyncRootID, item.ProviderItemID, item.Name, item.Path,
		item.ItemType, item.MimeType, nullableInt64(item.SizeBytes),
		formatNullableTime(item.ProviderModifiedAt), item.ETag,
		item.State, formatTime(item.StateChangedAt), item.MissCount,
		formatNullableTime(item.LastSeenAt), boolToInt(item.TombstoneEvidence),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	return err
}

// UpdateItemMetadata persists provider-owned fields (name, path, etag,
// sizes, timestamps). Lifecycle fields are not touched here; they
// belong to UpdateItemLifecycle.
func (s *Store) UpdateItemMetadata(ctx context.Context, item *models.BackupItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("item with id is required")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_items SET name = ?, path = ?, mime_type = ?, size_bytes = ?,
		   provider_modified_at = ?, etag = ?, updated_at = ?
		 WHERE id = ?`,
		item.Name, item.Path, item.MimeType, nullableInt64(item.SizeBytes),
		formatNullableTime(item.ProviderModifiedAt), item.ETag,
		formatTime(item.UpdatedAt), item.ID,
	)
	return err
}

// UpdateItemLifecycle persists the deletion state machine's fields.
// Only the lifecycle package calls this.
func (s *Store) UpdateItemLifecycle(ctx context.Context, item *models.BackupItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("item with id is required")
	}
	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_items SET state = ?, state_changed_at = ?, miss_count = ?,
		   last_seen_at = ?, tombstone_evidence = ?, updated_at = ?
		 WHERE id = ?`,
		item.State, formatTime(item.StateChangedAt), item.MissCount,
		formatNullableTime(item.LastSeenAt), boolToInt(item.TombstoneEvidence),
		formatTime(item.UpdatedAt), item.ID,
	)
	return err
}

// ListActiveItemsNotSeenSince returns items still Active whose last
// observation predates the given pass start. Fed to the deletion state
// machine at the end of a complete listing pass.
func (s *Store) ListActiveItemsNotSeenSince(ctx context.Context, rootID string, passStart time.Time) ([]models.BackupItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM backup_items
		 WHERE sync_root_id = ? AND state = ?
		   AND (last_seen_at IS NULL OR last_seen_at < ?)
		 ORDER BY path`,
		rootID, models.ItemStateActive, formatTime(passStart))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListItemsByState returns an account's items in the given state.
func (s *Store) ListItemsByState(ctx context.Context, accountID string, state models.ItemState) ([]models.BackupItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumnsPrefixed("i")+` FROM backup_items i
		 JOIN sync_roots r ON r.id = i.sync_root_id
		 WHERE r.account_id = ? AND i.state = ?
		 ORDER BY i.path`,
		accountID, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListItemIDsWithVersions returns distinct item ids that have at least
// one file version, for retention grouping.
func (s *Store) ListItemIDsWithVersions(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT backup_item_id FROM file_versions WHERE account_id = ? ORDER BY backup_item_id`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ItemPathInUse reports whether another item in the root already owns
// the path. Used by the path builder for conflict resolution.
func (s *Store) ItemPathInUse(ctx context.Context, rootID, path, excludeProviderItemID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM backup_items
		 WHERE sync_root_id = ? AND path = ? AND provider_item_id <> ? LIMIT 1`,
		rootID, path, excludeProviderItemID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListItemPaths returns provider item id -> path for a root, used to
// warm the path builder cache.
func (s *Store) ListItemPaths(ctx context.Context, rootID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider_item_id, path FROM backup_items WHERE sync_root_id = ?`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]string)
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, err
		}
		paths[id] = path
	}
	return paths, rows.Err()
}

func itemColumnsPrefixed(alias string) string {
	return alias + ".id, " + alias + ".sync_root_id, " + alias + ".provider_item_id, " +
		alias + ".name, " + alias + ".path, " + alias + ".item_type, " + alias + ".mime_type, " +
		alias + ".size_bytes, " + alias + ".provider_modified_at, " + alias + ".etag, " +
		alias + ".state, " + alias + ".state_changed_at, " + alias + ".miss_count, " +
		alias + ".last_seen_at, " + alias + ".tombstone_evidence, " + alias + ".created_at, " + alias + ".updated_at"
}

func collectItems(rows *sql.Rows) ([]models.BackupItem, error) {
	var items []models.BackupItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*models.BackupItem, error) {
	var item models.BackupItem
	var sizeBytes sql.NullInt64
	var providerModifiedAt, lastSeenAt sql.NullString
	var tombstone int
	var stateChangedAt, createdAt, updatedAt string

	err := scanner.Scan(&item.ID, &item.SyncRootID, &item.ProviderItemID, &item.Name,
		&item.Path, &item.ItemType, &item.MimeType, &sizeBytes, &providerModifiedAt,
		&item.ETag, &item.State, &stateChangedAt, &item.MissCount, &lastSeenAt,
		&tombstone, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if sizeBytes.Valid {
		item.SizeBytes = &sizeBytes.Int64
	}
	item.TombstoneEvidence = tombstone != 0
	if item.ProviderModifiedAt, err = parseNullableTime(providerModifiedAt); err != nil {
		return nil, err
	}
	if item.LastSeenAt, err = parseNullableTime(lastSeenAt); err != nil {
		return nil, err
	}
	if item.StateChangedAt, err = parseTime(stateChangedAt); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
