package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"drivault/internal/models"
)

const blobColumns = "digest, account_id, size_bytes, created_at"
const versionColumns = "id, account_id, backup_item_id, digest, observed_path, etag_or_revision, content_modified_at, captured_at, sync_run_id, reason"

// EnsureBlob records a blob row for the account namespace, idempotent
// on (digest, account).
func (s *Store) EnsureBlob(ctx context.Context, accountID, digest string, sizeBytes int64) error {
	if accountID == "" || digest == "" {
		return fmt.Errorf("account id and digest are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (`+blobColumns+`) VALUES (?, ?, ?, ?)
		 ON CONFLICT(digest, account_id) DO NOTHING`,
		digest, accountID, sizeBytes, formatTime(time.Now().UTC()))
	return err
}

// GetBlob returns one blob row, or nil if absent.
func (s *Store) GetBlob(ctx context.Context, accountID, digest string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+blobColumns+` FROM blobs WHERE digest = ? AND account_id = ?`, digest, accountID)
	return scanBlob(row)
}

// CreateVersion appends one file version row. Rows are immutable after
// creation; there is deliberately no UpdateVersion.
func (s *Store) CreateVersion(ctx context.Context, version *models.FileVersion) error {
	if version == nil {
		return fmt.Errorf("version is required")
	}
	if version.AccountID == "" || version.BackupItemID == "" || version.Digest == "" {
		return fmt.Errorf("account id, item id and digest are required")
	}
	if _, err := models.ParseVersionReason(string(version.Reason)); err != nil {
		return err
	}
	if version.ID == "" {
		version.ID = uuid.NewString()
	}
	if version.CapturedAt.IsZero() {
		version.CapturedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		version.ID, version.AccountID, version.BackupItemID, version.Digest,
		version.ObservedPath, version.ETagOrRevision,
		formatNullableTime(version.ContentModifiedAt), formatTime(version.CapturedAt),
		version.SyncRunID, version.Reason,
	)
	return err
}

// LatestVersion returns the newest version for an item, or nil.
func (s *Store) LatestVersion(ctx context.Context, itemID string) (*models.FileVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM file_versions
		 WHERE backup_item_id = ? ORDER BY captured_at DESC, id DESC LIMIT 1`, itemID)
	return scanVersion(row)
}

// ListVersions returns an item's versions newest first.
func (s *Store) ListVersions(ctx context.Context, itemID string) ([]models.FileVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM file_versions
		 WHERE backup_item_id = ? ORDER BY captured_at DESC, id DESC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []models.FileVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *version)
	}
	return versions, rows.Err()
}

// DeleteVersions removes version rows and, in the same transaction,
// deletes blob rows left with zero references in the account
// namespace. The returned blobs are the newly unreferenced ones whose
// on-disk objects the caller should remove (best-effort).
//
// Doing both in one transaction is what makes GC safe against a
// concurrent sync publishing the same digest: a sync that wants the
// content later simply re-publishes it.
func (s *Store) DeleteVersions(ctx context.Context, accountID string, versionIDs []string) ([]models.Blob, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}

	var orphans []models.Blob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(versionIDs)), ",")
		args := make([]any, 0, len(versionIDs)+1)
		args = append(args, accountID)
		for _, id := range versionIDs {
			args = append(args, id)
		}

		// Digests touched by the deleted rows, checked for orphanhood after.
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT digest FROM file_versions
			 WHERE account_id = ? AND id IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		var digests []string
		for rows.Next() {
			var d string
			if err := rows.Scan(&d); err != nil {
				rows.Close()
				return err
			}
			digests = append(digests, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM file_versions WHERE account_id = ? AND id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}

		for _, digest := range digests {
			var remaining int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM file_versions WHERE account_id = ? AND digest = ?`,
				accountID, digest).Scan(&remaining); err != nil {
				return err
			}
			if remaining > 0 {
				continue
			}
			blob, err := scanBlob(tx.QueryRowContext(ctx,
				`SELECT `+blobColumns+` FROM blobs WHERE digest = ? AND account_id = ?`, digest, accountID))
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM blobs WHERE digest = ? AND account_id = ?`, digest, accountID); err != nil {
				return err
			}
			if blob != nil {
				orphans = append(orphans, *blob)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// ListUnreferencedBlobs returns blob rows with zero referencing
// versions in the account namespace, up to limit (0 = no limit). Used
// by GC dry runs and the reconciliation pass.
func (s *Store) ListUnreferencedBlobs(ctx context.Context, accountID string, limit int) ([]models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs b
		 WHERE b.account_id = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM file_versions v
		     WHERE v.account_id = b.account_id AND v.digest = b.digest
		   )
		 ORDER BY b.created_at`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []models.Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, *blob)
	}
	return blobs, rows.Err()
}

// ListBlobs returns every blob row in the account namespace.
func (s *Store) ListBlobs(ctx context.Context, accountID string) ([]models.Blob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blobColumns+` FROM blobs WHERE account_id = ? ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []models.Blob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, *blob)
	}
	return blobs, rows.Err()
}

// CountVersionsForDigest reports how many versions in the account
// still reference a digest.
func (s *Store) CountVersionsForDigest(ctx context.Context, accountID, digest string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_versions WHERE account_id = ? AND digest = ?`,
		accountID, digest).Scan(&count)
	return count, err
}

func scanBlob(scanner interface{ Scan(dest ...any) error }) (*models.Blob, error) {
	var blob models.Blob
	var createdAt string

	err := scanner.Scan(&blob.Digest, &blob.AccountID, &blob.SizeBytes, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if blob.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &blob, nil
}

func scanVersion(scanner interface{ Scan(dest ...any) error }) (*models.FileVersion, error) {
	var version models.FileVersion
	var contentModifiedAt sql.NullString
	var capturedAt string

	err := scanner.Scan(&version.ID, &version.AccountID, &version.BackupItemID,
		&version.Digest, &version.ObservedPath, &version.ETagOrRevision,
		&contentModifiedAt, &capturedAt, &version.SyncRunID, &version.Reason)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if version.ContentModifiedAt, err = parseNullableTime(contentModifiedAt); err != nil {
		return nil, err
	}
	if version.CapturedAt, err = parseTime(capturedAt); err != nil {
		return nil, err
	}
	return &version, nil
}
