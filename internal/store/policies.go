package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"drivault/internal/models"
)

const policyColumns = "id, account_id, sync_root_id, keep_last_n, keep_days, max_storage_bytes, created_at, updated_at"

// SetRetentionPolicy upserts a policy for an account or a single root
// (empty SyncRootID means account-wide).
func (s *Store) SetRetentionPolicy(ctx context.Context, policy *models.RetentionPolicy) error {
	if policy == nil {
		return fmt.Errorf("policy is required")
	}
	if policy.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	now := time.Now().UTC()
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retention_policies (`+policyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, sync_root_id) DO UPDATE SET
		   keep_last_n = excluded.keep_last_n,
		   keep_days = excluded.keep_days,
		   max_storage_bytes = excluded.max_storage_bytes,
		   updated_at = excluded.updated_at`,
		policy.ID, policy.AccountID, policy.SyncRootID,
		nullableInt(policy.KeepLastN), nullableInt(policy.KeepDays),
		nullableInt64(policy.MaxStorageBytes),
		formatTime(policy.CreatedAt), formatTime(policy.UpdatedAt),
	)
	return err
}

// ResolveRetentionPolicy returns the effective policy for a root:
// root-level wins over account-level; nil when no policy exists
// (retain everything).
func (s *Store) ResolveRetentionPolicy(ctx context.Context, accountID, rootID string) (*models.RetentionPolicy, error) {
	if rootID != "" {
		policy, err := s.getPolicy(ctx, accountID, rootID)
		if err != nil || policy != nil {
			return policy, err
		}
	}
	return s.getPolicy(ctx, accountID, "")
}

func (s *Store) getPolicy(ctx context.Context, accountID, rootID string) (*models.RetentionPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM retention_policies WHERE account_id = ? AND sync_root_id = ?`,
		accountID, rootID)
	return scanPolicy(row)
}

func scanPolicy(scanner interface{ Scan(dest ...any) error }) (*models.RetentionPolicy, error) {
	var policy models.RetentionPolicy
	var keepLastN, keepDays sql.NullInt64
	var maxStorage sql.NullInt64
	var createdAt, updatedAt string

	err := scanner.Scan(&policy.ID, &policy.AccountID, &policy.SyncRootID,
		&keepLastN, &keepDays, &maxStorage, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if keepLastN.Valid {
		n := int(keepLastN.Int64)
		policy.KeepLastN = &n
	}
	if keepDays.Valid {
		d := int(keepDays.Int64)
		policy.KeepDays = &d
	}
	if maxStorage.Valid {
		policy.MaxStorageBytes = &maxStorage.Int64
	}
	if policy.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if policy.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &policy, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
