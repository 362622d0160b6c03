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

const accountColumns = "id, provider, name, email, is_active, created_at, updated_at"
const syncRootColumns = "id, account_id, provider_root_id, name, cursor, full_rescan_required, last_sync_at, is_enabled, created_at, updated_at"

// CreateAccount inserts one account row.
func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	if account == nil {
		return fmt.Errorf("account is required")
	}
	if strings.TrimSpace(account.Email) == "" {
		return fmt.Errorf("account email is required")
	}
	if _, err := models.ParseProvider(string(account.Provider)); err != nil {
		return err
	}
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.Provider, account.Name, account.Email,
		boolToInt(account.IsActive), formatTime(account.CreatedAt), formatTime(account.UpdatedAt),
	)
	return err
}

// GetAccount returns one account by id, or nil if absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// CreateSyncRoot inserts one sync root row.
func (s *Store) CreateSyncRoot(ctx context.Context, root *models.SyncRoot) error {
	if root == nil {
		return fmt.Errorf("sync root is required")
	}
	if strings.TrimSpace(root.AccountID) == "" || strings.TrimSpace(root.ProviderRootID) == "" {
		return fmt.Errorf("account id and provider root id are required")
	}
	now := time.Now().UTC()
	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	if root.CreatedAt.IsZero() {
		root.CreatedAt = now
	}
	if root.UpdatedAt.IsZero() {
		root.UpdatedAt = root.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_roots (`+syncRootColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		root.ID, root.AccountID, root.ProviderRootID, root.Name, root.Cursor,
		boolToInt(root.FullRescanRequired), formatNullableTime(root.LastSyncAt),
		boolToInt(root.IsEnabled), formatTime(root.CreatedAt), formatTime(root.UpdatedAt),
	)
	return err
}

// GetSyncRoot returns one sync root by id, or nil if absent.
func (s *Store) GetSyncRoot(ctx context.Context, id string) (*models.SyncRoot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncRootColumns+` FROM sync_roots WHERE id = ?`, id)
	return scanSyncRoot(row)
}

// ListSyncRoots returns the account's sync roots ordered by creation time.
func (s *Store) ListSyncRoots(ctx context.Context, accountID string) ([]models.SyncRoot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncRootColumns+` FROM sync_roots WHERE account_id = ? ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []models.SyncRoot
	for rows.Next() {
		root, err := scanSyncRoot(rows)
		if err != nil {
			return nil, err
		}
		roots = append(roots, *root)
	}
	return roots, rows.Err()
}

// AdvanceCursor durably records a committed batch position. It is only
// called after every event in the batch has been committed.
func (s *Store) AdvanceCursor(ctx context.Context, rootID, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_roots SET cursor = ?, full_rescan_required = 0, updated_at = ? WHERE id = ?`,
		cursor, formatTime(time.Now().UTC()), rootID)
	return err
}

// MarkFullRescanRequired flags the root so the next run does a full
// listing regardless of mode (set when the provider invalidates the
// cursor mid-run).
func (s *Store) MarkFullRescanRequired(ctx context.Context, rootID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_roots SET cursor = '', full_rescan_required = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), rootID)
	return err
}

// ResetCursor clears the cursor so the next run performs a full listing.
func (s *Store) ResetCursor(ctx context.Context, rootID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_roots SET cursor = '', updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), rootID)
	return err
}

// TouchLastSync records a completed sync pass.
func (s *Store) TouchLastSync(ctx context.Context, rootID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_roots SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now().UTC()), rootID)
	return err
}

func scanAccount(scanner interface{ Scan(dest ...any) error }) (*models.Account, error) {
	var account models.Account
	var isActive int
	var createdAt, updatedAt string

	err := scanner.Scan(&account.ID, &account.Provider, &account.Name, &account.Email,
		&isActive, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	account.IsActive = isActive != 0
	if account.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if account.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &account, nil
}

func scanSyncRoot(scanner interface{ Scan(dest ...any) error }) (*models.SyncRoot, error) {
	var root models.SyncRoot
	var fullRescan, isEnabled int
	var lastSyncAt sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(&root.ID, &root.AccountID, &root.ProviderRootID, &root.Name,
		&root.Cursor, &fullRescan, &lastSyncAt, &isEnabled, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	root.FullRescanRequired = fullRescan != 0
	root.IsEnabled = isEnabled != 0
	if root.LastSyncAt, err = parseNullableTime(lastSyncAt); err != nil {
		return nil, err
	}
	if root.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if root.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &root, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
