package store

import (
	"database/sql"
	"fmt"
	"sort"
)

// Migration represents a schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all schema migrations.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: accounts, sync roots, items, blobs, versions, policies, runs",
		SQL: `
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  name TEXT NOT NULL,
  email TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(provider, email)
);

CREATE TABLE IF NOT EXISTS sync_roots (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  provider_root_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cursor TEXT NOT NULL DEFAULT '',
  full_rescan_required INTEGER NOT NULL DEFAULT 0,
  last_sync_at TEXT,
  is_enabled INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(account_id, provider_root_id),
  FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS backup_items (
  id TEXT PRIMARY KEY,
  sync_root_id TEXT NOT NULL,
  provider_item_id TEXT NOT NULL,
  name TEXT NOT NULL,
  path TEXT NOT NULL,
  item_type TEXT NOT NULL,
  mime_type TEXT NOT NULL DEFAULT '',
  size_bytes INTEGER,
  provider_modified_at TEXT,
  etag TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT 'active',
  state_changed_at TEXT NOT NULL,
  miss_count INTEGER NOT NULL DEFAULT 0,
  last_seen_at TEXT,
  tombstone_evidence INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(sync_root_id, provider_item_id),
  FOREIGN KEY (sync_root_id) REFERENCES sync_roots(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS blobs (
  digest TEXT NOT NULL,
  account_id TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY (digest, account_id),
  FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS file_versions (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  backup_item_id TEXT NOT NULL,
  digest TEXT NOT NULL,
  observed_path TEXT NOT NULL,
  etag_or_revision TEXT NOT NULL DEFAULT '',
  content_modified_at TEXT,
  captured_at TEXT NOT NULL,
  sync_run_id TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL,
  FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
  FOREIGN KEY (backup_item_id) REFERENCES backup_items(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS retention_policies (
  id TEXT PRIMARY KEY,
  account_id TEXT NOT NULL,
  sync_root_id TEXT NOT NULL DEFAULT '',
  keep_last_n INTEGER,
  keep_days INTEGER,
  max_storage_bytes INTEGER,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(account_id, sync_root_id),
  FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_runs (
  id TEXT PRIMARY KEY,
  sync_root_id TEXT NOT NULL,
  mode TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'running',
  start_cursor TEXT NOT NULL DEFAULT '',
  end_cursor TEXT NOT NULL DEFAULT '',
  started_at TEXT NOT NULL,
  completed_at TEXT,
  files_created INTEGER NOT NULL DEFAULT 0,
  files_updated INTEGER NOT NULL DEFAULT 0,
  files_deleted INTEGER NOT NULL DEFAULT 0,
  files_quarantined INTEGER NOT NULL DEFAULT 0,
  bytes_downloaded INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  FOREIGN KEY (sync_root_id) REFERENCES sync_roots(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(is_active);
CREATE INDEX IF NOT EXISTS idx_items_state ON backup_items(state);
CREATE INDEX IF NOT EXISTS idx_items_root_state ON backup_items(sync_root_id, state);
CREATE INDEX IF NOT EXISTS idx_items_root_seen ON backup_items(sync_root_id, state, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_blobs_account_created ON blobs(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_versions_item_captured ON file_versions(backup_item_id, captured_at);
CREATE INDEX IF NOT EXISTS idx_versions_account_digest ON file_versions(account_id, digest);
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_item_revision
  ON file_versions(backup_item_id, etag_or_revision)
  WHERE etag_or_revision <> '' AND reason = 'update';
CREATE INDEX IF NOT EXISTS idx_runs_root_started ON sync_runs(sync_root_id, started_at DESC);
`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
`

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist.
func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(migrationsTableSQL)
	return err
}

// currentVersion returns the highest applied migration version, or 0 if none.
func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// runMigrations applies all pending migrations in order.
func runMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if m.Version > applied {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))",
			m.Version,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion() (int, error) {
	return currentVersion(s.db)
}
