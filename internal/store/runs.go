package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"drivault/internal/models"
)

const runColumns = "id, sync_root_id, mode, status, start_cursor, end_cursor, started_at, completed_at, files_created, files_updated, files_deleted, files_quarantined, bytes_downloaded, error_message"

// CreateSyncRun records the start of a sync run.
func (s *Store) CreateSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.SyncRootID == "" {
		return fmt.Errorf("sync root id is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.SyncRunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SyncRootID, run.Mode, run.Status, run.StartCursor, run.EndCursor,
		formatTime(run.StartedAt), formatNullableTime(run.CompletedAt),
		run.FilesCreated, run.FilesUpdated, run.FilesDeleted, run.FilesQuarantined,
		run.BytesDownloaded, run.ErrorMessage,
	)
	return err
}

// FinishSyncRun records the run outcome and counters.
func (s *Store) FinishSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run with id is required")
	}
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, end_cursor = ?, completed_at = ?,
		   files_created = ?, files_updated = ?, files_deleted = ?,
		   files_quarantined = ?, bytes_downloaded = ?, error_message = ?
		 WHERE id = ?`,
		run.Status, run.EndCursor, formatNullableTime(run.CompletedAt),
		run.FilesCreated, run.FilesUpdated, run.FilesDeleted,
		run.FilesQuarantined, run.BytesDownloaded, run.ErrorMessage, run.ID,
	)
	return err
}

// ListSyncRuns returns a root's runs newest first, up to limit.
func (s *Store) ListSyncRuns(ctx context.Context, rootID string, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs
		 WHERE sync_root_id = ? ORDER BY started_at DESC LIMIT ?`, rootID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (*models.SyncRun, error) {
	var run models.SyncRun
	var startedAt string
	var completedAt sql.NullString

	err := scanner.Scan(&run.ID, &run.SyncRootID, &run.Mode, &run.Status,
		&run.StartCursor, &run.EndCursor, &startedAt, &completedAt,
		&run.FilesCreated, &run.FilesUpdated, &run.FilesDeleted,
		&run.FilesQuarantined, &run.BytesDownloaded, &run.ErrorMessage)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
