package models

import "time"

// RetentionPolicy bounds how many file versions are kept. A policy may
// target a whole account (SyncRootID empty) or a single sync root; the
// root-level policy wins when both exist. Nil fields mean unbounded.
//
// MaxStorageBytes is advisory: the collector warns when usage
// exceeds it but never deletes versions to get under the cap.
type RetentionPolicy struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	SyncRootID      string    `json:"sync_root_id,omitempty"`
	KeepLastN       *int      `json:"keep_last_n,omitempty"`
	KeepDays        *int      `json:"keep_days,omitempty"`
	MaxStorageBytes *int64    `json:"max_storage_bytes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RetainsAll reports whether the policy places no bound on versions.
func (p *RetentionPolicy) RetainsAll() bool {
	return p == nil || (p.KeepLastN == nil && p.KeepDays == nil)
}

// SyncRun records one sync engine run for audit.
type SyncRun struct {
	ID               string     `json:"id"`
	SyncRootID       string     `json:"sync_root_id"`
	Mode             string     `json:"mode"`
	Status           string     `json:"status"`
	StartCursor      string     `json:"start_cursor,omitempty"`
	EndCursor        string     `json:"end_cursor,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FilesCreated     int        `json:"files_created"`
	FilesUpdated     int        `json:"files_updated"`
	FilesDeleted     int        `json:"files_deleted"`
	FilesQuarantined int        `json:"files_quarantined"`
	BytesDownloaded  int64      `json:"bytes_downloaded"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// SyncRun status values.
const (
	SyncRunStatusRunning   = "running"
	SyncRunStatusCompleted = "completed"
	SyncRunStatusFailed    = "failed"
	SyncRunStatusPartial   = "partial"
)
