package models

import "time"

// Blob is one immutable content object in the account's CAS namespace.
// Dedup is account-scoped: the same digest in two accounts is two rows
// and two on-disk objects.
type Blob struct {
	Digest    string    `json:"digest"`
	AccountID string    `json:"account_id"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// FileVersion records "this provider item had this content at this
// time". Rows are append-only; only retention GC deletes them.
type FileVersion struct {
	ID                string        `json:"id"`
	AccountID         string        `json:"account_id"`
	BackupItemID      string        `json:"backup_item_id"`
	Digest            string        `json:"digest"`
	ObservedPath      string        `json:"observed_path"`
	ETagOrRevision    string        `json:"etag_or_revision,omitempty"`
	ContentModifiedAt *time.Time    `json:"content_modified_at,omitempty"`
	CapturedAt        time.Time     `json:"captured_at"`
	SyncRunID         string        `json:"sync_run_id,omitempty"`
	Reason            VersionReason `json:"reason"`
}
