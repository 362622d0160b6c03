package models

import "time"

// BackupItem tracks one provider item within a sync root.
//
// The lifecycle fields (State, MissCount, StateChangedAt,
// TombstoneEvidence) are owned by the deletion state machine and must
// only change through its transition function.
type BackupItem struct {
	ID                 string     `json:"id"`
	SyncRootID         string     `json:"sync_root_id"`
	ProviderItemID     string     `json:"provider_item_id"`
	Name               string     `json:"name"`
	Path               string     `json:"path"`
	ItemType           ItemType   `json:"item_type"`
	MimeType           string     `json:"mime_type,omitempty"`
	SizeBytes          *int64     `json:"size_bytes,omitempty"`
	ProviderModifiedAt *time.Time `json:"provider_modified_at,omitempty"`
	ETag               string     `json:"etag,omitempty"`
	State              ItemState  `json:"state"`
	StateChangedAt     time.Time  `json:"state_changed_at"`
	MissCount          int        `json:"miss_count"`
	LastSeenAt         *time.Time `json:"last_seen_at,omitempty"`
	TombstoneEvidence  bool       `json:"tombstone_evidence,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
