package models

import "time"

// Account is one cloud storage account being backed up.
//
// OAuth tokens are never stored on this row; they live in the
// encrypted secrets store keyed by provider:email.
type Account struct {
	ID        string    `json:"id"`
	Provider  Provider  `json:"provider"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecretsKey returns the token store key for this account.
func (a *Account) SecretsKey() string {
	return string(a.Provider) + ":" + a.Email
}

// SyncRoot is one provider folder tree synced for an account.
type SyncRoot struct {
	ID                 string     `json:"id"`
	AccountID          string     `json:"account_id"`
	ProviderRootID     string     `json:"provider_root_id"`
	Name               string     `json:"name"`
	Cursor             string     `json:"cursor,omitempty"`
	FullRescanRequired bool       `json:"full_rescan_required,omitempty"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	IsEnabled          bool       `json:"is_enabled"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
