package models

import (
	"fmt"
	"strings"
)

// Provider identifies a cloud storage provider.
type Provider string

const (
	ProviderGoogleDrive Provider = "google_drive"
	ProviderOneDrive    Provider = "onedrive"
)

// ItemType distinguishes files from folders.
type ItemType string

const (
	ItemTypeFile   ItemType = "file"
	ItemTypeFolder ItemType = "folder"
)

// ItemState is the deletion lifecycle state of a backup item.
type ItemState string

const (
	ItemStateActive          ItemState = "active"
	ItemStateDeletedUpstream ItemState = "deleted_upstream"
	ItemStateMissingUpstream ItemState = "missing_upstream"
	ItemStateQuarantined     ItemState = "quarantined"
	ItemStatePurged          ItemState = "purged"
)

// VersionReason records why a file version was captured.
type VersionReason string

const (
	VersionReasonUpdate         VersionReason = "update"
	VersionReasonPreDelete      VersionReason = "pre_delete"
	VersionReasonManualSnapshot VersionReason = "manual_snapshot"
	VersionReasonConflict       VersionReason = "conflict"
	VersionReasonRestorePoint   VersionReason = "restore_point"
)

var validProviders = map[Provider]struct{}{
	ProviderGoogleDrive: {},
	ProviderOneDrive:    {},
}

var validItemStates = map[ItemState]struct{}{
	ItemStateActive:          {},
	ItemStateDeletedUpstream: {},
	ItemStateMissingUpstream: {},
	ItemStateQuarantined:     {},
	ItemStatePurged:          {},
}

var validVersionReasons = map[VersionReason]struct{}{
	VersionReasonUpdate:         {},
	VersionReasonPreDelete:      {},
	VersionReasonManualSnapshot: {},
	VersionReasonConflict:       {},
	VersionReasonRestorePoint:   {},
}

func ParseProvider(raw string) (Provider, error) {
	value := Provider(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("provider is required")
	}
	if _, ok := validProviders[value]; !ok {
		return "", fmt.Errorf("invalid provider: %s", value)
	}
	return value, nil
}

func ParseItemState(raw string) (ItemState, error) {
	value := ItemState(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("item state is required")
	}
	if _, ok := validItemStates[value]; !ok {
		return "", fmt.Errorf("invalid item state: %s", value)
	}
	return value, nil
}

func ParseVersionReason(raw string) (VersionReason, error) {
	value := VersionReason(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("version reason is required")
	}
	if _, ok := validVersionReasons[value]; !ok {
		return "", fmt.Errorf("invalid version reason: %s", value)
	}
	return value, nil
}

// Terminal reports whether no further lifecycle transitions are allowed.
func (s ItemState) Terminal() bool {
	return s == ItemStatePurged
}
