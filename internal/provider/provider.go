// Package provider defines the surface the sync engine needs from a
// cloud storage backend. Concrete clients (Google Drive, OneDrive)
// implement Client; the engine never sees provider SDK types.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrCursorInvalidated is returned by Changes when the provider no
// longer accepts the given cursor. The engine responds by clearing the
// cursor and scheduling a full rescan.
var ErrCursorInvalidated = errors.New("change cursor invalidated by provider")

// ErrNotFound is returned by Download when the item no longer exists
// upstream.
var ErrNotFound = errors.New("item not found upstream")

// TransientError wraps failures worth retrying with backoff: rate
// limits, 5xx responses, network timeouts.
type TransientError struct {
	Cause      error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient provider error (retry after %s): %v", e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("transient provider error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// AuthError signals revoked or expired credentials. Not retryable; the
// run aborts and the operator must re-authorize the account.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string { return fmt.Sprintf("provider auth error: %v", e.Cause) }

func (e *AuthError) Unwrap() error { return e.Cause }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Item is provider metadata for one file or folder.
type Item struct {
	ID         string
	Name       string
	ParentID   string
	IsFolder   bool
	MimeType   string
	SizeBytes  *int64
	ModifiedAt *time.Time
	// ETag changes whenever content or metadata changes; Revision only
	// when content changes. Either may be empty for providers that do
	// not expose it.
	ETag     string
	Revision string
}

// ChangeEvent is one entry in a change feed or listing page. Removed
// events carry only the item id; Item is nil.
type ChangeEvent struct {
	ItemID  string
	Removed bool
	Item    *Item
}

// ChangePage is one page of changes plus the cursor that resumes after
// it. Exhausted is set on the final page of the feed.
type ChangePage struct {
	Events     []ChangeEvent
	NextCursor string
	Exhausted  bool
}

// Client is a minimal change-feed and download surface over one cloud
// account root.
type Client interface {
	// StartCursor returns a cursor representing "now", used to begin
	// incremental tracking after an initial full listing.
	StartCursor(ctx context.Context) (string, error)

	// Changes returns the next page of changes after cursor. An empty
	// cursor requests a full listing from the beginning; in that mode
	// every live item is reported as a non-removed event.
	Changes(ctx context.Context, cursor string, pageSize int) (ChangePage, error)

	// Download opens the item's current content for reading.
	Download(ctx context.Context, itemID string) (io.ReadCloser, error)
}
