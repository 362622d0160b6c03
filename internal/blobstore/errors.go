package blobstore

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a read of a digest with no on-disk object.
var ErrNotFound = errors.New("blob not found")

// IntegrityError reports on-disk content that no longer hashes to its
// digest. It is fatal for the affected blob only; callers skip the item
// and continue.
type IntegrityError struct {
	Digest string
	Actual string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: content hashes to %s", e.Digest, e.Actual)
}
