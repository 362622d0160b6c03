package syncer

import (
	"errors"
	"sync"
)

// ErrSyncInProgress is returned when a run is already active for the
// same account root in this process.
var ErrSyncInProgress = errors.New("sync already in progress for this root")

// Registry serializes sync runs per (account, root). One registry is
// shared by all engines in a process.
type Registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// acquire claims the slot for key, returning a release func, or
// ErrSyncInProgress if it is taken.
func (r *Registry) acquire(key string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.active[key]; taken {
		return nil, ErrSyncInProgress
	}
	r.active[key] = struct{}{}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.active, key)
	}, nil
}
