// Package dedup maps a resource key to the job currently active for it.
//
// Index is not safe for concurrent use on its own. It is owned by a store's
// serialization point, which mutates it together with the record append.
package dedup

import (
	"errors"
	"fmt"
)

// ErrKeyActive is returned when registering a key that already has an active job.
var ErrKeyActive = errors.New("resource key already has an active job")

// Index tracks resource_key -> job_id for non-terminal jobs.
type Index struct {
	active map[string]string
}

// New creates an empty index.
func New() *Index {
	return &Index{active: make(map[string]string)}
}

// Lookup returns the active job for key.
func (idx *Index) Lookup(key string) (string, bool) {
	id, ok := idx.active[key]
	return id, ok
}

// Register records jobID as the active job for key. Registering the same pair
// twice is a no-op; a different job for an occupied key is refused.
func (idx *Index) Register(key, jobID string) error {
	if existing, ok := idx.active[key]; ok && existing != jobID {
		return fmt.Errorf("%w: %s held by %s", ErrKeyActive, key, existing)
	}
	idx.active[key] = jobID
	return nil
}

// Release removes key if it is still held by jobID.
func (idx *Index) Release(key, jobID string) {
	if existing, ok := idx.active[key]; ok && existing == jobID {
		delete(idx.active, key)
	}
}

// Len returns the number of active keys.
func (idx *Index) Len() int {
	return len(idx.active)
}
