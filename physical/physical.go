package physical

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultParallelOperations is the default number of concurrent
	// operations a backend accepts before callers start waiting for a permit.
	DefaultParallelOperations = 128

	// ErrValueTooLarge is returned when a value exceeds the backend limit.
	ErrValueTooLarge = "put failed due to value being too large"
)

var (
	// ErrNoChange is returned by an UpdateFunc to leave the stored entry
	// untouched. Update itself then returns nil.
	ErrNoChange = errors.New("no change")

	// ErrConflict is returned when an atomic update could not be applied
	// because the key kept changing underneath it.
	ErrConflict = errors.New("concurrent modification, update not applied")

	// ErrBackendClosed is returned when operating on a closed backend.
	ErrBackendClosed = errors.New("storage backend is closed")
)

// Entry is a single key/value pair held by a Backend. A zero ExpiresAt
// means the entry never expires.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return e != nil && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// UpdateFunc receives the current entry for a key (nil when absent or
// expired) and returns the entry to store. Returning a nil entry deletes the
// key; returning ErrNoChange leaves it as is. Any other error aborts the
// update and is returned to the caller unchanged.
type UpdateFunc func(current *Entry) (*Entry, error)

// Backend is the key/value store every sessiongate structure is namespaced
// over. Implementations must honour per-entry expiry and apply Update
// atomically with respect to concurrent writers of the same key.
type Backend interface {
	// Get returns the entry for key, or nil if it is absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put inserts or replaces an entry.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys beneath prefix with the prefix stripped.
	List(ctx context.Context, prefix string) ([]string, error)

	// Update applies fn as one atomic read-modify-write on key.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Close releases the resources held by the backend.
	Close() error
}

// PermitPool bounds the number of in-flight backend operations.
type PermitPool struct {
	sem chan struct{}
}

// NewPermitPool returns a pool of the given size. A non-positive size uses
// DefaultParallelOperations.
func NewPermitPool(permits int) *PermitPool {
	if permits < 1 {
		permits = DefaultParallelOperations
	}
	return &PermitPool{sem: make(chan struct{}, permits)}
}

// Acquire takes a permit, waiting until one is free or ctx is done.
func (p *PermitPool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit to the pool.
func (p *PermitPool) Release() {
	<-p.sem
}

// CurrentPermits returns the number of permits in use.
func (p *PermitPool) CurrentPermits() int {
	return len(p.sem)
}
