// Package blob abstracts the hierarchical, path-addressable object store the
// pipeline reads snapshots from and publishes tables to.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob: not found")

// PartialWriteError wraps a failure that happened mid-publish. Previously
// published state is intact; the run must be surfaced as failed.
type PartialWriteError struct {
	Key string
	Err error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial write failure at %s: %v", e.Key, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Store is a path-addressable object store. Keys use forward slashes.
type Store interface {
	// Get returns the object bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the object. The write itself is atomic per key: readers
	// never observe a half-written object.
	Put(ctx context.Context, key string, data []byte) error
	// List returns every key under the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Publish atomically moves a staged object to its final key,
	// overwriting any prior object at that key.
	Publish(ctx context.Context, stagingKey, finalKey string) error
}
