// Package backend provides the blob storage abstraction for the cache's
// persistent tier.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend stores opaque blobs addressed by sharded string keys.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, overwriting any existing blob.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}
