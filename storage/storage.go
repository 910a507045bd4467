// Package storage provides the key/value persistence layer for account
// credentials and certificate bundles, with file, memory, SQLite and Redis
// backends plus an encrypting decorator.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load and Delete when the key does not exist.
// Test with errors.Is; backends wrap it with context.
var ErrNotFound = errors.New("storage: key not found")

// Backend is a flat key/value store for opaque byte blobs. Keys are
// case-sensitive strings; implementations must be safe for concurrent use.
type Backend interface {
	// Store writes value under key, overwriting any previous value.
	Store(ctx context.Context, key string, value []byte) error
	// Load returns the value for key, or an error wrapping ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
