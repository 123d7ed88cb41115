// Package storage abstracts byte-level get/put/list/delete on opaque keys
// for the backup engine, streaming in both directions so neither chunk
// uploads nor multi-gigabyte file downloads require buffering the full
// payload. Implementations exist for the local filesystem, S3-compatible
// object stores, and an in-memory fake for tests.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/kenneth/backupvault/internal/engineerr"
)

// Backend is the storage capability every repository operation is built on.
type Backend interface {
	// Put stores bytes under key, overwriting atomically on publish.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// PutIfAbsent stores bytes under key only if the key does not already
	// exist; it fails with engineerr.ErrBackendFatal wrapping a conflict if
	// the key is already present. Used for the repository lock sentinel and
	// the kdf-params marker; chunks and manifests are published with Put.
	PutIfAbsent(ctx context.Context, key string, r io.Reader, size int64) error

	// Get opens a streaming reader for key. The caller must Close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key with the given prefix. Eventually consistent
	// backends may lag a recent Put, but must eventually reflect it.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IsRetriable reports whether err represents a transient backend condition
// worth retrying with backoff.
func IsRetriable(err error) bool {
	return err != nil && errors.Is(err, engineerr.ErrBackendTransient)
}
