// Package engineerr defines the error taxonomy shared across the backup
// engine. Callers use errors.Is against the sentinel values; wrapped errors
// carry operation context via fmt.Errorf("...: %w", err).
package engineerr

import (
	"errors"
	"fmt"
)

var (
	// ErrUserInput indicates a bad flag or an unreadable source path.
	ErrUserInput = errors.New("user input error")

	// ErrNotFound indicates a backup prefix or storage key matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousBackup indicates a backup-id prefix matched more than one backup.
	ErrAmbiguousBackup = errors.New("ambiguous backup prefix")

	// ErrAuthFailed indicates an AEAD authentication tag failed to verify.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrWrongPassword indicates AEAD verification failed and a password was
	// supplied; it wraps ErrAuthFailed, so errors.Is matches either sentinel.
	ErrWrongPassword = fmt.Errorf("%w: wrong password", ErrAuthFailed)

	// ErrMissingPassword indicates an envelope requires decryption but no password was given.
	ErrMissingPassword = errors.New("missing password")

	// ErrCorrupt indicates a digest mismatch, decompression failure, or malformed manifest.
	ErrCorrupt = errors.New("corrupt data")

	// ErrInconsistentRepository indicates the chunk index references chunks absent from storage.
	ErrInconsistentRepository = errors.New("inconsistent repository")

	// ErrBackendTransient indicates a retriable storage error. Storage backends
	// return it without retrying; the backup pipeline retries chunk uploads that
	// fail with it (up to 5 attempts with jittered exponential backoff), and every
	// other operation surfaces it to its caller on the first failure.
	ErrBackendTransient = errors.New("transient backend error")

	// ErrBackendFatal indicates a permission, quota, or unreachable-after-retries error.
	ErrBackendFatal = errors.New("fatal backend error")

	// ErrCancelled indicates the operation was interrupted by the user.
	ErrCancelled = errors.New("cancelled")

	// ErrLocked indicates another writer holds the repository lock.
	ErrLocked = errors.New("repository locked")
)
