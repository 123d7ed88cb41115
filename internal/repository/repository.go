// Package repository ties together a storage backend, the chunk and backup
// indexes, and the repository lock sentinel into the single object the
// backup, restore, and prune pipelines operate on. It is the home for the
// on-storage layout (backups/, chunks/<xx>/<rest>, indexes/, locks/writer)
// and for the conditional-put writer-lock protocol.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kenneth/backupvault/internal/codec"
	"github.com/kenneth/backupvault/internal/engineerr"
	"github.com/kenneth/backupvault/internal/index"
	"github.com/kenneth/backupvault/internal/kdf"
	"github.com/kenneth/backupvault/internal/storage"
)

const staleLockAfter = time.Hour

// Repository is a repository-key-scoped view over a storage backend.
type Repository struct {
	Backend   storage.Backend
	Key       string
	ChunkIdx  *index.ChunkIndex
	BackupIdx *index.BackupIndex

	CodecOpts codec.Options
}

// lockSentinel is the JSON body written to locks/writer.
type lockSentinel struct {
	AcquiredUnix int64  `json:"acquired_unix"`
	Owner        string `json:"owner"`
}

func (r *Repository) prefixed(rest string) string {
	return strings.TrimSuffix(r.Key, "/") + "/" + rest
}

// ChunkKey returns the storage key for chunk id, sharded by its first two
// hex characters.
func (r *Repository) ChunkKey(id string) string {
	if len(id) < 2 {
		return r.prefixed("chunks/xx/" + id)
	}
	return r.prefixed(fmt.Sprintf("chunks/%s/%s", id[:2], id[2:]))
}

// ManifestKey returns the storage key for a backup's manifest blob.
func (r *Repository) ManifestKey(backupID string) string {
	return r.prefixed("backups/" + backupID)
}

func (r *Repository) chunkIndexKey() string  { return r.prefixed("indexes/chunks") }
func (r *Repository) backupIndexKey() string { return r.prefixed("indexes/backups") }
func (r *Repository) lockKey() string        { return r.prefixed("locks/writer") }
func (r *Repository) kdfParamsKey() string   { return r.prefixed("kdf-params") }

// Open loads (or initializes) the chunk and backup indexes for key on
// backend and verifies that every indexed chunk still has an extant
// storage object, failing with ErrInconsistentRepository otherwise.
// password configures the codec used to decode indexes that were written
// encrypted; when password is nil, indexes must have been written
// unencrypted.
func Open(ctx context.Context, backend storage.Backend, key string, password []byte, level int) (*Repository, error) {
	r, err := open(ctx, backend, key, password, level)
	if err != nil {
		return nil, err
	}
	missing, err := r.ChunkIdx.Validate(func(id string) (bool, error) {
		return r.Backend.Exists(ctx, r.ChunkKey(id))
	})
	if err != nil {
		return nil, err
	}
	if err := index.RequireConsistent(missing); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenForRepair skips the chunk-existence check so prune --repair can load
// an inconsistent repository and drop its dangling index entries.
func OpenForRepair(ctx context.Context, backend storage.Backend, key string, password []byte, level int) (*Repository, error) {
	return open(ctx, backend, key, password, level)
}

func open(ctx context.Context, backend storage.Backend, key string, password []byte, level int) (*Repository, error) {
	r := &Repository{
		Backend: backend,
		Key:     key,
		CodecOpts: codec.Options{
			Level:    level,
			Password: password,
		},
	}

	params, err := r.loadOrInitKDFParams(ctx, password)
	if err != nil {
		return nil, err
	}
	r.CodecOpts.KDFParams = params

	chunkIdx, err := r.loadChunkIndex(ctx)
	if err != nil {
		return nil, err
	}
	r.ChunkIdx = chunkIdx

	backupIdx, err := r.loadBackupIndex(ctx)
	if err != nil {
		return nil, err
	}
	r.BackupIdx = backupIdx

	return r, nil
}

func (r *Repository) loadOrInitKDFParams(ctx context.Context, password []byte) (kdf.Params, error) {
	if password == nil {
		return kdf.Params{}, nil
	}
	rc, err := r.Backend.Get(ctx, r.kdfParamsKey())
	if err != nil {
		if isNotFound(err) {
			params := kdf.DefaultParams
			data, marshalErr := json.Marshal(params)
			if marshalErr != nil {
				return kdf.Params{}, fmt.Errorf("marshal kdf params: %w", marshalErr)
			}
			if putErr := r.Backend.PutIfAbsent(ctx, r.kdfParamsKey(), bytes.NewReader(data), int64(len(data))); putErr != nil {
				return kdf.Params{}, fmt.Errorf("publish kdf params marker: %w", putErr)
			}
			return params, nil
		}
		return kdf.Params{}, fmt.Errorf("load kdf params: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return kdf.Params{}, fmt.Errorf("read kdf params: %w", err)
	}
	var params kdf.Params
	if err := json.Unmarshal(data, &params); err != nil {
		return kdf.Params{}, fmt.Errorf("%w: malformed kdf-params marker: %v", engineerr.ErrCorrupt, err)
	}
	return params, nil
}

func (r *Repository) loadChunkIndex(ctx context.Context) (*index.ChunkIndex, error) {
	data, err := r.getDecoded(ctx, r.chunkIndexKey())
	if err != nil {
		if isNotFound(err) {
			return index.NewChunkIndex(), nil
		}
		return nil, err
	}
	var snapshot map[string]uint64
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: malformed chunk index: %v", engineerr.ErrCorrupt, err)
	}
	return index.LoadChunkIndex(snapshot), nil
}

func (r *Repository) loadBackupIndex(ctx context.Context) (*index.BackupIndex, error) {
	data, err := r.getDecoded(ctx, r.backupIndexKey())
	if err != nil {
		if isNotFound(err) {
			return index.NewBackupIndex(), nil
		}
		return nil, err
	}
	var entries []index.BackupEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: malformed backup index: %v", engineerr.ErrCorrupt, err)
	}
	return index.LoadBackupIndex(entries), nil
}

func (r *Repository) getDecoded(ctx context.Context, key string) ([]byte, error) {
	rc, err := r.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	blob, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return codec.Decode(blob, key, r.CodecOpts)
}

func (r *Repository) putEncoded(ctx context.Context, key string, data []byte) error {
	blob, err := codec.Encode(data, key, r.CodecOpts)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.Backend.Put(ctx, key, bytes.NewReader(blob), int64(len(blob)))
}

// PersistChunkIndex writes the current chunk index snapshot.
func (r *Repository) PersistChunkIndex(ctx context.Context) error {
	data, err := json.Marshal(r.ChunkIdx.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal chunk index: %w", err)
	}
	return r.putEncoded(ctx, r.chunkIndexKey(), data)
}

// PersistBackupIndex writes the current backup index in full.
func (r *Repository) PersistBackupIndex(ctx context.Context) error {
	data, err := json.Marshal(r.BackupIdx.List())
	if err != nil {
		return fmt.Errorf("marshal backup index: %w", err)
	}
	return r.putEncoded(ctx, r.backupIndexKey(), data)
}

// Lock acquires the repository's exclusive writer lock via conditional put.
// Returns engineerr.ErrLocked if another writer already holds it.
func (r *Repository) Lock(ctx context.Context, owner string) error {
	sentinel := lockSentinel{AcquiredUnix: time.Now().Unix(), Owner: owner}
	data, err := json.Marshal(sentinel)
	if err != nil {
		return fmt.Errorf("marshal lock sentinel: %w", err)
	}
	err = r.Backend.PutIfAbsent(ctx, r.lockKey(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrLocked, err)
	}
	return nil
}

// Unlock releases the writer lock on a graceful exit.
func (r *Repository) Unlock(ctx context.Context) error {
	return r.Backend.Delete(ctx, r.lockKey())
}

// LockStatus reports whether a lock is held and, if so, whether it is
// stale (older than one hour), for `log`/`whoami` diagnostics.
func (r *Repository) LockStatus(ctx context.Context) (held bool, stale bool, err error) {
	rc, err := r.Backend.Get(ctx, r.lockKey())
	if err != nil {
		if isNotFound(err) {
			return false, false, nil
		}
		return false, false, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return true, false, fmt.Errorf("read lock sentinel: %w", err)
	}
	var sentinel lockSentinel
	if err := json.Unmarshal(data, &sentinel); err != nil {
		return true, true, nil
	}
	age := time.Since(time.Unix(sentinel.AcquiredUnix, 0))
	return true, age > staleLockAfter, nil
}

// ForceUnlock removes the lock sentinel regardless of age. Prune calls this
// to recover from a crashed writer that never released the lock.
func (r *Repository) ForceUnlock(ctx context.Context) error {
	return r.Backend.Delete(ctx, r.lockKey())
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, engineerr.ErrNotFound)
}
