// Package prune implements backup deletion and orphan-chunk reclamation:
// delete decrements a backup's chunk references and removes its manifest
// and index entry; prune scans storage for chunk objects the index no
// longer references and removes them.
package prune

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/backupvault/internal/codec"
	"github.com/kenneth/backupvault/internal/index"
	"github.com/kenneth/backupvault/internal/manifest"
	"github.com/kenneth/backupvault/internal/repository"
)

// DeleteResult summarizes one delete operation.
type DeleteResult struct {
	BackupID       string
	ChunksReleased int
}

// Delete removes the backup matching prefix: it loads the manifest,
// decrements one reference per chunk occurrence the manifest lists,
// removes the manifest blob and backup-index entry, persists both indexes,
// and deletes any chunk object whose reference count reached zero.
func Delete(ctx context.Context, repo *repository.Repository, prefix string, log *logrus.Entry) (*DeleteResult, error) {
	if err := repo.Lock(ctx, "prune.delete"); err != nil {
		return nil, err
	}
	defer func() {
		if err := repo.Unlock(context.Background()); err != nil {
			log.WithError(err).Warn("failed to release repository lock")
		}
	}()

	entry, err := repo.BackupIdx.FindByPrefix(prefix)
	if err != nil {
		return nil, err
	}

	rc, err := repo.Backend.Get(ctx, repo.ManifestKey(entry.BackupID))
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", entry.BackupID, err)
	}
	blob, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", entry.BackupID, err)
	}
	plaintext, err := codec.Decode(blob, entry.BackupID, repo.CodecOpts)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(plaintext)
	if err != nil {
		return nil, err
	}

	// The backup pipeline adds one reference per chunk occurrence, so the
	// decrement must mirror that: a file made of four identical chunks
	// drops that chunk's count by four when its backup goes away.
	var released []string
	for _, e := range m.Entries {
		for _, id := range e.Chunks {
			if removed := repo.ChunkIdx.RemoveReference(id); removed {
				released = append(released, id)
			}
		}
	}

	if err := repo.Backend.Delete(ctx, repo.ManifestKey(entry.BackupID)); err != nil {
		return nil, fmt.Errorf("delete manifest %s: %w", entry.BackupID, err)
	}
	repo.BackupIdx.Remove(entry.BackupID)

	if err := repo.PersistChunkIndex(ctx); err != nil {
		return nil, fmt.Errorf("persist chunk index: %w", err)
	}
	if err := repo.PersistBackupIndex(ctx); err != nil {
		return nil, fmt.Errorf("persist backup index: %w", err)
	}

	for _, id := range released {
		if err := repo.Backend.Delete(ctx, repo.ChunkKey(id)); err != nil {
			log.WithError(err).WithField("chunk_id", id).Warn("failed to delete released chunk object")
		}
	}

	return &DeleteResult{BackupID: entry.BackupID, ChunksReleased: len(released)}, nil
}

// Result summarizes one prune operation.
type Result struct {
	OrphansDeleted int
	DanglingFound  int
	DanglingFixed  int
}

// Prune reconciles the chunk index against storage: objects under chunks/
// that the index no longer references are deleted; index entries whose
// chunk object is missing are reported as ErrInconsistentRepository unless
// repair is true, in which case the dangling entries are dropped.
// Prune also force-releases a stale or crashed writer lock before running,
// which is the recovery path after a killed backup.
func Prune(ctx context.Context, repo *repository.Repository, repair bool, log *logrus.Entry) (*Result, error) {
	if err := repo.ForceUnlock(ctx); err != nil {
		log.WithError(err).Debug("no stale lock to clear before prune")
	}
	if err := repo.Lock(ctx, "prune"); err != nil {
		return nil, err
	}
	defer func() {
		if err := repo.Unlock(context.Background()); err != nil {
			log.WithError(err).Warn("failed to release repository lock")
		}
	}()

	missing, err := repo.ChunkIdx.Validate(func(id string) (bool, error) {
		return repo.Backend.Exists(ctx, repo.ChunkKey(id))
	})
	if err != nil {
		return nil, err
	}

	result := &Result{DanglingFound: len(missing)}
	if len(missing) > 0 {
		if !repair {
			return result, index.RequireConsistent(missing)
		}
		for _, id := range missing {
			repo.ChunkIdx.Drop(id)
		}
		result.DanglingFixed = len(missing)
	}

	prefix := strings.TrimSuffix(repo.Key, "/") + "/chunks/"
	keys, err := repo.Backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list chunk objects: %w", err)
	}

	for _, key := range keys {
		id := chunkIDFromKey(key)
		if id == "" || repo.ChunkIdx.Contains(id) {
			continue
		}
		if err := repo.Backend.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("delete orphan chunk %s: %w", key, err)
		}
		result.OrphansDeleted++
	}

	if err := repo.PersistChunkIndex(ctx); err != nil {
		return nil, fmt.Errorf("persist chunk index: %w", err)
	}

	return result, nil
}

// chunkIDFromKey reverses Repository.ChunkKey's sharding:
// "<key>/chunks/<xx>/<rest>" -> "<xx><rest>".
func chunkIDFromKey(key string) string {
	idx := strings.LastIndex(key, "/chunks/")
	if idx < 0 {
		return ""
	}
	rest := key[idx+len("/chunks/"):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[0] + parts[1]
}
