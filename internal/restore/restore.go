// Package restore implements the restore pipeline: resolve a backup-id
// prefix, fetch the manifest, then materialize directories, files, and
// symlinks in that order so that every path's parent exists before it is
// written. Chunk fetch/decode is bounded-concurrency, mirroring the
// backup pipeline's worker shape.
package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/backupvault/internal/chunker"
	"github.com/kenneth/backupvault/internal/codec"
	"github.com/kenneth/backupvault/internal/engineerr"
	"github.com/kenneth/backupvault/internal/manifest"
	"github.com/kenneth/backupvault/internal/repository"
)

// Options configures one restore run.
type Options struct {
	BackupPrefix string
	TargetDir    string
	Concurrency  int
	// ContinueOnError keeps restoring remaining files after one fails,
	// reporting the failures at the end. Default aborts on first failure.
	ContinueOnError bool
	Logger          *logrus.Logger
}

func (o Options) concurrency() int {
	n := o.Concurrency
	if n == 0 {
		n = runtime.NumCPU()
	}
	if n < 2 {
		n = 2
	}
	if n > 32 {
		n = 32
	}
	return n
}

func (o Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

// Result summarizes a completed restore.
type Result struct {
	BackupID      string
	FilesRestored int
	DirsRestored  int
	LinksRestored int
}

// Run resolves opts.BackupPrefix against repo's backup index, fetches that
// backup's manifest, and materializes it under opts.TargetDir.
func Run(ctx context.Context, repo *repository.Repository, opts Options) (*Result, error) {
	log := opts.logger().WithField("component", "restore")

	entry, err := repo.BackupIdx.FindByPrefix(opts.BackupPrefix)
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

	result := &Result{BackupID: entry.BackupID}

	dirs, files, links := splitEntries(m.Entries)

	for _, d := range dirs {
		if err := materializeDir(opts.TargetDir, d); err != nil {
			return nil, err
		}
		result.DirsRestored++
	}

	if err := materializeFiles(ctx, repo, opts, files, log); err != nil {
		return nil, err
	}
	result.FilesRestored = len(files)

	for _, l := range links {
		if err := materializeSymlink(opts.TargetDir, l); err != nil {
			return nil, err
		}
		result.LinksRestored++
	}

	log.WithFields(logrus.Fields{
		"backup_id": entry.BackupID,
		"files":     result.FilesRestored,
		"dirs":      result.DirsRestored,
		"links":     result.LinksRestored,
	}).Info("restore complete")

	return result, nil
}

// splitEntries partitions manifest entries by kind and sorts directories by
// depth (ascending) so parents are created before children.
func splitEntries(entries []manifest.FileEntry) (dirs, files, links []manifest.FileEntry) {
	for _, e := range entries {
		switch e.Kind {
		case manifest.KindDir:
			dirs = append(dirs, e)
		case manifest.KindFile:
			files = append(files, e)
		case manifest.KindSymlink:
			links = append(links, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, "/") < strings.Count(dirs[j].Path, "/")
	})
	return dirs, files, links
}

func materializeDir(targetDir string, d manifest.FileEntry) error {
	path := filepath.Join(targetDir, filepath.FromSlash(d.Path))
	mode := os.FileMode(d.Mode)
	if mode == 0 {
		mode = 0755
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("create directory %s: %w", d.Path, err)
	}
	return nil
}

func materializeSymlink(targetDir string, l manifest.FileEntry) error {
	path := filepath.Join(targetDir, filepath.FromSlash(l.Path))
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("clear existing entry at %s: %w", l.Path, err)
	}
	if err := os.Symlink(l.LinkTarget, path); err != nil {
		return fmt.Errorf("create symlink %s: %w", l.Path, err)
	}
	return nil
}

type fetchTask struct {
	entry manifest.FileEntry
}

func materializeFiles(ctx context.Context, repo *repository.Repository, opts Options, files []manifest.FileEntry, log *logrus.Entry) error {
	concurrency := opts.concurrency()
	tasks := make(chan fetchTask, concurrency*2)
	errs := make(chan error, len(files))

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// across-file workers each decode their file's chunks through a small
	// read-ahead pipeline; cap it so total decode goroutines stay bounded
	// by roughly 2x the configured concurrency.
	perFileDecode := 2
	if concurrency < 4 {
		perFileDecode = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if err := restoreFile(childCtx, repo, opts.TargetDir, t.entry, perFileDecode); err != nil {
					log.WithError(err).WithField("path", t.entry.Path).Error("file restore failed")
					errs <- err
					if !opts.ContinueOnError {
						cancel()
					}
				}
			}
		}()
	}

	go func() {
		defer close(tasks)
		for _, f := range files {
			select {
			case tasks <- fetchTask{entry: f}:
			case <-childCtx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	var failed int
	var firstErr error
	for err := range errs {
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		if opts.ContinueOnError && failed < len(files) {
			return fmt.Errorf("%d of %d files failed to restore: %w", failed, len(files), firstErr)
		}
		return firstErr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCancelled, ctx.Err())
	}
	return nil
}

// restoreFile fetches entry's chunks in manifest order, decodes them
// through a bounded read-ahead pipeline, and streams them into the target
// file in order, verifying each chunk's decoded plaintext digest before
// writing it.
func restoreFile(ctx context.Context, repo *repository.Repository, targetDir string, entry manifest.FileEntry, decodeConcurrency int) error {
	path := filepath.Join(targetDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", entry.Path, err)
	}

	mode := os.FileMode(entry.Mode)
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", entry.Path, err)
	}
	defer f.Close()

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fetchMu sync.Mutex
	var fetchErr error
	items := make(chan codec.DecodeItem, decodeConcurrency)
	go func() {
		defer close(items)
		for i, chunkID := range entry.Chunks {
			blob, err := fetchChunk(fetchCtx, repo, chunkID)
			if err != nil {
				fetchMu.Lock()
				fetchErr = fmt.Errorf("fetch chunk %s for %s: %w", chunkID, entry.Path, err)
				fetchMu.Unlock()
				cancel()
				return
			}
			select {
			case items <- codec.DecodeItem{Index: i, ChunkID: chunkID, Blob: blob}:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	results := codec.RunDecodePipeline(fetchCtx, items, decodeConcurrency, repo.CodecOpts)

	// decoded chunks arrive in completion order; hold them until their
	// predecessors are written so the file's bytes land in manifest order
	pending := make(map[int][]byte, decodeConcurrency)
	next := 0
	var writeErr error
	for res := range results {
		if writeErr != nil {
			continue
		}
		if res.Err != nil {
			writeErr = fmt.Errorf("decode chunk %s for %s: %w", res.ChunkID, entry.Path, res.Err)
			cancel()
			continue
		}
		if !chunker.VerifyID(res.ChunkID, res.Plaintext) {
			writeErr = fmt.Errorf("%w: chunk %s for %s does not match its digest", engineerr.ErrCorrupt, res.ChunkID, entry.Path)
			cancel()
			continue
		}
		pending[res.Index] = res.Plaintext
		for {
			plaintext, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if _, err := f.Write(plaintext); err != nil {
				writeErr = fmt.Errorf("write chunk for %s: %w", entry.Path, err)
				cancel()
				break
			}
			next++
		}
	}

	if writeErr != nil {
		return writeErr
	}
	fetchMu.Lock()
	fe := fetchErr
	fetchMu.Unlock()
	if fe != nil {
		return fe
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrCancelled, err)
	}
	if next != len(entry.Chunks) {
		return fmt.Errorf("%w: %s truncated at chunk %d of %d", engineerr.ErrCorrupt, entry.Path, next, len(entry.Chunks))
	}

	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("apply mode to %s: %w", entry.Path, err)
	}
	return nil
}

func fetchChunk(ctx context.Context, repo *repository.Repository, chunkID string) ([]byte, error) {
	rc, err := repo.Backend.Get(ctx, repo.ChunkKey(chunkID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
