// Package backup implements the backup pipeline: walk, chunk, dedup,
// codec-encode, upload, with bounded concurrency and at-most-one concurrent
// upload per chunk-id. The walk stays single-threaded for deterministic
// manifest ordering, so chunk submission is non-blocking for new chunk-ids
// and only waits when a chunk-id is already mid-upload, keeping the N
// upload workers fed instead of serialized behind the walker.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/kenneth/backupvault/internal/chunker"
	"github.com/kenneth/backupvault/internal/codec"
	"github.com/kenneth/backupvault/internal/debug"
	"github.com/kenneth/backupvault/internal/engineerr"
	"github.com/kenneth/backupvault/internal/index"
	"github.com/kenneth/backupvault/internal/manifest"
	"github.com/kenneth/backupvault/internal/metrics"
	"github.com/kenneth/backupvault/internal/repository"
	"github.com/kenneth/backupvault/internal/storage"
)

// Options configures one backup run.
type Options struct {
	SourceDir        string
	Message          string
	Author           string
	ChunkSize        int
	CompressionLevel int
	Concurrency      int
	Logger           *logrus.Logger
	// Metrics, when non-nil, receives per-chunk instrumentation (new and
	// deduplicated chunks); buffer-pool counters are not reported to it.
	Metrics *metrics.Metrics
}

// concurrency clamps to [2, 32], defaulting to NumCPU.
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

// Result summarizes a completed backup.
type Result struct {
	BackupID     string
	ChunksNew    int
	ChunksDedup  int
	TotalBytes   uint64
	FilesWritten int
}

// uploadTask is one chunk awaiting the codec-encode + storage-put stage.
type uploadTask struct {
	id        string
	plaintext []byte
	entry     *inflightChunk
}

// inflightChunk tracks one chunk-id's upload so concurrent sightings of the
// same id (repeated content within or across files) can wait for the single
// upload in progress instead of starting their own.
type inflightChunk struct {
	done chan struct{}
	err  error
}

// Run executes one backup of opts.SourceDir into repo, returning the
// resulting manifest's backup-id.
func Run(ctx context.Context, repo *repository.Repository, opts Options) (*Result, error) {
	log := opts.logger().WithField("component", "backup")

	if err := repo.Lock(ctx, hostOwner()); err != nil {
		return nil, err
	}
	defer func() {
		// release with a fresh context so an interrupted run still unlocks
		if err := repo.Unlock(context.Background()); err != nil {
			log.WithError(err).Warn("failed to release repository lock")
		}
	}()

	entries, totalBytes, chunkStats, err := walkAndUpload(ctx, repo, opts, log)
	if err != nil {
		return nil, err
	}

	manifest.SortEntries(entries)
	m := &manifest.Manifest{
		FormatVersion:    manifest.CurrentFormatVersion,
		Author:           opts.Author,
		TimestampUnix:    uint64(time.Now().Unix()),
		Message:          opts.Message,
		RepositoryKey:    repo.Key,
		ChunkSize:        uint64(opts.ChunkSize),
		CompressionLevel: uint8(opts.CompressionLevel),
		Encrypted:        repo.CodecOpts.Password != nil,
		TotalBytes:       totalBytes,
		RootPath:         filepath.Base(opts.SourceDir),
		Entries:          entries,
	}

	encoded, err := manifest.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	backupID := chunker.ChunkID(encoded)

	manifestCodecOpts := repo.CodecOpts
	manifestCodecOpts.Level = opts.CompressionLevel
	blob, err := codec.Encode(encoded, backupID, manifestCodecOpts)
	if err != nil {
		return nil, fmt.Errorf("encode manifest envelope: %w", err)
	}
	if err := repo.Backend.Put(ctx, repo.ManifestKey(backupID), bytes.NewReader(blob), int64(len(blob))); err != nil {
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	// Chunks are already uploaded; now the chunk index, then the backup
	// index, so a crash between these leaves orphan chunks but never a
	// dangling manifest reference.
	if err := repo.PersistChunkIndex(ctx); err != nil {
		return nil, fmt.Errorf("persist chunk index: %w", err)
	}
	repo.BackupIdx.Append(index.BackupEntry{
		BackupID:      backupID,
		TimestampUnix: m.TimestampUnix,
		Author:        m.Author,
		Message:       m.Message,
		TotalBytes:    m.TotalBytes,
	})
	if err := repo.PersistBackupIndex(ctx); err != nil {
		return nil, fmt.Errorf("persist backup index: %w", err)
	}

	log.WithFields(logrus.Fields{
		"backup_id":   backupID,
		"total_bytes": totalBytes,
		"files":       len(entries),
	}).Info("backup complete")

	return &Result{
		BackupID:     backupID,
		ChunksNew:    int(chunkStats.new),
		ChunksDedup:  int(chunkStats.dedup),
		TotalBytes:   totalBytes,
		FilesWritten: len(entries),
	}, nil
}

// chunkStats tallies chunk outcomes across all worker goroutines of one
// backup run.
type chunkStats struct {
	new   int64
	dedup int64
}

func hostOwner() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// walkAndUpload drives the walk → chunk → dedup → upload stages, returning
// one FileEntry per regular file, directory, and symlink encountered.
//
// The walk itself is single-threaded (directory order must be deterministic,
// see sortedWalk), so chunk submission cannot also block on its own upload
// completing or the N upload workers would sit idle while the walker waits
// on them one chunk at a time. submitChunk therefore only blocks a caller
// when the same chunk-id is already being uploaded by someone else; a brand
// new id is hand off to a worker and the walk continues immediately. Upload
// failures are reported back through onError/pipelineErr rather than a
// return value, and cancel childCtx so the remaining queue drains quickly.
func walkAndUpload(ctx context.Context, repo *repository.Repository, opts Options, log *logrus.Entry) ([]manifest.FileEntry, uint64, chunkStats, error) {
	concurrency := opts.concurrency()
	tasks := make(chan uploadTask, concurrency*2)
	pool := codec.NewBufferPool(opts.ChunkSize)

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var inFlightMu sync.Mutex
	inFlight := make(map[string]*inflightChunk)
	var stats chunkStats

	var errMu sync.Mutex
	var pipelineErr error
	onError := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if pipelineErr == nil {
			pipelineErr = err
			cancel()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uploadWorker(childCtx, repo, opts, tasks, pool, &inFlightMu, inFlight, &stats, onError, log)
		}()
	}

	var entries []manifest.FileEntry
	var totalBytes uint64
	var walkErr error

	paths, err := sortedWalk(opts.SourceDir)
	if err != nil {
		close(tasks)
		wg.Wait()
		return nil, 0, stats, fmt.Errorf("walk source tree: %w", err)
	}

	for _, p := range paths {
		if childCtx.Err() != nil {
			break
		}
		entry, size, err := processPath(childCtx, repo, opts, p, tasks, pool, &inFlightMu, inFlight, &stats, log)
		if err != nil {
			walkErr = err
			break
		}
		if entry != nil {
			entries = append(entries, *entry)
			totalBytes += size
		}
	}

	close(tasks)
	wg.Wait()

	errMu.Lock()
	pe := pipelineErr
	errMu.Unlock()

	if walkErr != nil {
		return nil, 0, stats, walkErr
	}
	if pe != nil {
		return nil, 0, stats, pe
	}
	if ctx.Err() != nil {
		return nil, 0, stats, fmt.Errorf("%w: %v", engineerr.ErrCancelled, ctx.Err())
	}
	return entries, totalBytes, stats, nil
}

type walkedPath struct {
	abs, rel string
	info     fs.FileInfo
}

// sortedWalk performs a depth-first traversal with children sorted
// lexicographically by byte value, so manifest order is reproducible.
func sortedWalk(root string) ([]walkedPath, error) {
	var out []walkedPath
	var visit func(dir, rel string) error
	visit = func(dir, rel string) error {
		children, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
		for _, c := range children {
			abs := filepath.Join(dir, c.Name())
			// manifest paths are NFC-normalized so the same tree produces
			// the same entries regardless of the source filesystem's form
			name := norm.NFC.String(c.Name())
			r := name
			if rel != "" {
				r = rel + "/" + name
			}
			info, err := c.Info()
			if err != nil {
				return err
			}
			out = append(out, walkedPath{abs: abs, rel: r, info: info})
			if c.IsDir() {
				if err := visit(abs, r); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := visit(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func processPath(
	ctx context.Context,
	repo *repository.Repository,
	opts Options,
	wp walkedPath,
	tasks chan<- uploadTask,
	pool *codec.BufferPool,
	inFlightMu *sync.Mutex,
	inFlight map[string]*inflightChunk,
	stats *chunkStats,
	log *logrus.Entry,
) (*manifest.FileEntry, uint64, error) {
	mode := wp.info.Mode()

	switch {
	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(wp.abs)
		if err != nil {
			return nil, 0, fmt.Errorf("readlink %s: %w", wp.rel, err)
		}
		return &manifest.FileEntry{
			Path:       wp.rel,
			Kind:       manifest.KindSymlink,
			Mode:       0644,
			LinkTarget: target,
		}, 0, nil

	case wp.info.IsDir():
		return &manifest.FileEntry{
			Path: wp.rel,
			Kind: manifest.KindDir,
			Mode: unixModeBits(mode, 0755),
		}, 0, nil

	case mode.IsRegular():
		f, err := os.Open(wp.abs)
		if err != nil {
			return nil, 0, fmt.Errorf("open %s: %w", wp.rel, err)
		}
		defer f.Close()

		var chunkIDs []string
		var size uint64
		err = chunker.Split(f, opts.ChunkSize, func(c chunker.Chunk) error {
			chunkIDs = append(chunkIDs, c.ID)
			size += uint64(len(c.Bytes))
			return submitChunk(ctx, repo, opts, c, tasks, pool, inFlightMu, inFlight, stats)
		})
		if err != nil {
			return nil, 0, fmt.Errorf("chunk %s: %w", wp.rel, err)
		}
		return &manifest.FileEntry{
			Path:   wp.rel,
			Kind:   manifest.KindFile,
			Mode:   unixModeBits(mode, 0644),
			Size:   size,
			Chunks: chunkIDs,
		}, size, nil

	default:
		log.WithField("path", wp.rel).Warn("skipping non-regular, non-directory, non-symlink entry")
		return nil, 0, nil
	}
}

func unixModeBits(mode fs.FileMode, fallback uint16) uint16 {
	if mode&os.ModePerm == 0 {
		return fallback
	}
	return uint16(mode.Perm())
}

// submitChunk enforces at-most-one concurrent upload per chunk-id across
// the whole backup. A chunk already present in the repository's chunk index
// (from this backup or an earlier one) is deduped immediately. A chunk
// already being uploaded by a worker this run is waited on. A genuinely new
// chunk is handed to a worker and submitChunk returns without waiting for
// the upload to finish, so the single-threaded walker can keep chunking
// ahead of the uploaders; upload failures surface through onError instead.
func submitChunk(
	ctx context.Context,
	repo *repository.Repository,
	opts Options,
	c chunker.Chunk,
	tasks chan<- uploadTask,
	pool *codec.BufferPool,
	inFlightMu *sync.Mutex,
	inFlight map[string]*inflightChunk,
	stats *chunkStats,
) error {
	if repo.ChunkIdx.Contains(c.ID) {
		repo.ChunkIdx.AddReference(c.ID)
		atomic.AddInt64(&stats.dedup, 1)
		if opts.Metrics != nil {
			opts.Metrics.RecordChunkDedup(int64(len(c.Bytes)))
		}
		return nil
	}

	inFlightMu.Lock()
	if entry, busy := inFlight[c.ID]; busy {
		inFlightMu.Unlock()
		select {
		case <-entry.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if entry.err == nil {
			repo.ChunkIdx.AddReference(c.ID)
			atomic.AddInt64(&stats.dedup, 1)
			if opts.Metrics != nil {
				opts.Metrics.RecordChunkDedup(int64(len(c.Bytes)))
			}
		}
		return entry.err
	}
	entry := &inflightChunk{done: make(chan struct{})}
	inFlight[c.ID] = entry
	inFlightMu.Unlock()

	// the chunker reuses its read buffer, so the task gets a pooled copy
	plaintext := pool.Get(len(c.Bytes))
	copy(plaintext, c.Bytes)

	select {
	case tasks <- uploadTask{id: c.ID, plaintext: plaintext, entry: entry}:
	case <-ctx.Done():
		inFlightMu.Lock()
		delete(inFlight, c.ID)
		inFlightMu.Unlock()
		pool.Put(plaintext)
		entry.err = ctx.Err()
		close(entry.done)
		return ctx.Err()
	}
	return nil
}

// uploadWorker is one of N concurrent codec-encode + storage-put workers,
// retrying transient backend failures with exponential backoff and full
// jitter. Each task's outcome is recorded on its inflightChunk and
// broadcast to any waiters via entry.done.
func uploadWorker(
	ctx context.Context,
	repo *repository.Repository,
	opts Options,
	tasks <-chan uploadTask,
	pool *codec.BufferPool,
	inFlightMu *sync.Mutex,
	inFlight map[string]*inflightChunk,
	stats *chunkStats,
	onError func(error),
	log *logrus.Entry,
) {
	for task := range tasks {
		stored, err := uploadChunk(ctx, repo, opts, task.id, task.plaintext)
		if err == nil {
			repo.ChunkIdx.AddReference(task.id)
			atomic.AddInt64(&stats.new, 1)
			if opts.Metrics != nil {
				opts.Metrics.RecordChunkNew(int64(len(task.plaintext)), int64(stored))
			}
			if debug.Enabled() {
				log.WithFields(logrus.Fields{
					"chunk_id":     task.id,
					"logical_size": len(task.plaintext),
					"stored_size":  stored,
				}).Debug("chunk uploaded")
			}
		} else {
			onError(err)
		}
		pool.Put(task.plaintext)

		task.entry.err = err
		close(task.entry.done)

		inFlightMu.Lock()
		delete(inFlight, task.id)
		inFlightMu.Unlock()
	}
}

func uploadChunk(ctx context.Context, repo *repository.Repository, opts Options, id string, plaintext []byte) (int, error) {
	codecOpts := repo.CodecOpts
	codecOpts.Level = opts.CompressionLevel
	blob, err := codec.Encode(plaintext, id, codecOpts)
	if err != nil {
		return 0, fmt.Errorf("encode chunk %s: %w", id, err)
	}

	const maxAttempts = 5
	const baseDelay = 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := fullJitterBackoff(baseDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		lastErr = repo.Backend.Put(ctx, repo.ChunkKey(id), bytes.NewReader(blob), int64(len(blob)))
		if lastErr == nil {
			return len(blob), nil
		}
		if !storage.IsRetriable(lastErr) {
			return 0, lastErr
		}
	}
	return 0, fmt.Errorf("upload chunk %s after %d attempts: %w", id, maxAttempts, lastErr)
}

func fullJitterBackoff(base time.Duration, attempt int) time.Duration {
	ceiling := base * time.Duration(1<<uint(attempt-1))
	if ceiling <= 0 {
		return base
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

