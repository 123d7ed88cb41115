package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kenneth/backupvault/internal/repository"
	"github.com/kenneth/backupvault/internal/restore"
	"github.com/kenneth/backupvault/internal/storage"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestRun_DedupCounts covers the "small edit dedup" scenario: a file made of
// four identical 4-byte chunks should upload exactly one new chunk and
// dedup the other three, even though uploads run concurrently across many
// workers (see walkAndUpload's doc comment).
func TestRun_DedupCounts(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()

	repeated := bytes.Repeat([]byte{0x42}, 4)
	content := bytes.Repeat(repeated, 4) // 4 identical 4-byte chunks
	writeFile(t, filepath.Join(src, "repeated.bin"), content)

	backend := storage.NewMemoryBackend()
	repo, err := repository.Open(ctx, backend, "repo", nil, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	result, err := Run(ctx, repo, Options{
		SourceDir:   src,
		Author:      "test",
		ChunkSize:   4,
		Concurrency: 8,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.ChunksNew != 1 {
		t.Errorf("expected exactly 1 new chunk, got %d", result.ChunksNew)
	}
	if result.ChunksDedup != 3 {
		t.Errorf("expected exactly 3 deduped chunks, got %d", result.ChunksDedup)
	}
	if result.TotalBytes != uint64(len(content)) {
		t.Errorf("expected total bytes %d, got %d", len(content), result.TotalBytes)
	}
}

// TestRun_SecondBackupDedupsAgainstFirst covers cross-backup dedup: running
// a second, unmodified backup against the same repository must reference
// every chunk from the index rather than re-uploading.
func TestRun_SecondBackupDedupsAgainstFirst(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), bytes.Repeat([]byte("x"), 20))
	writeFile(t, filepath.Join(src, "nested", "b.txt"), bytes.Repeat([]byte("y"), 20))

	backend := storage.NewMemoryBackend()
	repo, err := repository.Open(ctx, backend, "repo", nil, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := Run(ctx, repo, Options{SourceDir: src, Author: "test", ChunkSize: 8, Concurrency: 4})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.ChunksNew == 0 {
		t.Fatal("expected the first backup to upload at least one new chunk")
	}

	countsAfterFirst := repo.ChunkIdx.Snapshot()

	second, err := Run(ctx, repo, Options{SourceDir: src, Author: "test", ChunkSize: 8, Concurrency: 4})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.ChunksNew != 0 {
		t.Errorf("expected the unmodified second backup to upload zero new chunks, got %d", second.ChunksNew)
	}
	if second.ChunksDedup != first.ChunksNew+first.ChunksDedup {
		t.Errorf("expected second backup to dedup all %d chunks, got %d", first.ChunksNew+first.ChunksDedup, second.ChunksDedup)
	}

	for id, n := range repo.ChunkIdx.Snapshot() {
		if n != 2*countsAfterFirst[id] {
			t.Errorf("chunk %s: expected reference count to double from %d, got %d", id, countsAfterFirst[id], n)
		}
	}
}

// TestRun_RestoreRoundTrip exercises backup then restore end to end against
// an in-memory backend, across several files, a subdirectory, and a
// symlink.
func TestRun_RestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()

	fileA := bytes.Repeat([]byte("alpha-content-"), 500)
	fileB := []byte("short file")
	writeFile(t, filepath.Join(src, "a.bin"), fileA)
	writeFile(t, filepath.Join(src, "nested", "b.txt"), fileB)
	if err := os.Symlink("a.bin", filepath.Join(src, "a-link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	backend := storage.NewMemoryBackend()
	repo, err := repository.Open(ctx, backend, "repo", nil, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	result, err := Run(ctx, repo, Options{SourceDir: src, Author: "test", ChunkSize: 64, Concurrency: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dst := t.TempDir()
	restoreRepo, err := repository.Open(ctx, backend, "repo", nil, 3)
	if err != nil {
		t.Fatalf("reopen for restore: %v", err)
	}
	_, err = restore.Run(ctx, restoreRepo, restore.Options{
		BackupPrefix: result.BackupID,
		TargetDir:    dst,
		Concurrency:  4,
	})
	if err != nil {
		t.Fatalf("restore.Run: %v", err)
	}

	gotA, err := os.ReadFile(filepath.Join(dst, "a.bin"))
	if err != nil {
		t.Fatalf("read restored a.bin: %v", err)
	}
	if !bytes.Equal(gotA, fileA) {
		t.Error("restored a.bin does not match original content")
	}

	gotB, err := os.ReadFile(filepath.Join(dst, "nested", "b.txt"))
	if err != nil {
		t.Fatalf("read restored nested/b.txt: %v", err)
	}
	if !bytes.Equal(gotB, fileB) {
		t.Error("restored nested/b.txt does not match original content")
	}

	linkTarget, err := os.Readlink(filepath.Join(dst, "a-link"))
	if err != nil {
		t.Fatalf("readlink restored a-link: %v", err)
	}
	if linkTarget != "a.bin" {
		t.Errorf("expected symlink target a.bin, got %s", linkTarget)
	}
}

func TestRun_EncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	content := bytes.Repeat([]byte("secret-data-"), 200)
	writeFile(t, filepath.Join(src, "secret.bin"), content)

	backend := storage.NewMemoryBackend()
	password := []byte("correct horse battery staple")

	repo, err := repository.Open(ctx, backend, "repo", password, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	result, err := Run(ctx, repo, Options{SourceDir: src, Author: "test", ChunkSize: 64, Concurrency: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dst := t.TempDir()
	restoreRepo, err := repository.Open(ctx, backend, "repo", password, 3)
	if err != nil {
		t.Fatalf("reopen for restore: %v", err)
	}
	if _, err := restore.Run(ctx, restoreRepo, restore.Options{BackupPrefix: result.BackupID, TargetDir: dst, Concurrency: 4}); err != nil {
		t.Fatalf("restore.Run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "secret.bin"))
	if err != nil {
		t.Fatalf("read restored secret.bin: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("restored content does not match original")
	}

	// Wrong password must fail to decode the chunk/backup indexes, so even
	// opening the repository fails before restore gets a chance to run.
	if _, err := repository.Open(ctx, backend, "repo", []byte("wrong password"), 3); err == nil {
		t.Error("expected opening the repository with the wrong password to fail")
	}
}
