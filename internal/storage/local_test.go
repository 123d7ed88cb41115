package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kenneth/backupvault/internal/engineerr"
)

func newLocal(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(filepath.Join(t.TempDir(), "repo-root"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return b
}

func readAll(t *testing.T, b Backend, key string) []byte {
	t.Helper()
	rc, err := b.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return data
}

func TestLocalBackend_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	data := []byte("local backend payload")
	if err := b.Put(ctx, "chunks/ab/cdef", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if got := readAll(t, b, "chunks/ab/cdef"); !bytes.Equal(got, data) {
		t.Errorf("expected %q, got %q", data, got)
	}
}

func TestLocalBackend_PutOverwritesAtomically(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	if err := b.Put(ctx, "key1", bytes.NewReader([]byte("first")), 5); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := b.Put(ctx, "key1", bytes.NewReader([]byte("second")), 6); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	if got := readAll(t, b, "key1"); string(got) != "second" {
		t.Errorf("expected overwrite to publish the new bytes, got %q", got)
	}
}

// errReader fails mid-stream, standing in for a source file that goes away
// while a put is copying it.
type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("source vanished") }

func TestLocalBackend_FailedPutLeavesNoKey(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	if err := b.Put(ctx, "key1", errReader{}, 10); err == nil {
		t.Fatal("expected Put to fail when the reader errors")
	}

	// the key must be either fully present or absent, never half written
	ok, err := b.Exists(ctx, "key1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("expected no key to be visible after a failed put")
	}

	// and the interrupted temp file must not leak into listings
	keys, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, k := range keys {
		if strings.Contains(k, ".tmp-") {
			t.Errorf("leftover temp file visible in listing: %s", k)
		}
	}
}

func TestLocalBackend_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	if err := b.PutIfAbsent(ctx, "locks/writer", bytes.NewReader([]byte("host-a")), 6); err != nil {
		t.Fatalf("first PutIfAbsent: %v", err)
	}

	err := b.PutIfAbsent(ctx, "locks/writer", bytes.NewReader([]byte("host-b")), 6)
	if !errors.Is(err, engineerr.ErrBackendFatal) {
		t.Fatalf("expected ErrBackendFatal on conflict, got %v", err)
	}

	if got := readAll(t, b, "locks/writer"); string(got) != "host-a" {
		t.Errorf("expected conflict to leave original value, got %q", got)
	}
}

func TestLocalBackend_GetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)
	_, err := b.Get(ctx, "missing")
	if !errors.Is(err, engineerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalBackend_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	if err := b.Put(ctx, "key1", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, "key1"); err != nil {
		t.Errorf("expected second Delete of the same key to succeed, got %v", err)
	}
	if err := b.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("expected deleting an absent key to succeed, got %v", err)
	}
}

func TestLocalBackend_ListShardedPrefix(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	for _, key := range []string{
		"repo/chunks/aa/111",
		"repo/chunks/aa/222",
		"repo/chunks/bb/333",
		"repo/backups/deadbeef",
	} {
		if err := b.Put(ctx, key, bytes.NewReader([]byte("x")), 1); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := b.List(ctx, "repo/chunks/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"repo/chunks/aa/111", "repo/chunks/aa/222", "repo/chunks/bb/333"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(keys), keys)
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("position %d: expected %s, got %s", i, k, keys[i])
		}
	}

	shard, err := b.List(ctx, "repo/chunks/aa/")
	if err != nil {
		t.Fatalf("List shard: %v", err)
	}
	if len(shard) != 2 {
		t.Errorf("expected 2 keys under the aa shard, got %d: %v", len(shard), shard)
	}
}

func TestLocalBackend_ListMissingPrefixIsEmpty(t *testing.T) {
	ctx := context.Background()
	b := newLocal(t)

	keys, err := b.List(ctx, "nothing/here/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty listing, got %v", keys)
	}
}

func TestNewLocalBackend_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does", "not", "exist")
	if _, err := NewLocalBackend(root); err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		t.Errorf("expected root directory to be created, err=%v", err)
	}
}
