package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/kenneth/backupvault/internal/engineerr"
)

func TestMemoryBackend_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	data := []byte("hello backend")
	if err := b.Put(ctx, "key1", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := b.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()

	var got bytes.Buffer
	if _, err := got.ReadFrom(r); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.String() != string(data) {
		t.Errorf("expected %q, got %q", data, got.String())
	}
}

func TestMemoryBackend_GetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	_, err := b.Get(ctx, "missing")
	if !errors.Is(err, engineerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryBackend_Exists(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	ok, err := b.Exists(ctx, "key1")
	if err != nil || ok {
		t.Fatalf("expected key1 to not exist, got ok=%v err=%v", ok, err)
	}

	if err := b.Put(ctx, "key1", bytes.NewReader([]byte("x")), 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = b.Exists(ctx, "key1")
	if err != nil || !ok {
		t.Fatalf("expected key1 to exist, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryBackend_Delete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	_ = b.Put(ctx, "key1", bytes.NewReader([]byte("x")), 1)

	if err := b.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, _ := b.Exists(ctx, "key1")
	if ok {
		t.Error("expected key1 to be gone after Delete")
	}

	if err := b.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("expected deleting an absent key to succeed, got %v", err)
	}
}

func TestMemoryBackend_List(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	_ = b.Put(ctx, "chunks/aa/1", bytes.NewReader([]byte("x")), 1)
	_ = b.Put(ctx, "chunks/aa/2", bytes.NewReader([]byte("x")), 1)
	_ = b.Put(ctx, "chunks/bb/1", bytes.NewReader([]byte("x")), 1)

	keys, err := b.List(ctx, "chunks/aa/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}

func TestMemoryBackend_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	if err := b.PutIfAbsent(ctx, "key1", bytes.NewReader([]byte("first")), 5); err != nil {
		t.Fatalf("first PutIfAbsent: %v", err)
	}

	err := b.PutIfAbsent(ctx, "key1", bytes.NewReader([]byte("second")), 6)
	if err == nil {
		t.Fatal("expected second PutIfAbsent on the same key to fail")
	}

	r, _ := b.Get(ctx, "key1")
	defer r.Close()
	var got bytes.Buffer
	got.ReadFrom(r)
	if got.String() != "first" {
		t.Errorf("expected PutIfAbsent conflict to leave original value, got %q", got.String())
	}
}

func TestIsRetriable(t *testing.T) {
	if IsRetriable(nil) {
		t.Error("expected nil error to not be retriable")
	}
	if !IsRetriable(engineerr.ErrBackendTransient) {
		t.Error("expected ErrBackendTransient to be retriable")
	}
	if IsRetriable(engineerr.ErrBackendFatal) {
		t.Error("expected ErrBackendFatal to not be retriable")
	}
}
