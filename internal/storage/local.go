package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kenneth/backupvault/internal/engineerr"
)

// LocalBackend maps storage keys to paths under a root directory. Put
// achieves atomic visibility via temp-file-then-rename: a key is either
// fully present or absent, never half written.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a local filesystem backend rooted at root,
// creating the directory if it does not exist.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

func (b *LocalBackend) pathFor(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	return b.put(key, r, false)
}

func (b *LocalBackend) PutIfAbsent(ctx context.Context, key string, r io.Reader, size int64) error {
	return b.put(key, r, true)
}

func (b *LocalBackend) put(key string, r io.Reader, ifAbsent bool) error {
	dst := b.pathFor(key)
	if ifAbsent {
		if _, err := os.Stat(dst); err == nil {
			return fmt.Errorf("%w: key %q already exists", engineerr.ErrBackendFatal, key)
		}
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if ifAbsent {
		if err := os.Link(tmpName, dst); err != nil {
			if os.IsExist(err) {
				return fmt.Errorf("%w: key %q already exists", engineerr.ErrBackendFatal, key)
			}
			return fmt.Errorf("link temp file: %w", err)
		}
		return nil
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (b *LocalBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: key %q", engineerr.ErrNotFound, key)
		}
		return nil, fmt.Errorf("open %q: %w", key, err)
	}
	return f, nil
}

func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.pathFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", key, err)
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	base := b.pathFor(prefix)
	var keys []string

	walkRoot := base
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		// prefix is not itself a directory; walk the parent and filter.
		walkRoot = filepath.Dir(base)
	}

	err := filepath.Walk(walkRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".tmp-") {
			// leftover from an interrupted put
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
