package config

import (
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Audit.Enabled {
		t.Error("expected default config to have audit enabled")
	}
	if cfg.Audit.Sink.Type != "stdout" {
		t.Errorf("expected default sink type stdout, got %s", cfg.Audit.Sink.Type)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.DefaultRepository = "primary"
	cfg.Concurrency = 8
	cfg.Repositories = []RepositoryConfig{
		{Name: "primary", Backend: BackendLocal, Path: "/data/backups", Key: "main"},
		{Name: "offsite", Backend: BackendS3, Bucket: "my-bucket", Key: "main", Region: "us-east-1"},
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.DefaultRepository != "primary" || loaded.Concurrency != 8 {
		t.Errorf("loaded config does not match saved values: %+v", loaded)
	}
	if len(loaded.Repositories) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(loaded.Repositories))
	}
}

func TestFindRepository(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRepository = "primary"
	cfg.Repositories = []RepositoryConfig{
		{Name: "primary", Backend: BackendLocal, Path: "/data"},
		{Name: "secondary", Backend: BackendLocal, Path: "/data2"},
	}

	r, err := cfg.FindRepository("")
	if err != nil {
		t.Fatalf("FindRepository(\"\"): %v", err)
	}
	if r.Name != "primary" {
		t.Errorf("expected default repository primary, got %s", r.Name)
	}

	r, err = cfg.FindRepository("secondary")
	if err != nil {
		t.Fatalf("FindRepository(secondary): %v", err)
	}
	if r.Path != "/data2" {
		t.Errorf("expected path /data2, got %s", r.Path)
	}

	if _, err := cfg.FindRepository("nonexistent"); err == nil {
		t.Error("expected an error for an unknown repository name")
	}
}

func TestFindRepository_NoDefaultNoName(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := cfg.FindRepository(""); err == nil {
		t.Error("expected an error when neither a name nor a default is configured")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("DefaultPath: %v", err)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("expected config.yaml as the file name, got %s", path)
	}
}
