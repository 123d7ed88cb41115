// Package config loads the persistent client configuration: author
// identity, named repository targets, default chunk size and compression
// level, and audit sink settings, from a YAML file under the user's
// config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendType identifies which storage.Backend a repository target uses.
type BackendType string

const (
	BackendLocal BackendType = "local"
	BackendS3    BackendType = "s3"
)

// RepositoryConfig describes one named backup target.
type RepositoryConfig struct {
	Name             string      `yaml:"name"`
	Backend          BackendType `yaml:"backend"`
	Path             string      `yaml:"path,omitempty"`             // local backend root
	Bucket           string      `yaml:"bucket,omitempty"`           // s3 backend bucket
	Key              string      `yaml:"key"`                        // repository key prefix within the backend
	Endpoint         string      `yaml:"endpoint,omitempty"`         // s3-compatible endpoint override
	Region           string      `yaml:"region,omitempty"`
	Provider         string      `yaml:"provider,omitempty"`         // aws, minio, wasabi, ...
	ChunkSizeBytes   int         `yaml:"chunk_size_bytes,omitempty"` // default 5 MiB
	CompressionLevel int         `yaml:"compression_level,omitempty"`
}

// SinkConfig describes where an audit logger writes its events.
type SinkConfig struct {
	Type          string            `yaml:"type"` // stdout, file, http
	Endpoint      string            `yaml:"endpoint,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	FilePath      string            `yaml:"file_path,omitempty"`
	BatchSize     int               `yaml:"batch_size,omitempty"`
	FlushInterval time.Duration     `yaml:"flush_interval,omitempty"`
	RetryCount    int               `yaml:"retry_count,omitempty"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff,omitempty"`
}

// AuditConfig configures the audit.Logger used by every pipeline.
type AuditConfig struct {
	Enabled            bool       `yaml:"enabled"`
	Sink               SinkConfig `yaml:"sink"`
	MaxEvents          int        `yaml:"max_events,omitempty"`
	RedactMetadataKeys []string   `yaml:"redact_metadata_keys,omitempty"`
}

// AuthorConfig is the identity recorded into every manifest this client
// produces.
type AuthorConfig struct {
	Name  string `yaml:"name,omitempty"`
	Email string `yaml:"email,omitempty"`
}

// String formats the author the way it is stored in a manifest:
// "Name <email>", degrading gracefully when either part is missing.
func (a AuthorConfig) String() string {
	switch {
	case a.Name != "" && a.Email != "":
		return a.Name + " <" + a.Email + ">"
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return "<" + a.Email + ">"
	default:
		return ""
	}
}

// Config is the top-level persistent client configuration.
type Config struct {
	Author            AuthorConfig       `yaml:"author,omitempty"`
	DefaultRepository string             `yaml:"default_repository,omitempty"`
	Repositories      []RepositoryConfig `yaml:"repositories,omitempty"`
	Concurrency       int                `yaml:"concurrency,omitempty"`
	Audit             AuditConfig        `yaml:"audit"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: 0, // 0 means "use runtime.NumCPU, clamped to [2,32]"
		Audit: AuditConfig{
			Enabled: true,
			Sink: SinkConfig{
				Type: "stdout",
			},
			MaxEvents: 10000,
			RedactMetadataKeys: []string{
				"password",
				"passphrase",
			},
		},
	}
}

// DefaultPath returns the config file location under the user's home
// directory: ~/.config/backupvault/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "backupvault", "config.yaml"), nil
}

// Load reads and parses the YAML config file at path. If path does not
// exist, it returns DefaultConfig() rather than an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// FindRepository looks up a named repository target, or the configured
// default when name is empty.
func (c *Config) FindRepository(name string) (RepositoryConfig, error) {
	if name == "" {
		name = c.DefaultRepository
	}
	if name == "" {
		return RepositoryConfig{}, fmt.Errorf("no repository specified and no default_repository configured")
	}
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, nil
		}
	}
	return RepositoryConfig{}, fmt.Errorf("no repository named %q in config", name)
}
