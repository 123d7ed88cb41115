// Command backupvault is the CLI entry point for the backup engine: a thin
// dispatcher over the backup/restore/prune pipelines, built with the
// standard library flag package.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/backupvault/internal/audit"
	"github.com/kenneth/backupvault/internal/backup"
	"github.com/kenneth/backupvault/internal/config"
	"github.com/kenneth/backupvault/internal/debug"
	"github.com/kenneth/backupvault/internal/engineerr"
	"github.com/kenneth/backupvault/internal/metrics"
	"github.com/kenneth/backupvault/internal/prune"
	"github.com/kenneth/backupvault/internal/repository"
	"github.com/kenneth/backupvault/internal/restore"
	"github.com/kenneth/backupvault/internal/statusserver"
	"github.com/kenneth/backupvault/internal/storage"
)

const (
	exitSuccess       = 0
	exitUserError     = 1
	exitRepositoryErr = 2
	exitIOErr         = 3
	exitAuthErr       = 4
	exitInterrupted   = 130
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUserError)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("received interrupt signal, cancelling current operation")
		cancel()
	}()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "backup":
		err = runBackup(ctx, args, logger)
	case "restore":
		err = runRestore(ctx, args, logger)
	case "log":
		err = runLog(ctx, args, logger)
	case "storage":
		err = runStorage(ctx, args, logger)
	case "config":
		err = runConfigShow(args)
	case "whoami":
		err = runWhoami(args)
	case "-h", "--help", "help":
		usage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", cmd)
		usage()
		os.Exit(exitUserError)
	}

	if err == nil {
		os.Exit(exitSuccess)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, engineerr.ErrCancelled) {
		logger.WithError(err).Warn("operation interrupted")
		os.Exit(exitInterrupted)
	}

	logger.WithError(err).Error("operation failed")
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, engineerr.ErrUserInput):
		return exitUserError
	case errors.Is(err, engineerr.ErrAuthFailed),
		errors.Is(err, engineerr.ErrWrongPassword),
		errors.Is(err, engineerr.ErrMissingPassword):
		return exitAuthErr
	case errors.Is(err, engineerr.ErrBackendFatal),
		errors.Is(err, engineerr.ErrBackendTransient):
		return exitIOErr
	case errors.Is(err, engineerr.ErrNotFound),
		errors.Is(err, engineerr.ErrAmbiguousBackup),
		errors.Is(err, engineerr.ErrCorrupt),
		errors.Is(err, engineerr.ErrInconsistentRepository),
		errors.Is(err, engineerr.ErrLocked):
		return exitRepositoryErr
	default:
		return exitRepositoryErr
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `backupvault: content-addressed, deduplicating backup engine

Usage:
  backupvault backup    --storage NAME --root-path PATH [--key KEY] [--message MSG] [--password PASS] [--compress N] [--chunk-size BYTES] [--concurrency N] [--author WHO]
  backupvault restore   --storage NAME --backup PREFIX --target-path PATH [--key KEY] [--password PASS] [--continue-on-error]
  backupvault log       --storage NAME [--key KEY]
  backupvault storage add    --name NAME --backend {local|s3} [--path DIR | --bucket BUCKET] [--key KEY] [...]
  backupvault storage list
  backupvault storage remove --name NAME
  backupvault storage delete --storage NAME --backup PREFIX [--key KEY] [--password PASS]
  backupvault storage prune  --storage NAME [--key KEY] [--password PASS] [--repair]
  backupvault config    [--author-name NAME] [--author-email EMAIL]
  backupvault whoami`)
}

func loadClientConfig() (*config.Config, string, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	return cfg, path, nil
}

func resolveBackend(ctx context.Context, storageName string) (storage.Backend, config.RepositoryConfig, error) {
	cfg, _, err := loadClientConfig()
	if err != nil {
		return nil, config.RepositoryConfig{}, err
	}
	repoCfg, err := cfg.FindRepository(storageName)
	if err != nil {
		return nil, config.RepositoryConfig{}, fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}

	switch repoCfg.Backend {
	case config.BackendLocal:
		b, err := storage.NewLocalBackend(repoCfg.Path)
		if err != nil {
			return nil, repoCfg, fmt.Errorf("%w: %v", engineerr.ErrBackendFatal, err)
		}
		return b, repoCfg, nil
	case config.BackendS3:
		b, err := storage.NewS3Backend(ctx, storage.S3Config{
			Bucket:   repoCfg.Bucket,
			Region:   repoCfg.Region,
			Endpoint: repoCfg.Endpoint,
			Provider: repoCfg.Provider,
		})
		if err != nil {
			return nil, repoCfg, fmt.Errorf("%w: %v", engineerr.ErrBackendFatal, err)
		}
		return b, repoCfg, nil
	default:
		return nil, repoCfg, fmt.Errorf("%w: unknown backend type %q for storage %q", engineerr.ErrUserInput, repoCfg.Backend, storageName)
	}
}

func openRepository(ctx context.Context, storageName, key, password string, level int, repair bool) (*repository.Repository, config.RepositoryConfig, error) {
	backend, repoCfg, err := resolveBackend(ctx, storageName)
	if err != nil {
		return nil, repoCfg, err
	}
	if key == "" {
		key = repoCfg.Key
	}
	if level == 0 {
		level = repoCfg.CompressionLevel
	}

	var pw []byte
	if password != "" {
		pw = []byte(password)
	}

	open := repository.Open
	if repair {
		open = repository.OpenForRepair
	}
	repo, err := open(ctx, backend, key, pw, level)
	if err != nil {
		return nil, repoCfg, err
	}
	return repo, repoCfg, nil
}

func runBackup(ctx context.Context, args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	storageName := fs.String("storage", "", "named storage target from client config")
	key := fs.String("key", "", "repository key prefix (overrides client config)")
	message := fs.String("message", "", "backup message")
	password := fs.String("password", "", "repository password; empty disables encryption")
	compress := fs.Int("compress", 0, "zstd compression level 1-22 (overrides client config)")
	chunkSize := fs.Int("chunk-size", 5*1024*1024, "chunk size in bytes")
	rootPath := fs.String("root-path", "", "directory to back up")
	concurrency := fs.Int("concurrency", 0, "worker concurrency (0 = auto)")
	author := fs.String("author", "", "author override (default from client config)")
	auditAddr := fs.String("metrics-addr", "", "optional host:port to expose /health, /ready, /live, /metrics")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *storageName == "" || *rootPath == "" {
		return fmt.Errorf("%w: --storage and --root-path are required", engineerr.ErrUserInput)
	}
	if *chunkSize < 1*1024*1024 || *chunkSize > 1*1024*1024*1024 {
		return fmt.Errorf("%w: --chunk-size must be between 1MiB and 1GiB", engineerr.ErrUserInput)
	}
	if *compress < 0 || *compress > 22 {
		return fmt.Errorf("%w: --compress must be between 1 and 22", engineerr.ErrUserInput)
	}

	repo, _, err := openRepository(ctx, *storageName, *key, *password, *compress, false)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	auditLogger := newAuditLogger(logger)
	defer auditLogger.Close()
	stopStatus := maybeStartStatusServer(*auditAddr, logger, m, repo)
	defer stopStatus()

	start := time.Now()
	result, err := backup.Run(ctx, repo, backup.Options{
		SourceDir:        *rootPath,
		Message:          *message,
		Author:           resolveAuthor(*author),
		ChunkSize:        *chunkSize,
		CompressionLevel: *compress,
		Concurrency:      *concurrency,
		Logger:           logger,
		Metrics:          m,
	})
	duration := time.Since(start)
	m.RecordBackupOperation(ctx, "backup", duration)
	auditLogger.LogBackup(repo.Key, backupIDOrEmpty(result), err == nil, err, duration, map[string]interface{}{
		"root_path": *rootPath,
	})
	if err != nil {
		return err
	}

	fmt.Printf("backup %s complete: %d files written, %d new chunks, %d deduped, %d bytes\n",
		result.BackupID, result.FilesWritten, result.ChunksNew, result.ChunksDedup, result.TotalBytes)
	return nil
}

func runRestore(ctx context.Context, args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	storageName := fs.String("storage", "", "named storage target from client config")
	key := fs.String("key", "", "repository key prefix (overrides client config)")
	backupPrefix := fs.String("backup", "", "backup-id prefix to restore")
	password := fs.String("password", "", "repository password")
	targetPath := fs.String("target-path", "", "directory to restore into")
	concurrency := fs.Int("concurrency", 0, "worker concurrency (0 = auto)")
	continueOnError := fs.Bool("continue-on-error", false, "keep restoring remaining files after one fails")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *storageName == "" || *backupPrefix == "" || *targetPath == "" {
		return fmt.Errorf("%w: --storage, --backup, and --target-path are required", engineerr.ErrUserInput)
	}

	repo, _, err := openRepository(ctx, *storageName, *key, *password, 0, false)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	auditLogger := newAuditLogger(logger)
	defer auditLogger.Close()

	start := time.Now()
	result, err := restore.Run(ctx, repo, restore.Options{
		BackupPrefix:    *backupPrefix,
		TargetDir:       *targetPath,
		Concurrency:     *concurrency,
		ContinueOnError: *continueOnError,
		Logger:          logger,
	})
	duration := time.Since(start)
	m.RecordBackupOperation(ctx, "restore", duration)
	backupID := *backupPrefix
	if result != nil {
		backupID = result.BackupID
	}
	auditLogger.LogRestore(repo.Key, backupID, err == nil, err, duration, map[string]interface{}{
		"target_path": *targetPath,
	})
	if err != nil {
		return err
	}

	fmt.Printf("restore %s complete: %d files, %d dirs, %d symlinks\n",
		result.BackupID, result.FilesRestored, result.DirsRestored, result.LinksRestored)
	return nil
}

func runLog(ctx context.Context, args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	storageName := fs.String("storage", "", "named storage target from client config")
	key := fs.String("key", "", "repository key prefix (overrides client config)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *storageName == "" {
		return fmt.Errorf("%w: --storage is required", engineerr.ErrUserInput)
	}

	repo, _, err := openRepository(ctx, *storageName, *key, "", 0, false)
	if err != nil {
		return err
	}

	held, stale, err := repo.LockStatus(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to check repository lock status")
	} else if held {
		warning := "held"
		if stale {
			warning = "held, appears stale (run `storage prune` to clear)"
		}
		fmt.Printf("warning: repository lock is %s\n", warning)
	}

	for _, entry := range repo.BackupIdx.List() {
		fmt.Printf("%s  %s  %s  %d bytes  %s\n",
			entry.BackupID, time.Unix(int64(entry.TimestampUnix), 0).UTC().Format(time.RFC3339),
			entry.Author, entry.TotalBytes, entry.Message)
	}
	return nil
}

func runStorage(ctx context.Context, args []string, logger *logrus.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: storage subcommand required (add, list, remove, prune, delete)", engineerr.ErrUserInput)
	}
	sub := args[0]
	rest := args[1:]

	switch sub {
	case "add":
		return runStorageAdd(rest)
	case "list":
		return runStorageList(rest)
	case "remove":
		return runStorageRemove(rest)
	case "prune":
		return runStoragePrune(ctx, rest, logger)
	case "delete":
		return runStorageDelete(ctx, rest, logger)
	default:
		return fmt.Errorf("%w: unknown storage subcommand %q", engineerr.ErrUserInput, sub)
	}
}

func runStorageAdd(args []string) error {
	fs := flag.NewFlagSet("storage add", flag.ExitOnError)
	name := fs.String("name", "", "name for this storage target")
	backendType := fs.String("backend", "local", "backend type: local or s3")
	path := fs.String("path", "", "local backend root directory")
	bucket := fs.String("bucket", "", "s3 bucket")
	key := fs.String("key", "", "default repository key prefix")
	endpoint := fs.String("endpoint", "", "s3-compatible endpoint")
	region := fs.String("region", "", "s3 region")
	provider := fs.String("provider", "", "s3-compatible provider name")
	chunkSize := fs.Int("chunk-size", 5*1024*1024, "default chunk size in bytes")
	compress := fs.Int("compress", 3, "default zstd compression level")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *name == "" {
		return fmt.Errorf("%w: --name is required", engineerr.ErrUserInput)
	}

	cfg, path_, err := loadClientConfig()
	if err != nil {
		return err
	}
	cfg.Repositories = append(cfg.Repositories, config.RepositoryConfig{
		Name:             *name,
		Backend:          config.BackendType(*backendType),
		Path:             *path,
		Bucket:           *bucket,
		Key:              *key,
		Endpoint:         *endpoint,
		Region:           *region,
		Provider:         *provider,
		ChunkSizeBytes:   *chunkSize,
		CompressionLevel: *compress,
	})
	if cfg.DefaultRepository == "" {
		cfg.DefaultRepository = *name
	}
	if err := config.Save(path_, cfg); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	fmt.Printf("added storage %q\n", *name)
	return nil
}

func runStorageList(args []string) error {
	cfg, _, err := loadClientConfig()
	if err != nil {
		return err
	}
	for _, r := range cfg.Repositories {
		marker := " "
		if r.Name == cfg.DefaultRepository {
			marker = "*"
		}
		fmt.Printf("%s %-20s %-6s key=%s\n", marker, r.Name, r.Backend, r.Key)
	}
	return nil
}

func runStorageRemove(args []string) error {
	fs := flag.NewFlagSet("storage remove", flag.ExitOnError)
	name := fs.String("name", "", "storage name to remove")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *name == "" {
		return fmt.Errorf("%w: --name is required", engineerr.ErrUserInput)
	}

	cfg, path, err := loadClientConfig()
	if err != nil {
		return err
	}
	kept := cfg.Repositories[:0]
	found := false
	for _, r := range cfg.Repositories {
		if r.Name == *name {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return fmt.Errorf("%w: no storage named %q", engineerr.ErrUserInput, *name)
	}
	cfg.Repositories = kept
	if cfg.DefaultRepository == *name {
		cfg.DefaultRepository = ""
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	fmt.Printf("removed storage %q\n", *name)
	return nil
}

func runStoragePrune(ctx context.Context, args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("storage prune", flag.ExitOnError)
	storageName := fs.String("storage", "", "named storage target from client config")
	key := fs.String("key", "", "repository key prefix (overrides client config)")
	password := fs.String("password", "", "repository password")
	repair := fs.Bool("repair", false, "drop dangling chunk-index entries instead of aborting")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *storageName == "" {
		return fmt.Errorf("%w: --storage is required", engineerr.ErrUserInput)
	}

	repo, _, err := openRepository(ctx, *storageName, *key, *password, 0, *repair)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	auditLogger := newAuditLogger(logger)
	defer auditLogger.Close()
	log := logger.WithField("component", "prune")

	start := time.Now()
	result, err := prune.Prune(ctx, repo, *repair, log)
	duration := time.Since(start)
	m.RecordBackupOperation(ctx, "prune", duration)
	var metadata map[string]interface{}
	if result != nil {
		metadata = map[string]interface{}{"orphans_deleted": result.OrphansDeleted, "dangling_found": result.DanglingFound}
	}
	auditLogger.LogPrune(repo.Key, err == nil, err, duration, metadata)
	if err != nil {
		return err
	}

	fmt.Printf("prune complete: %d orphan chunks deleted, %d dangling entries found, %d repaired\n",
		result.OrphansDeleted, result.DanglingFound, result.DanglingFixed)
	return nil
}

func runStorageDelete(ctx context.Context, args []string, logger *logrus.Logger) error {
	fs := flag.NewFlagSet("storage delete", flag.ExitOnError)
	storageName := fs.String("storage", "", "named storage target from client config")
	key := fs.String("key", "", "repository key prefix (overrides client config)")
	password := fs.String("password", "", "repository password")
	backupPrefix := fs.String("backup", "", "backup-id prefix to delete")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}
	if *storageName == "" || *backupPrefix == "" {
		return fmt.Errorf("%w: --storage and --backup are required", engineerr.ErrUserInput)
	}

	repo, _, err := openRepository(ctx, *storageName, *key, *password, 0, false)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	auditLogger := newAuditLogger(logger)
	defer auditLogger.Close()
	log := logger.WithField("component", "delete")

	start := time.Now()
	result, err := prune.Delete(ctx, repo, *backupPrefix, log)
	duration := time.Since(start)
	m.RecordBackupOperation(ctx, "delete", duration)
	backupID := *backupPrefix
	if result != nil {
		backupID = result.BackupID
	}
	auditLogger.LogDelete(repo.Key, backupID, err == nil, err, duration)
	if err != nil {
		return err
	}

	fmt.Printf("deleted backup %s: %d chunks released\n", result.BackupID, result.ChunksReleased)
	return nil
}

func runConfigShow(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	authorName := fs.String("author-name", "", "set the author name recorded in new backups")
	authorEmail := fs.String("author-email", "", "set the author email recorded in new backups")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
	}

	cfg, path, err := loadClientConfig()
	if err != nil {
		return err
	}

	if *authorName != "" || *authorEmail != "" {
		if *authorName != "" {
			cfg.Author.Name = *authorName
		}
		if *authorEmail != "" {
			cfg.Author.Email = *authorEmail
		}
		if err := config.Save(path, cfg); err != nil {
			return fmt.Errorf("%w: %v", engineerr.ErrUserInput, err)
		}
	}

	fmt.Printf("config file: %s\n", path)
	fmt.Printf("author: %s\n", cfg.Author)
	fmt.Printf("default repository: %s\n", cfg.DefaultRepository)
	fmt.Printf("concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("audit: enabled=%v sink=%s\n", cfg.Audit.Enabled, cfg.Audit.Sink.Type)
	return nil
}

func runWhoami(args []string) error {
	fmt.Printf("author: %s\n", resolveAuthor(""))
	return nil
}

// resolveAuthor picks the manifest author: an explicit override wins, then
// the configured identity, then the hostname.
func resolveAuthor(override string) string {
	if override != "" {
		return override
	}
	if cfg, _, err := loadClientConfig(); err == nil {
		if a := cfg.Author.String(); a != "" {
			return a
		}
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}

// discardEvents drops audit events when auditing is disabled in config.
type discardEvents struct{}

func (discardEvents) WriteEvent(*audit.AuditEvent) error { return nil }

// newAuditLogger builds the audit logger from the client config's sink
// settings, falling back to stdout when the config is unreadable.
func newAuditLogger(logger *logrus.Logger) audit.Logger {
	cfg, _, err := loadClientConfig()
	if err != nil {
		return audit.NewLogger(10000, nil)
	}
	if !cfg.Audit.Enabled {
		return audit.NewLogger(1, discardEvents{})
	}
	l, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Warn("bad audit sink config, falling back to stdout")
		return audit.NewLogger(10000, nil)
	}
	return l
}

func backupIDOrEmpty(r *backup.Result) string {
	if r == nil {
		return ""
	}
	return r.BackupID
}

func maybeStartStatusServer(addr string, logger *logrus.Logger, m *metrics.Metrics, repo *repository.Repository) func() {
	if addr == "" {
		return func() {}
	}
	handler := statusserver.NewHandler(logger, m, func(ctx context.Context) error {
		_, err := repo.Backend.Exists(ctx, repo.ManifestKey("healthcheck"))
		return err
	})
	srv := &http.Server{Addr: addr, Handler: handler.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("status server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
