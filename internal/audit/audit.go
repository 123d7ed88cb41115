// Package audit records a trail of repository-mutating and -reading
// operations: backup, restore, delete, prune, key rotation, and read-only
// access. Events go to a pluggable EventWriter (stdout, file, HTTP, with
// optional batching) and are retained in a bounded in-memory buffer for
// querying.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/backupvault/internal/config"
)

// EventType represents the kind of repository operation being recorded.
type EventType string

const (
	EventTypeBackup      EventType = "backup"
	EventTypeRestore     EventType = "restore"
	EventTypeDelete      EventType = "delete"
	EventTypePrune       EventType = "prune"
	EventTypeKeyRotation EventType = "key_rotation"
	EventTypeAccess      EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	EventType     EventType              `json:"event_type"`
	Operation     string                 `json:"operation"`
	RepositoryKey string                 `json:"repository_key,omitempty"`
	BackupID      string                 `json:"backup_id,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Duration      time.Duration          `json:"duration_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogBackup logs a backup operation.
	LogBackup(repoKey, backupID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogRestore logs a restore operation.
	LogRestore(repoKey, backupID string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDelete logs a backup deletion.
	LogDelete(repoKey, backupID string, success bool, err error, duration time.Duration)

	// LogPrune logs a prune operation.
	LogPrune(repoKey string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogKeyRotation logs a key-derivation parameter rotation.
	LogKeyRotation(repoKey string, success bool, err error)

	// LogAccess logs a general read-only access (log, whoami, config).
	LogAccess(eventType, repoKey, requestID string, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event, assigning a request id if the caller did not.
func (l *auditLogger) Log(event *AuditEvent) error {
	if event.RequestID == "" {
		event.RequestID = uuid.New().String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogBackup logs a backup operation.
func (l *auditLogger) LogBackup(repoKey, backupID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeBackup,
		Operation:     "backup",
		RepositoryKey: repoKey,
		BackupID:      backupID,
		Success:       success,
		Duration:      duration,
		Metadata:      l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogRestore logs a restore operation.
func (l *auditLogger) LogRestore(repoKey, backupID string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeRestore,
		Operation:     "restore",
		RepositoryKey: repoKey,
		BackupID:      backupID,
		Success:       success,
		Duration:      duration,
		Metadata:      l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogDelete logs a backup deletion.
func (l *auditLogger) LogDelete(repoKey, backupID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeDelete,
		Operation:     "delete",
		RepositoryKey: repoKey,
		BackupID:      backupID,
		Success:       success,
		Duration:      duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogPrune logs a prune operation.
func (l *auditLogger) LogPrune(repoKey string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypePrune,
		Operation:     "prune",
		RepositoryKey: repoKey,
		Success:       success,
		Duration:      duration,
		Metadata:      l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyRotation logs a key-derivation parameter rotation.
func (l *auditLogger) LogKeyRotation(repoKey string, success bool, err error) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeKeyRotation,
		Operation:     "key_rotation",
		RepositoryKey: repoKey,
		Success:       success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogAccess logs a general read-only access.
func (l *auditLogger) LogAccess(eventType, repoKey, requestID string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventType(eventType),
		Operation:     eventType,
		RepositoryKey: repoKey,
		RequestID:     requestID,
		Success:       success,
		Duration:      duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
