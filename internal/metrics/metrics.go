package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	EnableRepositoryLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config Config

	backupOperationsTotal *prometheus.CounterVec
	backupDuration        *prometheus.HistogramVec
	backupErrors          *prometheus.CounterVec

	chunksTotal       *prometheus.CounterVec // result: "new" or "dedup"
	chunkBytes        *prometheus.CounterVec // kind: "logical" or "stored"
	storageOpsTotal   *prometheus.CounterVec
	storageOpDuration *prometheus.HistogramVec
	storageOpErrors   *prometheus.CounterVec

	codecOperations *prometheus.CounterVec
	codecDuration   *prometheus.HistogramVec
	codecErrors     *prometheus.CounterVec

	kdfRotations     *prometheus.CounterVec
	bufferPoolHits   *prometheus.CounterVec
	bufferPoolMisses *prometheus.CounterVec

	activeWorkers               prometheus.Gauge
	goroutines                  prometheus.Gauge
	memoryAllocBytes            prometheus.Gauge
	memorySysBytes              prometheus.Gauge
	hardwareAccelerationEnabled *prometheus.GaugeVec
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableRepositoryLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableRepositoryLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		backupOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_operations_total",
				Help: "Total number of backup/restore/prune/delete operations",
			},
			[]string{"operation"},
		),
		backupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backup_operation_duration_seconds",
				Help:    "Duration of backup/restore/prune/delete operations",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"operation"},
		),
		backupErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_operation_errors_total",
				Help: "Total number of failed backup/restore/prune/delete operations",
			},
			[]string{"operation", "error_type"},
		),
		chunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunks_total",
				Help: "Total number of chunks considered during backup, by outcome",
			},
			[]string{"result"}, // "new" or "dedup"
		),
		chunkBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunk_bytes_total",
				Help: "Total bytes of chunk data, by accounting kind",
			},
			[]string{"kind"}, // "logical" or "stored"
		),
		storageOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of storage backend operations",
			},
			[]string{"operation", "repository"},
		),
		storageOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Storage backend operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "repository"},
		),
		storageOpErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operation_errors_total",
				Help: "Total number of storage backend operation errors",
			},
			[]string{"operation", "repository", "error_type"},
		),
		codecOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codec_operations_total",
				Help: "Total number of chunk codec encode/decode operations",
			},
			[]string{"operation"}, // "encode" or "decode"
		),
		codecDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codec_duration_seconds",
				Help:    "Chunk codec operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),
		codecErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codec_errors_total",
				Help: "Total number of chunk codec operation errors",
			},
			[]string{"operation", "error_type"},
		),
		kdfRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kdf_param_rotations_total",
				Help: "Total number of key-derivation parameter rotations",
			},
			[]string{"repository"},
		),
		bufferPoolHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_hits_total",
				Help: "Total number of buffer pool hits",
			},
			[]string{"size_class"},
		),
		bufferPoolMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_pool_misses_total",
				Help: "Total number of buffer pool misses",
			},
			[]string{"size_class"},
		),
		activeWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_workers",
				Help: "Number of active chunk upload/download workers",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// RecordBackupOperation records a top-level backup/restore/prune/delete operation.
func (m *Metrics) RecordBackupOperation(ctx context.Context, operation string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.backupOperationsTotal.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.backupOperationsTotal.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.backupDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.backupDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.backupOperationsTotal.WithLabelValues(operation).Inc()
		m.backupDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordBackupError records a failed top-level operation.
func (m *Metrics) RecordBackupError(operation, errorType string) {
	m.backupErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordChunkNew records a chunk that was newly uploaded (not a dedup hit).
func (m *Metrics) RecordChunkNew(logicalBytes, storedBytes int64) {
	m.chunksTotal.WithLabelValues("new").Inc()
	m.chunkBytes.WithLabelValues("logical").Add(float64(logicalBytes))
	m.chunkBytes.WithLabelValues("stored").Add(float64(storedBytes))
}

// RecordChunkDedup records a chunk whose content-id already existed.
func (m *Metrics) RecordChunkDedup(logicalBytes int64) {
	m.chunksTotal.WithLabelValues("dedup").Inc()
	m.chunkBytes.WithLabelValues("logical").Add(float64(logicalBytes))
}

// RecordStorageOperation records a storage backend operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, repository string, duration time.Duration) {
	repoLabel := repository
	if !m.config.EnableRepositoryLabel {
		repoLabel = "*"
	}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.storageOpsTotal.WithLabelValues(operation, repoLabel).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.storageOpsTotal.WithLabelValues(operation, repoLabel).Inc()
		}
		if observer, ok := m.storageOpDuration.WithLabelValues(operation, repoLabel).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.storageOpDuration.WithLabelValues(operation, repoLabel).Observe(duration.Seconds())
		}
	} else {
		m.storageOpsTotal.WithLabelValues(operation, repoLabel).Inc()
		m.storageOpDuration.WithLabelValues(operation, repoLabel).Observe(duration.Seconds())
	}
}

// RecordStorageError records a storage backend operation error.
func (m *Metrics) RecordStorageError(operation, repository, errorType string) {
	repoLabel := repository
	if !m.config.EnableRepositoryLabel {
		repoLabel = "*"
	}
	m.storageOpErrors.WithLabelValues(operation, repoLabel, errorType).Inc()
}

// RecordCodecOperation records a chunk codec encode or decode.
func (m *Metrics) RecordCodecOperation(ctx context.Context, operation string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.codecOperations.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.codecOperations.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.codecDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.codecDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.codecOperations.WithLabelValues(operation).Inc()
		m.codecDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCodecError records a chunk codec operation error.
func (m *Metrics) RecordCodecError(operation, errorType string) {
	m.codecErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordKDFRotation records a key-derivation parameter rotation.
func (m *Metrics) RecordKDFRotation(repository string) {
	m.kdfRotations.WithLabelValues(repository).Inc()
}

// RecordBufferPoolHit records a buffer pool hit.
func (m *Metrics) RecordBufferPoolHit(sizeClass string) {
	m.bufferPoolHits.WithLabelValues(sizeClass).Inc()
}

// RecordBufferPoolMiss records a buffer pool miss.
func (m *Metrics) RecordBufferPoolMiss(sizeClass string) {
	m.bufferPoolMisses.WithLabelValues(sizeClass).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveWorkers increments the active worker gauge.
func (m *Metrics) IncrementActiveWorkers() {
	m.activeWorkers.Inc()
}

// DecrementActiveWorkers decrements the active worker gauge.
func (m *Metrics) DecrementActiveWorkers() {
	m.activeWorkers.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
