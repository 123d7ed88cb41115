// Package statusserver exposes health, readiness, liveness, and Prometheus
// metrics endpoints for long-running backup/restore/prune invocations.
package statusserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/backupvault/internal/metrics"
	"github.com/kenneth/backupvault/internal/middleware"
)

// Handler serves operational endpoints for a repository process.
type Handler struct {
	logger             *logrus.Logger
	metrics            *metrics.Metrics
	backendHealthCheck func(context.Context) error
}

// NewHandler creates a status server handler. backendHealthCheck, if
// non-nil, is consulted by /ready (the CLI passes storage.Backend.Exists
// against a manifest key, so any reachable backend counts as ready).
func NewHandler(logger *logrus.Logger, m *metrics.Metrics, backendHealthCheck func(context.Context) error) *Handler {
	return &Handler{
		logger:             logger,
		metrics:            m,
		backendHealthCheck: backendHealthCheck,
	}
}

// Router builds the mux.Router for this handler, wrapped with the
// logging and recovery middleware.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	var handler http.Handler = r
	handler = middleware.RecoveryMiddleware(h.logger)(handler)
	handler = middleware.LoggingMiddleware(h.logger)(handler)
	return handler
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordStorageOperation(r.Context(), "health", "-", time.Since(start))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(h.backendHealthCheck)(w, r)
	h.metrics.RecordStorageOperation(r.Context(), "ready", "-", time.Since(start))
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	metrics.LivenessHandler()(w, r)
}
