package statusserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/backupvault/internal/metrics"
)

// newTestHandler uses a fresh Prometheus registry per call, matching the
// metrics package's own test convention, so multiple tests in this file
// don't panic on duplicate metric registration against the global default
// registry.
func newTestHandler(healthCheck func(context.Context) error) *Handler {
	logger := logrus.New()
	logger.SetOutput(nopWriter{})
	return NewHandler(logger, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), healthCheck)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRouter_HealthEndpoints(t *testing.T) {
	h := newTestHandler(func(ctx context.Context) error { return nil })
	router := h.Router()

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestRouter_ReadyFailsOnBackendError(t *testing.T) {
	h := newTestHandler(func(ctx context.Context) error { return errors.New("backend unreachable") })
	router := h.Router()

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	h := newTestHandler(nil)
	router := h.Router()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
