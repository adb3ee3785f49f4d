package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabulake/tabulake/internal/server"
)

// RouterConfig configures the HTTP router.
type RouterConfig struct {
	// EventTimeout bounds the processing of one webhook request
	EventTimeout time.Duration
	// Shutdown, when set, rejects requests once shutdown begins and
	// tracks in-flight webhook requests.
	Shutdown *server.ShutdownManager
}

// NewRouter returns the trigger webhook router.
func NewRouter(processor EventProcessor, cfg RouterConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware)
	r.Use(CorrelationIDMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if cfg.Shutdown != nil && cfg.Shutdown.IsShuttingDown() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Shutdown != nil {
			r.Use(server.ShutdownMiddleware(cfg.Shutdown))
		}
		r.Method(http.MethodPost, "/events", NewEventHandler(processor, cfg.EventTimeout, logger))
	})
	return r
}
