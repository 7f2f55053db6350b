package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Register routes with method-based patterns (Go 1.22+)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /status", h.Status)
	mux.HandleFunc("POST /notify", h.Notify)
	mux.HandleFunc("POST /flush", h.Flush)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Every line the status server logs names the upload run it belongs to.
	logger = logger.With(slog.String("run_id", h.connector.RunID()))
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger, "/health", "/metrics"),
	)

	return chain(mux)
}
