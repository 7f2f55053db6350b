package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/gcs-connector/internal/storage"
	"github.com/maauso/gcs-connector/internal/upload"
)

// Connector is the part of the upload orchestrator the handlers use.
type Connector interface {
	upload.Connector
	RunID() string
	Status() upload.Status
}

// Handlers contains the HTTP handlers for the status server.
type Handlers struct {
	connector Connector
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(connector Connector, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		connector: connector,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Status handles GET /status requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connector.Status())
}

// Notify handles POST /notify requests.
func (h *Handlers) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	writeJSON(w, http.StatusAccepted, NotifyResponse{Matched: h.connector.Notify(req.Path)})
}

// Flush handles POST /flush requests.
func (h *Handlers) Flush(w http.ResponseWriter, r *http.Request) {
	// A client disconnect must not abort a manifest upload halfway.
	ctx := context.WithoutCancel(r.Context())
	if err := h.connector.Flush(ctx); err != nil {
		h.logger.Error("manifest flush failed",
			slog.String("error", err.Error()),
		)
		status := http.StatusBadGateway
		if storage.IsPermanent(err) {
			status = http.StatusFailedDependency
		}
		writeError(w, status, err.Error(), "FLUSH_FAILED")
		return
	}

	st := h.connector.Status()
	writeJSON(w, http.StatusOK, FlushResponse{Manifest: st.Manifest, Entries: st.Entries})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
