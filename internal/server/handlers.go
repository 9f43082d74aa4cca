package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/threadbox/internal/ctxutil"
	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/runtime"
	"github.com/ashita-ai/threadbox/internal/secrets"
	"github.com/ashita-ai/threadbox/internal/service/models"
	"github.com/ashita-ai/threadbox/internal/service/threads"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	threads             *threads.Service
	store               storage.Store
	runtime             runtime.Runtime
	models              *models.Client
	secrets             *secrets.Box
	completionDefaults  model.CompletionSettings
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runtime, Secrets, OpenAPISpec.
type HandlersDeps struct {
	Threads             *threads.Service
	Store               storage.Store
	Runtime             runtime.Runtime
	Models              *models.Client
	Secrets             *secrets.Box
	CompletionDefaults  model.CompletionSettings
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	mc := d.Models
	if mc == nil {
		mc = models.NewClient(0)
	}
	return &Handlers{
		threads:             d.Threads,
		store:               d.Store,
		runtime:             d.Runtime,
		models:              mc,
		secrets:             d.Secrets,
		completionDefaults:  d.CompletionDefaults,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health. Storage being down makes the service
// unhealthy; an unreachable runtime only degrades it, since reads still work.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	runtimeStatus := "disabled"
	if h.runtime != nil {
		runtimeStatus = "connected"
		if err := h.runtime.Ping(r.Context()); err != nil {
			runtimeStatus = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Storage:    storageStatus,
		Runtime:    runtimeStatus,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
		ActiveRuns: h.threads.ActiveRuns(),
	})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err with the request ID and writes a generic 500.
// The underlying error never reaches the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestID(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeServiceError maps errors from the thread service onto the API error
// envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var inputErr *threads.InputError
	switch {
	case errors.As(err, &inputErr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, inputErr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, msg+": not found")
	case errors.Is(err, threads.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "thread already has an active run")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "thread is not in a startable state")
	case errors.Is(err, storage.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, msg+": storage busy, retry")
	case errors.Is(err, threads.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}
