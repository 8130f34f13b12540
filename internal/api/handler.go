// Package api provides the HTTP API handlers and routing for the build service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/artifact"
	"kicad-jobs/internal/health"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/queue"
	"kicad-jobs/internal/storage"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// WorkerLister reports the processes consuming the queue.
type WorkerLister interface {
	Workers(ctx context.Context) ([]queue.WorkerInfo, error)
}

// Toucher records that a task was submitted or polled.
type Toucher interface {
	Touch(ctx context.Context, id string)
}

// Handler contains HTTP handlers for the build API
type Handler struct {
	svc      *job.Service
	workers  WorkerLister
	bucket   storage.Bucket
	activity Toucher
	health   *health.Checker
	version  string
}

// NewHandler creates a new API handler from the router's dependencies.
func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		svc:      cfg.JobService,
		workers:  cfg.Workers,
		bucket:   cfg.Bucket,
		activity: cfg.Activity,
		health:   cfg.HealthChecker,
		version:  cfg.Version,
	}
}

// CreateTask handles POST /api/pcb
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	j, err := h.svc.Submit(r.Context(), body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.touch(r, j.ID)

	h.writeJSON(w, http.StatusAccepted, &TaskStatus{TaskID: j.ID, TaskStatus: TaskPending})
}

// GetTask handles GET /api/pcb/{task_id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")

	j, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.touch(r, id)

	h.writeJSON(w, http.StatusOK, NewTaskStatus(j))
}

// DeleteTask handles DELETE /api/pcb/{task_id}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")

	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, &CancelResponse{
		TaskID:  id,
		Status:  "cancelled",
		Message: "Task successfully cancelled",
	})
}

// GetRender handles GET /api/pcb/{task_id}/render/{name}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	id, name := r.PathValue("task_id"), r.PathValue("name")
	if !artifact.IsPreview(name) {
		h.writeError(w, http.StatusNotFound, "Render not found")
		return
	}

	j, ok := h.finished(w, r, id)
	if !ok {
		return
	}
	key, ok := j.Result.Previews[name]
	if !ok {
		h.writeError(w, http.StatusNotFound, "Render not found")
		return
	}

	h.serveObject(w, r, key, "image/svg+xml", "")
}

// GetResult handles GET /api/pcb/{task_id}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")

	j, ok := h.finished(w, r, id)
	if !ok {
		return
	}

	h.serveObject(w, r, j.Result.Bundle, "application/zip", fmt.Sprintf("attachment; filename=%q", id+".zip"))
}

// GetWorkers handles GET /api/workers
func (h *Handler) GetWorkers(w http.ResponseWriter, r *http.Request) {
	if h.workers == nil {
		h.handleError(w, r, apperrors.Unavailable("queue.workers", "No queue configured"))
		return
	}
	workers, err := h.workers.Workers(r.Context())
	if err != nil {
		h.handleError(w, r, apperrors.Internal("queue.workers", err))
		return
	}

	h.writeJSON(w, http.StatusOK, NewWorkersResponse(workers))
}

// GetVersion handles GET /api/version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, &VersionResponse{Version: h.version})
}

// Livez handles GET /livez - liveness check.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness check.
// Returns 503 if redis, storage or the broker are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// finished loads a job that has published artifacts. It writes the error
// response itself and reports false when there is nothing to serve.
func (h *Handler) finished(w http.ResponseWriter, r *http.Request, id string) (*job.Job, bool) {
	j, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return nil, false
	}
	if j.State != job.StateSucceeded || j.Result == nil {
		h.writeError(w, http.StatusNotFound, "Task result not available")
		return nil, false
	}
	return j, true
}

func (h *Handler) serveObject(w http.ResponseWriter, r *http.Request, key, contentType, disposition string) {
	if h.bucket == nil {
		h.handleError(w, r, apperrors.Unavailable("storage.get", "No storage configured"))
		return
	}
	rc, obj, err := h.bucket.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			// Storage expired the object before the job record.
			h.writeError(w, http.StatusNotFound, "Task result expired")
			return
		}
		h.handleError(w, r, apperrors.Internal("storage.get", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	if obj != nil && obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("Failed to stream object", "key", key, "error", err)
	}
}

func (h *Handler) touch(r *http.Request, id string) {
	if h.activity != nil && id != "" {
		h.activity.Touch(r.Context(), id)
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, &ErrorResponse{Error: message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	message := err.Error()
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	h.writeError(w, status, message)
}
