package api

import (
	"net/http"

	"kicad-jobs/internal/health"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/storage"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Workers       WorkerLister
	Bucket        storage.Bucket
	Activity      Toucher // optional; nil disables abandonment tracking
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	AllowedOrigin string // empty allows any origin
	Version       string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /api/version", handler.GetVersion)

	// Task endpoints - auth required when an API key is configured
	auth := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /api/pcb", auth(http.HandlerFunc(handler.CreateTask)))
	mux.Handle("GET /api/pcb/{task_id}", auth(http.HandlerFunc(handler.GetTask)))
	mux.Handle("DELETE /api/pcb/{task_id}", auth(http.HandlerFunc(handler.DeleteTask)))
	mux.Handle("GET /api/pcb/{task_id}/render/{name}", auth(http.HandlerFunc(handler.GetRender)))
	mux.Handle("GET /api/pcb/{task_id}/result", auth(http.HandlerFunc(handler.GetResult)))
	mux.Handle("GET /api/workers", auth(http.HandlerFunc(handler.GetWorkers)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware(cfg.AllowedOrigin)(h)
	h = ObserveMiddleware(cfg.Metrics)(h)
	h = RecoveryMiddleware()(h)

	return h
}
