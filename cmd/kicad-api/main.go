// kicad-api is the HTTP API server that accepts keyboard PCB build requests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"kicad-jobs/internal/api"
	"kicad-jobs/internal/config"
	"kicad-jobs/internal/health"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/queue"
	"kicad-jobs/internal/reaper"
	"kicad-jobs/internal/storage"
	"kicad-jobs/internal/worker"
)

func main() {
	slog.SetDefault(observability.NewLogger(os.Stdout, "info"))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Load configuration
	cfg := config.LoadServiceConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	slog.SetDefault(observability.NewLogger(os.Stdout, cfg.LogLevel))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	bucket, err := storage.New(cfg.Storage)
	if err != nil {
		return err
	}
	if err := bucket.Ensure(ctx); err != nil {
		return fmt.Errorf("failed to prepare artifact storage: %w", err)
	}

	checks := map[string]health.ReadinessChecker{"storage": bucket}

	var (
		jobService *job.Service
		tracker    reaper.Tracker
		q          queue.Broker
		memory     *queue.Memory
		rt         *worker.Runtime
	)
	switch cfg.Broker {
	case config.BrokerMemory:
		// The handler is created after the service it reports to, so the
		// broker resolves it lazily. No task runs before Submit is reachable.
		var handler queue.Handler
		memory = queue.NewMemory(queue.MemoryConfig{
			Workers:     cfg.Worker.Concurrency,
			TaskTimeout: cfg.TaskTimeout,
		}, queue.HandlerFunc(func(ctx context.Context, id string, payload []byte) error {
			return handler.Handle(ctx, id, payload)
		}))
		q = memory
		jobService = job.NewService(job.NewMemoryStore(cfg.TaskRetention), memory, cfg.MaxQueued, metrics)

		rt, err = worker.NewRuntime(ctx, cfg.Worker, jobService, bucket, metrics)
		if err != nil {
			memory.Close()
			return err
		}
		defer rt.Close()
		handler = rt.Handler
		checks["toolchain"] = rt.Toolchain
		go rt.SweepWorkspaces(ctx, time.Hour, cfg.TaskRetention)

		tracker = reaper.NewMemoryTracker()
		slog.Info("Running builds in-process", "concurrency", cfg.Worker.Concurrency)

	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		store := job.NewRedisStore(rdb, cfg.TaskRetention)
		checks["redis"] = store
		q = queue.NewAsynq(queue.RedisOpt(cfg.Redis), queue.AsynqConfig{
			Queue:     cfg.Queue,
			MaxRetry:  cfg.MaxRetry,
			Timeout:   cfg.TaskTimeout,
			Retention: cfg.TaskRetention,
		})
		jobService = job.NewService(store, q, cfg.MaxQueued, metrics)
		tracker = reaper.NewRedisTracker(rdb)
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr, "queue", cfg.Queue)
	}

	// Cancel pending tasks whose clients stopped polling
	abandoned := reaper.New(tracker, jobService, cfg.AbandonTimeout, cfg.AbandonInterval)
	go abandoned.Run(ctx)

	// Create health checker
	healthChecker := health.NewChecker(checks)

	allowedOrigin := ""
	if cfg.Production {
		allowedOrigin = cfg.AllowedOrigin
	}

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Workers:       q,
		Bucket:        bucket,
		Activity:      abandoned,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
		AllowedOrigin: allowedOrigin,
		Version:       cfg.Version,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		q.Close()
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)
	stop()

	// Phase 3: Let in-process builds finish. With the asynq broker builds
	// belong to the workers and continue independently.
	if memory != nil {
		slog.Info("Draining in-process builds")
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()
		if err := memory.Shutdown(drainCtx); err != nil {
			slog.Warn("Broker shutdown error", "error", err)
		}
	} else if err := q.Close(); err != nil {
		slog.Warn("Broker close error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
