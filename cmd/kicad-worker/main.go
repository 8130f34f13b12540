// kicad-worker consumes build tasks from the queue and runs the PCB pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"kicad-jobs/internal/config"
	"kicad-jobs/internal/health"
	"kicad-jobs/internal/job"
	"kicad-jobs/internal/observability"
	"kicad-jobs/internal/queue"
	"kicad-jobs/internal/storage"
	"kicad-jobs/internal/worker"
)

func main() {
	slog.SetDefault(observability.NewLogger(os.Stdout, "info"))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cfg := config.LoadWorkerConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	slog.SetDefault(observability.NewLogger(os.Stdout, cfg.LogLevel))

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	store := job.NewRedisStore(rdb, cfg.TaskRetention)

	// Workers only execute jobs, so the service has no queue.
	jobService := job.NewService(store, nil, 0, metrics)

	rt, err := worker.NewRuntime(ctx, cfg, jobService, bucket, metrics)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Toolchain.Ready(ctx); err != nil {
		slog.Warn("Toolchain not ready", "executor", cfg.Toolchain.Executor, "error", err)
	}

	// Reclaim workspaces left behind by a crashed worker
	if _, err := rt.Workspaces.Sweep(cfg.TaskRetention); err != nil {
		slog.Warn("Initial workspace sweep failed", "error", err)
	}
	go rt.SweepWorkspaces(ctx, time.Hour, cfg.TaskRetention)

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"redis":     store,
		"storage":   bucket,
		"toolchain": rt.Toolchain,
	})

	consumer := queue.NewConsumer(queue.RedisOpt(cfg.Redis), queue.ConsumerConfig{
		Queue:           cfg.Queue,
		Concurrency:     cfg.Concurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, rt.Handler)
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	slog.Info("Worker started", "queue", cfg.Queue, "concurrency", cfg.Concurrency, "executor", cfg.Toolchain.Executor)

	// Metrics and health checks share one listener on the worker
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Liveness(r.Context()))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, healthChecker.Readiness(r.Context()))
	})
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Metrics server failed", "error", err)
		consumer.Shutdown()
		return err
	}

	healthChecker.SetShuttingDown()

	// Stop pulling tasks and wait for running builds up to ShutdownTimeout.
	// Unfinished tasks are handed back to the queue.
	slog.Info("Stopping consumer", "timeout", cfg.ShutdownTimeout)
	consumer.Shutdown()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}

func writeHealth(w http.ResponseWriter, resp *health.Response) {
	status := http.StatusOK
	if !resp.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
