package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"kicad-jobs/internal/apperrors"
)

// MemoryConfig holds configuration for the in-process broker.
type MemoryConfig struct {
	BufferSize  int           // pending tasks buffer (default: 100)
	Workers     int           // concurrent handler goroutines (default: 10)
	TaskTimeout time.Duration // per-task deadline, 0 for none
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	return c
}

type memoryTask struct {
	id      string
	payload []byte
}

// Memory is an in-process broker. Tasks are queued in a bounded channel and
// executed by a pool of goroutines; a full buffer rejects the task.
type Memory struct {
	queue   chan memoryTask
	handler Handler
	config  MemoryConfig
	logger  *slog.Logger
	started time.Time

	mu      sync.Mutex
	pending map[string]bool
	active  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory creates an in-process broker and starts its workers.
func NewMemory(cfg MemoryConfig, handler Handler) *Memory {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Memory{
		queue:    make(chan memoryTask, cfg.BufferSize),
		handler:  handler,
		config:   cfg,
		logger:   slog.With("component", "queue"),
		started:  time.Now(),
		pending:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}

	m.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go m.worker()
	}

	m.logger.Info("Memory broker started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return m
}

// Enqueue queues a task without blocking.
func (m *Memory) Enqueue(_ context.Context, id string, payload []byte) error {
	if m.closed.Load() {
		return fmt.Errorf("broker is closed")
	}

	m.mu.Lock()
	if m.pending[id] {
		m.mu.Unlock()
		return fmt.Errorf("task %s already queued", id)
	}
	m.pending[id] = true
	m.mu.Unlock()

	select {
	case m.queue <- memoryTask{id: id, payload: payload}:
		return nil
	default:
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		m.logger.Warn("Task rejected, buffer full", "jobId", id)
		return &apperrors.Error{
			Sentinel: apperrors.ErrUnavailable,
			Message:  "queue is full",
			Op:       "queue.enqueue",
			Cause:    ErrQueueFull,
		}
	}
}

// Remove forgets a queued task; a worker that dequeues it skips it.
func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

// Depth returns queued plus running tasks.
func (m *Memory) Depth(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) + int(m.active.Load()), nil
}

// Workers reports this process as the only worker.
func (m *Memory) Workers(context.Context) ([]WorkerInfo, error) {
	host, _ := os.Hostname()
	status := "active"
	if m.closed.Load() {
		status = "closed"
	}
	return []WorkerInfo{{
		ID:          fmt.Sprintf("%s:%d:memory", host, os.Getpid()),
		Host:        host,
		PID:         os.Getpid(),
		Concurrency: m.config.Workers,
		Started:     m.started,
		Status:      status,
		ActiveTasks: int(m.active.Load()),
		Queues:      map[string]int{"memory": 1},
	}}, nil
}

// Close stops accepting tasks and waits for running ones to finish.
func (m *Memory) Close() error {
	return m.Shutdown(context.Background())
}

// Shutdown stops accepting tasks and waits for running ones. Tasks still in
// the buffer are not started. When ctx expires the running tasks' contexts
// are cancelled.
func (m *Memory) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil // already closed
	}

	m.logger.Info("Memory broker shutting down", "queued", len(m.queue), "active", m.active.Load())
	close(m.shutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		m.logger.Info("Memory broker shutdown complete")
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		m.logger.Warn("Memory broker shutdown timed out, running tasks cancelled")
		return ctx.Err()
	}
}

func (m *Memory) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			return
		case t := <-m.queue:
			m.run(t)
		}
	}
}

// claim moves a task from pending to active. It fails for removed tasks.
func (m *Memory) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending[id] {
		return false
	}
	delete(m.pending, id)
	m.active.Add(1)
	return true
}

func (m *Memory) run(t memoryTask) {
	if !m.claim(t.id) {
		m.logger.Debug("Skipping removed task", "jobId", t.id)
		return
	}
	defer m.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task handler panicked", "jobId", t.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx := m.ctx
	if m.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.TaskTimeout)
		defer cancel()
	}

	if err := m.handler.Handle(ctx, t.id, t.payload); err != nil {
		m.logger.Warn("Task failed", "jobId", t.id, "error", err)
	}
}

// Verify Memory implements Broker
var _ Broker = (*Memory)(nil)
