package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/config"
	"kicad-jobs/pkg/backoff"
)

// RedisOpt converts the shared redis settings into asynq connection options.
func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsynqConfig holds the task options applied on enqueue.
type AsynqConfig struct {
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

// Asynq is a Broker backed by asynq on Redis.
type Asynq struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       AsynqConfig
}

// NewAsynq creates a broker on the given Redis connection.
func NewAsynq(opt asynq.RedisConnOpt, cfg AsynqConfig) *Asynq {
	if cfg.Queue == "" {
		cfg.Queue = "kicad"
	}
	return &Asynq{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		cfg:       cfg,
	}
}

// Enqueue adds a task whose asynq task id is the job id.
func (a *Asynq) Enqueue(ctx context.Context, id string, payload []byte) error {
	task := asynq.NewTask(TaskType, payload,
		asynq.TaskID(id),
		asynq.Queue(a.cfg.Queue),
		asynq.MaxRetry(a.cfg.MaxRetry),
		asynq.Timeout(a.cfg.Timeout),
		asynq.Retention(a.cfg.Retention),
	)
	if _, err := a.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return apperrors.Conflict("task", id, fmt.Sprintf("task %s already exists", id))
		}
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

// Remove deletes a pending task.
func (a *Asynq) Remove(_ context.Context, id string) error {
	err := a.inspector.DeleteTask(a.cfg.Queue, id)
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return fmt.Errorf("delete task %s: %w", id, err)
}

// Depth returns pending plus active tasks. A queue that does not exist yet
// is empty.
func (a *Asynq) Depth(context.Context) (int, error) {
	info, err := a.inspector.GetQueueInfo(a.cfg.Queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue info: %w", err)
	}
	return info.Pending + info.Active, nil
}

// Workers lists the asynq servers registered in Redis.
func (a *Asynq) Workers(context.Context) ([]WorkerInfo, error) {
	servers, err := a.inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	out := make([]WorkerInfo, 0, len(servers))
	for _, s := range servers {
		out = append(out, WorkerInfo{
			ID:          s.ID,
			Host:        s.Host,
			PID:         s.PID,
			Concurrency: s.Concurrency,
			Started:     s.Started,
			Status:      s.Status,
			ActiveTasks: len(s.ActiveWorkers),
			Queues:      s.Queues,
		})
	}
	return out, nil
}

// Close releases the client and inspector connections.
func (a *Asynq) Close() error {
	return errors.Join(a.client.Close(), a.inspector.Close())
}

var _ Broker = (*Asynq)(nil)

// ConsumerConfig configures the asynq server of a worker process.
type ConsumerConfig struct {
	Queue           string
	Concurrency     int
	ShutdownTimeout time.Duration
	RetryBackoff    *backoff.Config // default: 1m doubling up to 1h
}

// Consumer runs a Handler for every task on the queue.
type Consumer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewConsumer creates an asynq server dispatching build tasks to h.
func NewConsumer(opt asynq.RedisConnOpt, cfg ConsumerConfig, h Handler) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = "kicad"
	}
	retry := cfg.RetryBackoff
	if retry == nil {
		retry = &backoff.Config{Initial: time.Minute, Max: time.Hour}
	}
	logger := slog.With("component", "consumer")

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 10},
		// 1min, 2min, 4min, ...
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return backoff.Exponential(n+1, retry)
		},
		// Rejected input is the caller's problem, not a worker failure.
		IsFailure: func(err error) bool {
			return !errors.Is(err, apperrors.ErrValidation)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn("Task failed", "type", task.Type(), "jobId", id, "retried", retried, "error", err)
		}),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          slogLogger{logger},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskType, func(ctx context.Context, task *asynq.Task) error {
		id, ok := asynq.GetTaskID(ctx)
		if !ok {
			return fmt.Errorf("task without id: %w", asynq.SkipRetry)
		}
		return h.Handle(ctx, id, task.Payload())
	})

	return &Consumer{server: server, mux: mux}
}

// Start begins processing tasks in the background.
func (c *Consumer) Start() error {
	return c.server.Start(c.mux)
}

// Shutdown stops fetching tasks and waits up to the shutdown timeout for
// running ones.
func (c *Consumer) Shutdown() {
	c.server.Shutdown()
}

// slogLogger routes asynq's internal logging through slog.
type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Debug(args ...any) { s.l.Debug(fmt.Sprint(args...)) }
func (s slogLogger) Info(args ...any)  { s.l.Info(fmt.Sprint(args...)) }
func (s slogLogger) Warn(args ...any)  { s.l.Warn(fmt.Sprint(args...)) }
func (s slogLogger) Error(args ...any) { s.l.Error(fmt.Sprint(args...)) }
func (s slogLogger) Fatal(args ...any) {
	s.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
