// Package queue carries build tasks from the API to the workers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// TaskType is the task name build requests are enqueued under.
const TaskType = "generate_kicad_project"

// ErrQueueFull is wrapped by Enqueue when a bounded broker has no room.
var ErrQueueFull = errors.New("queue is full")

// ErrSkipRetry marks a handler error as final. Brokers that retry failed
// tasks do not retry these.
var ErrSkipRetry = asynq.SkipRetry

// Handler executes one task. id is the task id the task was enqueued with.
type Handler interface {
	Handle(ctx context.Context, id string, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id string, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, id string, payload []byte) error {
	return f(ctx, id, payload)
}

// WorkerInfo describes one worker process consuming the queue.
type WorkerInfo struct {
	ID          string
	Host        string
	PID         int
	Concurrency int
	Started     time.Time
	Status      string
	ActiveTasks int
	Queues      map[string]int
}

// Broker is the submission side of the queue.
type Broker interface {
	// Enqueue adds a task under the given id.
	Enqueue(ctx context.Context, id string, payload []byte) error

	// Remove drops a task that has not started yet. Removing an unknown or
	// already started task is not an error.
	Remove(ctx context.Context, id string) error

	// Depth is the number of tasks pending or running.
	Depth(ctx context.Context) (int, error)

	// Workers reports the processes consuming the queue.
	Workers(ctx context.Context) ([]WorkerInfo, error)

	Close() error
}
