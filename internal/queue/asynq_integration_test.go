//go:build integration

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"kicad-jobs/internal/testutil"
)

func setupRedis(t *testing.T) asynq.RedisClientOpt {
	t.Helper()
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	return asynq.RedisClientOpt{Addr: fmt.Sprintf("%s:%s", host, port.Port())}
}

func TestAsynqBroker(t *testing.T) {
	opt := setupRedis(t)
	ctx := context.Background()

	b := NewAsynq(opt, AsynqConfig{Queue: "kicad-test", MaxRetry: 1, Timeout: time.Minute, Retention: time.Hour})
	defer b.Close()

	depth, err := b.Depth(ctx)
	if err != nil || depth != 0 {
		t.Fatalf("Depth() on missing queue = %d, %v; want 0", depth, err)
	}

	for _, id := range []string{"a", "b"} {
		if err := b.Enqueue(ctx, id, []byte(`{}`)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	if err := b.Enqueue(ctx, "a", []byte(`{}`)); err == nil {
		t.Error("duplicate task id accepted")
	}
	if depth, _ := b.Depth(ctx); depth != 2 {
		t.Errorf("Depth() = %d, want 2", depth)
	}

	if err := b.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := b.Remove(ctx, "a"); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
	if depth, _ := b.Depth(ctx); depth != 1 {
		t.Errorf("Depth() after remove = %d, want 1", depth)
	}

	var mu sync.Mutex
	var handled []string
	c := NewConsumer(opt, ConsumerConfig{Queue: "kicad-test", Concurrency: 2, ShutdownTimeout: 5 * time.Second},
		HandlerFunc(func(_ context.Context, id string, _ []byte) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, id)
			return nil
		}))
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Shutdown()

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, testutil.WithTimeout(15*time.Second))
	if handled[0] != "b" {
		t.Errorf("handled = %v, want [b]", handled)
	}

	testutil.MustWaitFor(t, func() bool {
		workers, err := b.Workers(ctx)
		return err == nil && len(workers) == 1 && workers[0].Concurrency == 2
	}, testutil.WithTimeout(15*time.Second))
}
