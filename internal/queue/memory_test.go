package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kicad-jobs/internal/apperrors"
	"kicad-jobs/internal/testutil"
)

func TestMemory_RunsTasks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	got := map[string]string{}
	m := NewMemory(MemoryConfig{Workers: 2}, HandlerFunc(func(_ context.Context, id string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got[id] = string(payload)
		return nil
	}))
	defer m.Close()

	for i := range 5 {
		if err := m.Enqueue(context.Background(), fmt.Sprintf("job-%d", i), []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, testutil.WithTimeout(5*time.Second))

	if got["job-3"] != "3" {
		t.Errorf("payload for job-3 = %q", got["job-3"])
	}
	testutil.MustWaitFor(t, func() bool {
		d, _ := m.Depth(context.Background())
		return d == 0
	})
}

func TestMemory_BufferFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var started atomic.Int64
	m := NewMemory(MemoryConfig{Workers: 1, BufferSize: 2}, HandlerFunc(func(context.Context, string, []byte) error {
		started.Add(1)
		<-release
		return nil
	}))
	defer m.Close()
	defer close(release)

	ctx := context.Background()
	if err := m.Enqueue(ctx, "a", nil); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitForCount(t, &started, 1)

	for _, id := range []string{"b", "c"} {
		if err := m.Enqueue(ctx, id, nil); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	err := m.Enqueue(ctx, "d", nil)
	if !errors.Is(err, ErrQueueFull) || !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("Enqueue() on full buffer = %v, want ErrQueueFull", err)
	}

	depth, _ := m.Depth(ctx)
	if depth != 3 {
		t.Errorf("Depth() = %d, want 3 (1 active + 2 queued)", depth)
	}
}

func TestMemory_RemoveSkipsTask(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var ran sync.Map
	var started atomic.Int64
	m := NewMemory(MemoryConfig{Workers: 1}, HandlerFunc(func(_ context.Context, id string, _ []byte) error {
		ran.Store(id, true)
		started.Add(1)
		if id == "blocker" {
			<-release
		}
		return nil
	}))
	defer m.Close()

	ctx := context.Background()
	_ = m.Enqueue(ctx, "blocker", nil)
	testutil.MustWaitForCount(t, &started, 1)
	_ = m.Enqueue(ctx, "cancelled", nil)
	_ = m.Enqueue(ctx, "after", nil)

	if err := m.Remove(ctx, "cancelled"); err != nil {
		t.Fatal(err)
	}
	close(release)

	testutil.MustWaitFor(t, func() bool {
		_, ok := ran.Load("after")
		return ok
	})
	if _, ok := ran.Load("cancelled"); ok {
		t.Error("removed task ran")
	}
}

func TestMemory_DuplicateID(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	m := NewMemory(MemoryConfig{Workers: 1}, HandlerFunc(func(context.Context, string, []byte) error {
		<-release
		return nil
	}))
	defer m.Close()
	defer close(release)

	_ = m.Enqueue(context.Background(), "blocker", nil)
	_ = m.Enqueue(context.Background(), "a", nil)
	if err := m.Enqueue(context.Background(), "a", nil); err == nil {
		t.Error("duplicate pending id accepted")
	}
}

func TestMemory_PanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	var done atomic.Int64
	m := NewMemory(MemoryConfig{Workers: 1}, HandlerFunc(func(_ context.Context, id string, _ []byte) error {
		defer done.Add(1)
		if id == "bad" {
			panic("boom")
		}
		return nil
	}))
	defer m.Close()

	_ = m.Enqueue(context.Background(), "bad", nil)
	_ = m.Enqueue(context.Background(), "good", nil)
	testutil.MustWaitForCount(t, &done, 2)
}

func TestMemory_TaskTimeout(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	m := NewMemory(MemoryConfig{Workers: 1, TaskTimeout: 20 * time.Millisecond}, HandlerFunc(func(ctx context.Context, _ string, _ []byte) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	}))
	defer m.Close()

	_ = m.Enqueue(context.Background(), "slow", nil)
	select {
	case err := <-errs:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx.Err() = %v, want deadline exceeded", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task context never expired")
	}
}

func TestMemory_Close(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	started := make(chan struct{})
	m := NewMemory(MemoryConfig{Workers: 1}, HandlerFunc(func(context.Context, string, []byte) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	_ = m.Enqueue(context.Background(), "a", nil)
	<-started
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Close returned before the running task finished")
	}
	if err := m.Enqueue(context.Background(), "b", nil); err == nil {
		t.Error("Enqueue after Close succeeded")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemory_ShutdownTimeoutCancelsTasks(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	m := NewMemory(MemoryConfig{Workers: 1}, HandlerFunc(func(ctx context.Context, _ string, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	_ = m.Enqueue(context.Background(), "a", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() = %v, want deadline exceeded", err)
	}
}

func TestMemory_Workers(t *testing.T) {
	t.Parallel()

	m := NewMemory(MemoryConfig{Workers: 4}, HandlerFunc(func(context.Context, string, []byte) error { return nil }))
	defer m.Close()

	workers, err := m.Workers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].Concurrency != 4 || workers[0].Status != "active" {
		t.Errorf("Workers() = %+v", workers)
	}
}
