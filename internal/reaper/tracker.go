// Package reaper cancels pending jobs whose callers stopped polling.
package reaper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker remembers when each job was last asked about.
type Tracker interface {
	// Touch records that id was submitted or polled at t.
	Touch(ctx context.Context, id string, t time.Time) error

	// Stale returns the ids last touched before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]string, error)

	// Forget stops tracking id.
	Forget(ctx context.Context, id string) error
}

// MemoryTracker is a Tracker for a single API process.
type MemoryTracker struct {
	mu      sync.Mutex
	touched map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{touched: make(map[string]time.Time)}
}

func (m *MemoryTracker) Touch(_ context.Context, id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id] = t
	return nil
}

func (m *MemoryTracker) Stale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.touched {
		if t.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryTracker) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.touched, id)
	return nil
}

// Len returns the number of tracked ids.
func (m *MemoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.touched)
}

// TrackerKey is the sorted set holding last-touch times in unix milliseconds.
const TrackerKey = "kicad:touched"

// RedisTracker shares touch times between API replicas.
type RedisTracker struct {
	rdb *redis.Client
}

func NewRedisTracker(rdb *redis.Client) *RedisTracker {
	return &RedisTracker{rdb: rdb}
}

func (r *RedisTracker) Touch(ctx context.Context, id string, t time.Time) error {
	if err := r.rdb.ZAdd(ctx, TrackerKey, redis.Z{Score: float64(t.UnixMilli()), Member: id}).Err(); err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

func (r *RedisTracker) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, TrackerKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return ids, nil
}

func (r *RedisTracker) Forget(ctx context.Context, id string) error {
	if err := r.rdb.ZRem(ctx, TrackerKey, id).Err(); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}

var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Tracker = (*RedisTracker)(nil)
)
