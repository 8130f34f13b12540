package job

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// Store persists job records. Update is an atomic read-modify-write: if fn
// returns an error nothing is written and the error is returned unchanged.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps jobs in process memory. Records expire ttl after their
// last write; a zero ttl keeps them forever.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

type memoryEntry struct {
	job     *Job
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{jobs: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(j.ID); ok {
		return ErrJobExists
	}
	s.put(j.clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.lookup(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lookup(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	j := current.clone()
	if err := fn(j); err != nil {
		return nil, err
	}
	s.put(j)
	return j.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.jobs {
		if _, ok := s.lookup(id); ok {
			n++
		}
	}
	return n
}

// lookup returns the live record for id, dropping it if it has expired.
// Callers hold s.mu.
func (s *MemoryStore) lookup(id string) (*Job, bool) {
	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.jobs, id)
		return nil, false
	}
	return e.job, true
}

func (s *MemoryStore) put(j *Job) {
	e := memoryEntry{job: j}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.jobs[j.ID] = e
}

func (j *Job) clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		r.Previews = maps.Clone(j.Result.Previews)
		r.PreviewErrors = maps.Clone(j.Result.PreviewErrors)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
