package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store guarded by a mutex. Records are copied on
// the way in and out so callers can never alias stored state.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task)}
}

// Put inserts a new task.
func (s *MemStore) Put(_ context.Context, t *Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return nil, DuplicateIDError{ID: t.ID}
	}
	cp := t.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	now := time.Now().Truncate(time.Microsecond)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	s.tasks[cp.ID] = cp
	return cp.Clone(), nil
}

// Get returns a task by id.
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, NotFoundError{ID: id}
	}
	return t.Clone(), nil
}

// List returns matching tasks ordered by (priority asc, created_at asc, id asc).
func (s *MemStore) List(_ context.Context, f Filter) ([]Task, error) {
	s.mu.Lock()
	var out []Task
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, *t.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CompareAndSwap applies mutate under the lock iff the stored version matches.
func (s *MemStore) CompareAndSwap(_ context.Context, id string, expectedVersion int64, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, NotFoundError{ID: id}
	}
	if cur.Version != expectedVersion {
		return nil, ConflictError{ID: id, Expected: expectedVersion, Actual: cur.Version}
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().Truncate(time.Microsecond)
	s.tasks[id] = next
	return next.Clone(), nil
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(_ context.Context) error { return nil }
