package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory agent store.
type MemStore struct {
	mu     sync.Mutex
	byID   map[string]*Agent
	byName map[string]*Agent
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:   make(map[string]*Agent),
		byName: make(map[string]*Agent),
	}
}

// Register creates or returns an existing agent. Idempotent.
func (s *MemStore) Register(_ context.Context, kind, name string) (*Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byName[name]; ok {
		cp := *existing
		return &cp, false, nil
	}
	a := &Agent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      kind,
		Name:      name,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}
	s.byID[a.ID] = a
	s.byName[a.Name] = a
	cp := *a
	return &cp, true, nil
}

// Get returns an agent by ID.
func (s *MemStore) Get(_ context.Context, id string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, NotFoundError{Key: id}
	}
	cp := *a
	return &cp, nil
}

// ByName returns an agent by name.
func (s *MemStore) ByName(_ context.Context, name string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byName[name]
	if !ok {
		return nil, NotFoundError{Key: name}
	}
	cp := *a
	return &cp, nil
}

// List returns all agents ordered by creation time.
func (s *MemStore) List(_ context.Context) ([]Agent, error) {
	s.mu.Lock()
	var out []Agent
	for _, a := range s.byID {
		out = append(out, *a)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(_ context.Context) error { return nil }
