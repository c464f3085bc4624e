package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory append-only event log.
type MemStore struct {
	mu     sync.Mutex
	events []Event
	byID   map[string]int
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

// Append stores a new event.
func (s *MemStore) Append(_ context.Context, eventType, source, taskID string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e := Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Source:    source,
		TaskID:    taskID,
		Payload:   payload,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}

	s.mu.Lock()
	s.byID[e.ID] = len(s.events)
	s.events = append(s.events, e)
	s.mu.Unlock()

	cp := e
	return &cp, nil
}

// Recent returns the newest events, newest first.
func (s *MemStore) Recent(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// ByTask returns a task's events in chronological order.
func (s *MemStore) ByTask(_ context.Context, taskID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ByType returns events of one type, newest first.
func (s *MemStore) ByType(_ context.Context, eventType string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			out = append(out, s.events[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Since returns events appended after the given id, oldest first.
func (s *MemStore) Since(_ context.Context, afterID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start, ok := s.byID[afterID]
	if !ok {
		return nil, nil
	}
	var out []Event
	for i := start + 1; i < len(s.events); i++ {
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Count returns the total number of events.
func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), nil
}

// EnsureTable is a no-op for the in-memory store.
func (s *MemStore) EnsureTable(_ context.Context) error { return nil }
