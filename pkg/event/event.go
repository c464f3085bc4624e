// Package event is the notification sink the registry publishes task
// lifecycle events to. The core never consumes these; they exist for
// observers (dashboards, agents polling for unblocked work).
package event

import (
	"context"
	"time"
)

// Lifecycle event types emitted by the registry.
const (
	TypeTaskRegistered  = "task.registered"
	TypeTaskClaimed     = "task.claimed"
	TypeStatusChanged   = "task.status_changed"
	TypeTaskCancelled   = "task.cancelled"
	TypeTaskUnblocked   = "task.unblocked"
	TypeTaskReblocked   = "task.reblocked"
	TypeDependencyAdded = "task.dependency_added"
	TypeAgentRegistered = "agent.registered"
)

// Event is one entry in the append-only notification log.
type Event struct {
	ID        string         `json:"id"`      // UUID v7 (time-ordered)
	Type      string         `json:"type"`    // e.g. "task.claimed"
	Source    string         `json:"source"`  // agent id or "registry"
	TaskID    string         `json:"task_id"` // subject task, empty for agent events
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Recorder is the minimal publishing contract the registry needs.
type Recorder interface {
	Append(ctx context.Context, eventType, source, taskID string, payload map[string]any) (*Event, error)
}

// Store is the contract for event persistence.
type Store interface {
	Recorder

	// Recent returns the newest events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)

	// ByTask returns a task's events in chronological order.
	ByTask(ctx context.Context, taskID string, limit int) ([]Event, error)

	// ByType returns events of one type, newest first.
	ByType(ctx context.Context, eventType string, limit int) ([]Event, error)

	// Since returns events appended after the given id, oldest first.
	// Used by the SSE poll loop.
	Since(ctx context.Context, afterID string, limit int) ([]Event, error)

	// Count returns the total number of events.
	Count(ctx context.Context) (int, error)

	// EnsureTable prepares backing storage.
	EnsureTable(ctx context.Context) error
}
