// Package task defines the task record, its status state machine, and the
// versioned store contract every backend must satisfy.
package task

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Priority bounds. 0 is the most urgent.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityMedium   = 2
	PriorityLow      = 3
)

// Task represents a unit of trackable work.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Project     string     `json:"project"`  // grouping key, no logic attached
	Priority    int        `json:"priority"` // 0 = critical .. 3 = low
	Status      Status     `json:"status"`
	Assignee    string     `json:"assignee"`   // set only when claimed
	Tags        []string   `json:"tags"`
	DependsOn   []string   `json:"depends_on"` // ids that must complete first
	Version     int64      `json:"version"`    // +1 per successful mutation
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		cp.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusBlocked, StatusClaimed, StatusInProgress,
		StatusReview, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidPriority reports whether p is within the ordinal range.
func ValidPriority(p int) bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Terminal reports whether s admits no further transitions.
func Terminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Derived reports whether s is computed from dependency state rather than
// set by callers. Only registration and the propagator may write these.
func Derived(s Status) bool {
	return s == StatusPending || s == StatusBlocked
}

// transitions is the assignee-driven state machine. pending/blocked are
// derived and cancelled is handled separately, so neither appears here.
var transitions = map[Status][]Status{
	StatusClaimed:    {StatusInProgress},
	StatusInProgress: {StatusReview},
	StatusReview:     {StatusCompleted, StatusInProgress}, // send-back for rework
}

// CanTransition reports whether an assignee may move a task from one status
// to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Status   Status
	Assignee string
	Project  string
	Priority *int
	Tag      string
	Limit    int
}

// Matches reports whether t passes every set field of the filter.
func (f Filter) Matches(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.Project != "" && t.Project != f.Project {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the contract for task persistence. All mutation goes through
// CompareAndSwap: readers submit the version they observed and the store
// rejects the write with ConflictError if anyone got there first.
type Store interface {
	// Put inserts a new task. Fails with DuplicateIDError if the id exists.
	Put(ctx context.Context, t *Task) (*Task, error)

	// Get returns a task by id, or NotFoundError.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the filter, ordered by
	// (priority asc, created_at asc, id asc).
	List(ctx context.Context, f Filter) ([]Task, error)

	// CompareAndSwap applies mutate to the current record iff its version
	// equals expectedVersion, then bumps version and updated_at. Returns
	// ConflictError on a version mismatch and NotFoundError for unknown ids.
	// An error from mutate aborts the write and is returned unchanged.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate func(*Task) error) (*Task, error)

	// EnsureTable prepares backing storage. No-op for in-memory stores.
	EnsureTable(ctx context.Context) error
}
