// Package registry coordinates task registration, claiming, and status
// propagation across any number of concurrent callers. The store is the
// single shared mutable resource; every mutation goes through its
// compare-and-swap, never a bare read-modify-write.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewboard/pkg/event"
	"crewboard/pkg/graph"
	"crewboard/pkg/task"
)

const (
	defaultRetries = 3
	defaultBackoff = 50 * time.Millisecond
)

// Registry is the coordination core. Construct one per process with New;
// it holds the derived dependency graph and the event sink.
type Registry struct {
	store   task.Store
	graph   *graph.Graph
	events  event.Recorder
	retries int
	backoff time.Duration

	// depMu serializes dependency-edge mutations. The cycle check is only
	// sound if no other edge can be published between the check and the
	// write, and the per-task CAS cannot protect that cross-record
	// invariant.
	depMu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetry overrides the bounded retry policy used for conflict retries and
// propagation.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(r *Registry) {
		r.retries = attempts
		r.backoff = backoff
	}
}

// New creates a Registry and rebuilds the dependency graph from the store.
// Dependencies are stored redundantly on each task record, so no separate
// graph persistence exists or is needed.
func New(ctx context.Context, store task.Store, events event.Recorder, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:   store,
		graph:   graph.New(),
		events:  events,
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}

	tasks, err := store.List(ctx, task.Filter{})
	if err != nil {
		return nil, fmt.Errorf("rebuild graph: %w", err)
	}
	for i := range tasks {
		r.graph.Add(tasks[i].ID, tasks[i].DependsOn)
	}
	return r, nil
}

// RegisterInput describes a task to register. ID is optional; when empty the
// registry assigns a UUIDv7.
type RegisterInput struct {
	ID          string
	Title       string
	Description string
	Project     string
	Priority    int
	Tags        []string
	DependsOn   []string
}

// Register validates and stores a new task. The cycle check runs before any
// write: a cyclic registration is rejected whole, leaving the store
// untouched. Initial status is derived from dependency completion.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*task.Task, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("register: title is required")
	}
	if !task.ValidPriority(in.Priority) {
		return nil, fmt.Errorf("register: priority %d out of range [%d,%d]",
			in.Priority, task.PriorityCritical, task.PriorityLow)
	}

	id := in.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	deps := dedupe(in.DependsOn)
	if len(deps) > 0 {
		r.depMu.Lock()
		defer r.depMu.Unlock()
	}
	blocked := false
	for _, dep := range deps {
		if dep == id {
			return nil, task.CycleError{ID: id, DependsOn: dep}
		}
		dt, err := r.store.Get(ctx, dep)
		if err != nil {
			return nil, task.UnknownDependencyError{ID: id, DependsOn: dep}
		}
		if r.graph.WouldCreateCycle(id, dep) {
			return nil, task.CycleError{ID: id, DependsOn: dep}
		}
		if dt.Status != task.StatusCompleted {
			blocked = true
		}
	}

	status := task.StatusPending
	if blocked {
		status = task.StatusBlocked
	}

	t := &task.Task{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Project:     in.Project,
		Priority:    in.Priority,
		Status:      status,
		Tags:        dedupe(in.Tags),
		DependsOn:   deps,
	}
	stored, err := r.store.Put(ctx, t)
	if err != nil {
		return nil, err
	}
	r.graph.Add(stored.ID, stored.DependsOn)

	r.emit(ctx, event.TypeTaskRegistered, "registry", stored.ID, map[string]any{
		"title":      stored.Title,
		"project":    stored.Project,
		"status":     string(stored.Status),
		"depends_on": stored.DependsOn,
	})
	return stored, nil
}

// Get returns a task by id.
func (r *Registry) Get(ctx context.Context, id string) (*task.Task, error) {
	return r.store.Get(ctx, id)
}

// Query returns tasks matching the filter, ordered by
// (priority asc, created_at asc).
func (r *Registry) Query(ctx context.Context, f task.Filter) ([]task.Task, error) {
	return r.store.List(ctx, f)
}

// Claim takes exclusive ownership of a pending task for the given agent.
// The final transition is a single compare-and-swap against the version read
// above it, so at most one of any number of concurrent claimers wins; the
// rest see AlreadyClaimedError.
func (r *Registry) Claim(ctx context.Context, taskID, agentID string) (*task.Task, error) {
	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case task.StatusPending:
		// eligible
	case task.StatusBlocked:
		_, pending, derr := r.dependencyState(ctx, t)
		if derr != nil {
			return nil, derr
		}
		return nil, task.DependenciesUnsatisfiedError{ID: taskID, Pending: pending}
	default:
		return nil, task.AlreadyClaimedError{ID: taskID, Assignee: t.Assignee}
	}

	// Re-verify satisfaction against live statuses: the stored pending flag
	// may be stale relative to a very recent dependency change. A stale
	// reject is acceptable; a stale allow is not.
	satisfied, pending, err := r.dependencyState(ctx, t)
	if err != nil {
		return nil, err
	}
	if !satisfied {
		return nil, task.DependenciesUnsatisfiedError{ID: taskID, Pending: pending}
	}

	claimed, err := r.store.CompareAndSwap(ctx, taskID, t.Version, func(next *task.Task) error {
		now := time.Now().Truncate(time.Microsecond)
		next.Status = task.StatusClaimed
		next.Assignee = agentID
		next.ClaimedAt = &now
		return nil
	})
	if err != nil {
		var conflict task.ConflictError
		if errors.As(err, &conflict) {
			// Someone else won the race. The caller should query for other
			// ready work rather than retry this task blindly.
			return nil, task.AlreadyClaimedError{ID: taskID}
		}
		return nil, err
	}

	r.emit(ctx, event.TypeTaskClaimed, agentID, taskID, map[string]any{
		"assignee": agentID,
	})
	return claimed, nil
}

// UpdateStatus applies an assignee-driven status transition, or a cancel.
// Conflicts with concurrent writers are re-read and retried a bounded number
// of times before surfacing.
func (r *Registry) UpdateStatus(ctx context.Context, taskID, agentID string, newStatus task.Status) (*task.Task, error) {
	if !task.ValidStatus(newStatus) {
		return nil, task.InvalidTransitionError{ID: taskID, To: newStatus}
	}
	if task.Derived(newStatus) {
		// pending/blocked are computed from dependency state, never set
		// directly.
		return nil, task.InvalidTransitionError{ID: taskID, To: newStatus}
	}

	var lastErr error
	backoff := r.backoff
	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		t, err := r.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Terminal(t.Status) {
			return nil, task.TerminalStateError{ID: taskID, Status: t.Status}
		}

		cancel := newStatus == task.StatusCancelled
		if !cancel {
			if t.Assignee == "" || t.Assignee != agentID {
				return nil, task.NotOwnerError{ID: taskID, Assignee: t.Assignee, Caller: agentID}
			}
			if !task.CanTransition(t.Status, newStatus) {
				return nil, task.InvalidTransitionError{ID: taskID, From: t.Status, To: newStatus}
			}
		}

		updated, err := r.store.CompareAndSwap(ctx, taskID, t.Version, func(next *task.Task) error {
			next.Status = newStatus
			if newStatus == task.StatusCompleted {
				now := time.Now().Truncate(time.Microsecond)
				next.CompletedAt = &now
			}
			return nil
		})
		if err != nil {
			var conflict task.ConflictError
			if errors.As(err, &conflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		eventType := event.TypeStatusChanged
		if cancel {
			eventType = event.TypeTaskCancelled
		}
		r.emit(ctx, eventType, agentID, taskID, map[string]any{
			"from": string(t.Status),
			"to":   string(newStatus),
		})

		if newStatus == task.StatusCompleted {
			r.propagateCompletion(ctx, taskID)
		}
		return updated, nil
	}
	return nil, lastErr
}

// AddDependency adds an edge to an existing unclaimed task. Validation
// (existence, no self-dependency, no cycle) happens before any write, and
// edge mutations are serialized so two concurrent calls cannot both pass the
// cycle check and commit edges in opposite directions.
func (r *Registry) AddDependency(ctx context.Context, taskID, dependsOn string) (*task.Task, error) {
	if dependsOn == taskID {
		return nil, task.CycleError{ID: taskID, DependsOn: dependsOn}
	}

	r.depMu.Lock()
	defer r.depMu.Unlock()

	var lastErr error
	backoff := r.backoff
	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		t, err := r.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Terminal(t.Status) {
			return nil, task.TerminalStateError{ID: taskID, Status: t.Status}
		}
		if !task.Derived(t.Status) {
			// Claimed or later: the owner is already working against the
			// current prerequisite set.
			return nil, task.AlreadyClaimedError{ID: taskID, Assignee: t.Assignee}
		}

		for _, existing := range t.DependsOn {
			if existing == dependsOn {
				// Edge already present; no version bump, no event.
				return t, nil
			}
		}

		dep, err := r.store.Get(ctx, dependsOn)
		if err != nil {
			return nil, task.UnknownDependencyError{ID: taskID, DependsOn: dependsOn}
		}
		if r.graph.WouldCreateCycle(taskID, dependsOn) {
			return nil, task.CycleError{ID: taskID, DependsOn: dependsOn}
		}

		depDone := dep.Status == task.StatusCompleted
		updated, err := r.store.CompareAndSwap(ctx, taskID, t.Version, func(next *task.Task) error {
			next.DependsOn = append(next.DependsOn, dependsOn)
			if !depDone {
				next.Status = task.StatusBlocked
			}
			return nil
		})
		if err != nil {
			var conflict task.ConflictError
			if errors.As(err, &conflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		r.graph.AddEdge(taskID, dependsOn)

		r.emit(ctx, event.TypeDependencyAdded, "registry", taskID, map[string]any{
			"depends_on": dependsOn,
		})
		return updated, nil
	}
	return nil, lastErr
}

// CheckDependencies reports whether a task's prerequisites are all completed
// and which ones are still outstanding.
func (r *Registry) CheckDependencies(ctx context.Context, taskID string) (bool, []string, error) {
	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return false, nil, err
	}
	return r.dependencyState(ctx, t)
}

// dependencyState evaluates satisfaction against live store statuses.
// Conjunction over direct dependencies only: transitive satisfaction is
// guaranteed because an ancestor cannot itself complete while its own
// dependencies are unsatisfied.
func (r *Registry) dependencyState(ctx context.Context, t *task.Task) (bool, []string, error) {
	var pending []string
	for _, dep := range t.DependsOn {
		dt, err := r.store.Get(ctx, dep)
		if err != nil {
			var notFound task.NotFoundError
			if errors.As(err, &notFound) {
				pending = append(pending, dep)
				continue
			}
			return false, nil, err
		}
		if dt.Status != task.StatusCompleted {
			pending = append(pending, dep)
		}
	}
	return len(pending) == 0, pending, nil
}

func (r *Registry) emit(ctx context.Context, eventType, source, taskID string, payload map[string]any) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Append(ctx, eventType, source, taskID, payload); err != nil {
		log.Printf("registry: emit %s for %s: %v", eventType, taskID, err)
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
