package task

import "fmt"

// NotFoundError indicates the task id matches no record.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.ID)
}

// DuplicateIDError indicates a registration id collision.
type DuplicateIDError struct {
	ID string
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("task already exists: %s", e.ID)
}

// ConflictError indicates a compare-and-swap lost to a concurrent writer.
type ConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("task %s: version conflict: expected %d, found %d", e.ID, e.Expected, e.Actual)
}

// CycleError indicates a dependency edge would close a cycle.
type CycleError struct {
	ID        string
	DependsOn string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("task %s: dependency on %s would create a cycle", e.ID, e.DependsOn)
}

// UnknownDependencyError indicates a referenced dependency id does not exist.
type UnknownDependencyError struct {
	ID        string
	DependsOn string
}

func (e UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s: unknown dependency %s", e.ID, e.DependsOn)
}

// AlreadyClaimedError indicates the task is not available to claim.
type AlreadyClaimedError struct {
	ID       string
	Assignee string
}

func (e AlreadyClaimedError) Error() string {
	if e.Assignee == "" {
		return fmt.Sprintf("task %s is not available to claim", e.ID)
	}
	return fmt.Sprintf("task %s is already claimed by %s", e.ID, e.Assignee)
}

// DependenciesUnsatisfiedError indicates a claim on a task with incomplete
// dependencies.
type DependenciesUnsatisfiedError struct {
	ID      string
	Pending []string
}

func (e DependenciesUnsatisfiedError) Error() string {
	return fmt.Sprintf("task %s has unsatisfied dependencies: %v", e.ID, e.Pending)
}

// NotOwnerError indicates a status update from someone other than the
// current assignee.
type NotOwnerError struct {
	ID       string
	Assignee string
	Caller   string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("task %s is owned by %q, not %q", e.ID, e.Assignee, e.Caller)
}

// InvalidTransitionError indicates a status change the state machine does
// not permit.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// TerminalStateError indicates a mutation of a completed or cancelled task.
type TerminalStateError struct {
	ID     string
	Status Status
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("task %s is %s and cannot change", e.ID, e.Status)
}
