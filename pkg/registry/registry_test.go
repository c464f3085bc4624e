package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crewboard/pkg/event"
	"crewboard/pkg/task"
)

func newTestRegistry(t *testing.T) (*Registry, *task.MemStore, *event.MemStore) {
	t.Helper()
	store := task.NewMemStore()
	events := event.NewMemStore()
	reg, err := New(context.Background(), store, events,
		WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, store, events
}

func register(t *testing.T, reg *Registry, in RegisterInput) *task.Task {
	t.Helper()
	created, err := reg.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("register %q: %v", in.Title, err)
	}
	return created
}

// complete walks a claimed task through the full assignee-driven chain.
func complete(t *testing.T, reg *Registry, taskID, agentID string) {
	t.Helper()
	ctx := context.Background()
	for _, s := range []task.Status{task.StatusInProgress, task.StatusReview, task.StatusCompleted} {
		if _, err := reg.UpdateStatus(ctx, taskID, agentID, s); err != nil {
			t.Fatalf("update %s -> %s: %v", taskID, s, err)
		}
	}
}

func TestRegisterNoDepsIsPending(t *testing.T) {
	reg, _, events := newTestRegistry(t)
	created := register(t, reg, RegisterInput{Title: "solo"})

	if created.Status != task.StatusPending {
		t.Errorf("status: want pending, got %s", created.Status)
	}
	if created.ID == "" || created.Version != 1 {
		t.Errorf("unexpected record: id=%q version=%d", created.ID, created.Version)
	}

	evts, _ := events.ByType(context.Background(), event.TypeTaskRegistered, 10)
	if len(evts) != 1 || evts[0].TaskID != created.ID {
		t.Errorf("expected one task.registered event for %s, got %v", created.ID, evts)
	}
}

func TestRegisterWithIncompleteDepIsBlocked(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b", DependsOn: []string{a.ID}})

	if b.Status != task.StatusBlocked {
		t.Errorf("status: want blocked, got %s", b.Status)
	}
}

func TestRegisterWithCompletedDepIsPending(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := register(t, reg, RegisterInput{Title: "a"})
	if _, err := reg.Claim(ctx, a.ID, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	complete(t, reg, a.ID, "w1")

	b := register(t, reg, RegisterInput{Title: "b", DependsOn: []string{a.ID}})
	if b.Status != task.StatusPending {
		t.Errorf("status: want pending, got %s", b.Status)
	}
}

func TestRegisterUnknownDependency(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), RegisterInput{Title: "x", DependsOn: []string{"ghost"}})
	var unknown task.UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("want UnknownDependencyError, got %v", err)
	}

	// The rejection must leave no partial write.
	all, _ := store.List(context.Background(), task.Filter{})
	if len(all) != 0 {
		t.Errorf("store must be unchanged, found %d tasks", len(all))
	}
}

func TestRegisterSelfDependency(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), RegisterInput{ID: "me", Title: "x", DependsOn: []string{"me"}})
	var cycle task.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("want CycleError, got %v", err)
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, RegisterInput{ID: "fixed", Title: "first"})
	_, err := reg.Register(context.Background(), RegisterInput{ID: "fixed", Title: "second"})
	var dup task.DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("want DuplicateIDError, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, RegisterInput{}); err == nil {
		t.Error("empty title must be rejected")
	}
	if _, err := reg.Register(ctx, RegisterInput{Title: "x", Priority: 9}); err == nil {
		t.Error("out-of-range priority must be rejected")
	}
}

func TestClaimSuccess(t *testing.T) {
	reg, _, events := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})

	claimed, err := reg.Claim(ctx, a.ID, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != task.StatusClaimed || claimed.Assignee != "w1" {
		t.Errorf("got status=%s assignee=%q", claimed.Status, claimed.Assignee)
	}
	if claimed.ClaimedAt == nil {
		t.Error("claimed_at must be set")
	}
	if claimed.Version != a.Version+1 {
		t.Errorf("version: want %d, got %d", a.Version+1, claimed.Version)
	}

	evts, _ := events.ByType(ctx, event.TypeTaskClaimed, 10)
	if len(evts) != 1 || evts[0].Source != "w1" {
		t.Errorf("expected one task.claimed event from w1, got %v", evts)
	}
}

// TestClaimConcurrent verifies the no-double-claim property: with many
// concurrent claimers, exactly one wins and the rest see AlreadyClaimedError.
func TestClaimConcurrent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "contested"})

	const claimers = 32
	var wg sync.WaitGroup
	results := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = reg.Claim(ctx, a.ID, fmt.Sprintf("agent-%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var alreadyClaimed task.AlreadyClaimedError
		if !errors.As(err, &alreadyClaimed) {
			t.Errorf("loser must see AlreadyClaimedError, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly 1 winner, got %d", wins)
	}
}

// TestClaimBlockedTask verifies dependency gating: a task with an incomplete
// dependency can never be claimed.
func TestClaimBlockedTask(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b", DependsOn: []string{a.ID}})

	_, err := reg.Claim(ctx, b.ID, "w1")
	var unsatisfied task.DependenciesUnsatisfiedError
	if !errors.As(err, &unsatisfied) {
		t.Fatalf("want DependenciesUnsatisfiedError, got %v", err)
	}
	if len(unsatisfied.Pending) != 1 || unsatisfied.Pending[0] != a.ID {
		t.Errorf("pending: want [%s], got %v", a.ID, unsatisfied.Pending)
	}
}

// TestClaimStalePendingStatus covers the race where the stored pending flag
// is stale: a task whose status says pending but whose dependency is not
// completed must still be rejected by the live re-verification.
func TestClaimStalePendingStatus(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b"})

	// Simulate out-of-band state damage: b claims to be pending while
	// depending on the unfinished a.
	cur, _ := store.Get(ctx, b.ID)
	if _, err := store.CompareAndSwap(ctx, b.ID, cur.Version, func(next *task.Task) error {
		next.DependsOn = []string{a.ID}
		return nil
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	reg.graph.AddEdge(b.ID, a.ID)

	_, err := reg.Claim(ctx, b.ID, "w1")
	var unsatisfied task.DependenciesUnsatisfiedError
	if !errors.As(err, &unsatisfied) {
		t.Fatalf("stale pending must reject, got %v", err)
	}
}

func TestClaimNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Claim(context.Background(), "ghost", "w1")
	var notFound task.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestUpdateStatusNotOwner(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	reg.Claim(ctx, a.ID, "x")

	_, err := reg.UpdateStatus(ctx, a.ID, "y", task.StatusInProgress)
	var notOwner task.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("want NotOwnerError, got %v", err)
	}
}

func TestUpdateStatusSkippingStates(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	reg.Claim(ctx, a.ID, "x")

	_, err := reg.UpdateStatus(ctx, a.ID, "x", task.StatusCompleted)
	var invalid task.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("claimed -> completed must be rejected, got %v", err)
	}
}

func TestUpdateStatusDerivedStatesRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})

	for _, s := range []task.Status{task.StatusPending, task.StatusBlocked} {
		_, err := reg.UpdateStatus(ctx, a.ID, "x", s)
		var invalid task.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("direct set of derived state %s must be rejected, got %v", s, err)
		}
	}
}

func TestUpdateStatusReviewSendBack(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	reg.Claim(ctx, a.ID, "x")
	reg.UpdateStatus(ctx, a.ID, "x", task.StatusInProgress)
	reg.UpdateStatus(ctx, a.ID, "x", task.StatusReview)

	reworked, err := reg.UpdateStatus(ctx, a.ID, "x", task.StatusInProgress)
	if err != nil {
		t.Fatalf("review -> in_progress: %v", err)
	}
	if reworked.Status != task.StatusInProgress {
		t.Errorf("status: want in_progress, got %s", reworked.Status)
	}
}

func TestUpdateStatusTerminal(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	reg.Claim(ctx, a.ID, "x")
	complete(t, reg, a.ID, "x")

	_, err := reg.UpdateStatus(ctx, a.ID, "x", task.StatusInProgress)
	var terminal task.TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("completed task must be immutable, got %v", err)
	}

	// Cancel is no exception for completed tasks.
	_, err = reg.UpdateStatus(ctx, a.ID, "admin", task.StatusCancelled)
	if !errors.As(err, &terminal) {
		t.Fatalf("cancel of completed task must be rejected, got %v", err)
	}
}

func TestCancelByNonOwner(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	reg.Claim(ctx, a.ID, "x")

	// An administrative caller may cancel work it does not own.
	cancelled, err := reg.UpdateStatus(ctx, a.ID, "admin", task.StatusCancelled)
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Errorf("status: want cancelled, got %s", cancelled.Status)
	}

	_, err = reg.UpdateStatus(ctx, a.ID, "x", task.StatusInProgress)
	var terminal task.TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("cancelled task must be immutable, got %v", err)
	}
}

func TestCancelUnclaimedTask(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})

	cancelled, err := reg.UpdateStatus(ctx, a.ID, "admin", task.StatusCancelled)
	if err != nil {
		t.Fatalf("cancel pending task: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Errorf("status: want cancelled, got %s", cancelled.Status)
	}
}

func TestCheckDependencies(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b"})
	c := register(t, reg, RegisterInput{Title: "c", DependsOn: []string{a.ID, b.ID}})

	satisfied, pending, err := reg.CheckDependencies(ctx, c.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if satisfied || len(pending) != 2 {
		t.Errorf("want unsatisfied with 2 pending, got satisfied=%v pending=%v", satisfied, pending)
	}

	reg.Claim(ctx, a.ID, "w")
	complete(t, reg, a.ID, "w")

	satisfied, pending, _ = reg.CheckDependencies(ctx, c.ID)
	if satisfied || len(pending) != 1 || pending[0] != b.ID {
		t.Errorf("want [%s] pending, got satisfied=%v pending=%v", b.ID, satisfied, pending)
	}

	reg.Claim(ctx, b.ID, "w")
	complete(t, reg, b.ID, "w")

	satisfied, pending, _ = reg.CheckDependencies(ctx, c.ID)
	if !satisfied || len(pending) != 0 {
		t.Errorf("want satisfied, got satisfied=%v pending=%v", satisfied, pending)
	}
}

func TestAddDependencyBlocksPendingTask(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b"})

	updated, err := reg.AddDependency(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if updated.Status != task.StatusBlocked {
		t.Errorf("status: want blocked, got %s", updated.Status)
	}
	if len(updated.DependsOn) != 1 || updated.DependsOn[0] != a.ID {
		t.Errorf("depends_on: got %v", updated.DependsOn)
	}
}

func TestAddDependencyCycleRejectedAtomically(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b", DependsOn: []string{a.ID}})

	_, err := reg.AddDependency(ctx, a.ID, b.ID)
	var cycle task.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("want CycleError, got %v", err)
	}

	// No partial write: a is untouched.
	got, _ := store.Get(ctx, a.ID)
	if len(got.DependsOn) != 0 || got.Version != a.Version {
		t.Errorf("rejected edge must not modify the task: %+v", got)
	}
}

func TestAddDependencyToClaimedTask(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b"})
	reg.Claim(ctx, b.ID, "x")

	_, err := reg.AddDependency(ctx, b.ID, a.ID)
	var alreadyClaimed task.AlreadyClaimedError
	if !errors.As(err, &alreadyClaimed) {
		t.Fatalf("claimed tasks must not gain dependencies, got %v", err)
	}
}

// TestLifecycleScenario is the end-to-end contract: blocked on registration,
// unblocked by the dependency's completion, exclusively claimed, guarded
// against non-owners, and completed by the owner.
func TestLifecycleScenario(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	a := register(t, reg, RegisterInput{Title: "A"})
	b := register(t, reg, RegisterInput{Title: "B", DependsOn: []string{a.ID}})
	if b.Status != task.StatusBlocked {
		t.Fatalf("B: want blocked, got %s", b.Status)
	}

	if _, err := reg.Claim(ctx, a.ID, "w0"); err != nil {
		t.Fatalf("claim A: %v", err)
	}
	complete(t, reg, a.ID, "w0")

	// Completing A must move B to pending with no further calls.
	got, _ := reg.Get(ctx, b.ID)
	if got.Status != task.StatusPending {
		t.Fatalf("B after A completes: want pending, got %s", got.Status)
	}

	claimed, err := reg.Claim(ctx, b.ID, "x")
	if err != nil {
		t.Fatalf("claim B as x: %v", err)
	}
	if claimed.Status != task.StatusClaimed || claimed.Assignee != "x" {
		t.Fatalf("B: want claimed by x, got %s/%q", claimed.Status, claimed.Assignee)
	}

	_, err = reg.Claim(ctx, b.ID, "y")
	var alreadyClaimed task.AlreadyClaimedError
	if !errors.As(err, &alreadyClaimed) {
		t.Fatalf("claim B as y: want AlreadyClaimedError, got %v", err)
	}

	_, err = reg.UpdateStatus(ctx, b.ID, "y", task.StatusInProgress)
	var notOwner task.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("update B as y: want NotOwnerError, got %v", err)
	}

	complete(t, reg, b.ID, "x")
	final, _ := reg.Get(ctx, b.ID)
	if final.Status != task.StatusCompleted {
		t.Fatalf("B: want completed, got %s", final.Status)
	}
}

// gatedStore wraps a Store and blocks the first CompareAndSwap until
// released, exposing the window between a caller's validation and its write.
type gatedStore struct {
	task.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) CompareAndSwap(ctx context.Context, id string, expected int64, mutate func(*task.Task) error) (*task.Task, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.CompareAndSwap(ctx, id, expected, mutate)
}

// TestAddDependencyConcurrentOppositeEdges verifies two concurrent calls in
// opposite directions cannot both pass the cycle check: edge mutations are
// serialized, so one commits and the other sees CycleError. Without that, a
// committed cycle would leave both tasks blocked with no repair path.
func TestAddDependencyConcurrentOppositeEdges(t *testing.T) {
	gated := &gatedStore{
		Store:   task.NewMemStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	reg, err := New(context.Background(), gated, event.NewMemStore(),
		WithRetry(3, time.Millisecond))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ctx := context.Background()
	register(t, reg, RegisterInput{ID: "a", Title: "a"})
	register(t, reg, RegisterInput{ID: "b", Title: "b"})

	first := make(chan error, 1)
	go func() {
		_, err := reg.AddDependency(ctx, "a", "b")
		first <- err
	}()
	// First caller has passed its cycle check and is paused mid-write.
	<-gated.entered

	second := make(chan error, 1)
	go func() {
		_, err := reg.AddDependency(ctx, "b", "a")
		second <- err
	}()

	// The opposite edge must not commit while the first is in flight.
	select {
	case err := <-second:
		t.Fatalf("second call finished before the first committed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gated.release)

	if err := <-first; err != nil {
		t.Fatalf("first edge: %v", err)
	}
	var cycle task.CycleError
	if err := <-second; !errors.As(err, &cycle) {
		t.Fatalf("second edge must be rejected as a cycle, got %v", err)
	}

	gotA, _ := gated.Get(ctx, "a")
	gotB, _ := gated.Get(ctx, "b")
	if len(gotA.DependsOn) != 1 || gotA.DependsOn[0] != "b" {
		t.Errorf("a.depends_on: want [b], got %v", gotA.DependsOn)
	}
	if len(gotB.DependsOn) != 0 {
		t.Errorf("b.depends_on: want none, got %v", gotB.DependsOn)
	}
}

func TestAddDependencyIdempotent(t *testing.T) {
	reg, _, events := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, RegisterInput{Title: "a"})
	b := register(t, reg, RegisterInput{Title: "b"})

	first, err := reg.AddDependency(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	again, err := reg.AddDependency(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("re-add dependency: %v", err)
	}
	if again.Version != first.Version {
		t.Errorf("re-adding an existing edge must not bump the version: %d vs %d",
			again.Version, first.Version)
	}
	if len(again.DependsOn) != 1 {
		t.Errorf("depends_on: want one entry, got %v", again.DependsOn)
	}

	evts, _ := events.ByType(ctx, event.TypeDependencyAdded, 10)
	if len(evts) != 1 {
		t.Errorf("want one task.dependency_added event, got %d", len(evts))
	}
}
