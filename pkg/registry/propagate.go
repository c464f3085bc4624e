package registry

import (
	"context"
	"log"
	"time"

	"crewboard/pkg/event"
	"crewboard/pkg/task"
)

// propagateCompletion recomputes the blocked/pending state of every direct
// dependent after a completion. Cascades across multiple dependency levels
// happen only through further completions, each triggering its own
// propagation; a single call never walks deeper than one hop.
func (r *Registry) propagateCompletion(ctx context.Context, taskID string) {
	for _, depID := range r.graph.DependentsOf(taskID) {
		if err := r.unblockIfSatisfied(ctx, depID); err != nil {
			// Never silently leave a dependent inaccessible: the sweep
			// recomputes all blocked tasks from scratch.
			log.Printf("registry: unblock %s after completion of %s: %v (left for sweep)", depID, taskID, err)
		}
	}
}

// unblockIfSatisfied moves a blocked task to pending once every dependency
// is completed. Transient store errors and CAS conflicts are retried with
// doubling backoff up to the configured attempt bound.
func (r *Registry) unblockIfSatisfied(ctx context.Context, id string) error {
	var lastErr error
	backoff := r.backoff
	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		t, err := r.store.Get(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		if t.Status != task.StatusBlocked {
			return nil
		}
		satisfied, _, err := r.dependencyState(ctx, t)
		if err != nil {
			lastErr = err
			continue
		}
		if !satisfied {
			return nil
		}

		// The propagator is the one authorized writer of the derived
		// pending/blocked states.
		_, err = r.store.CompareAndSwap(ctx, id, t.Version, func(next *task.Task) error {
			next.Status = task.StatusPending
			return nil
		})
		if err != nil {
			lastErr = err
			continue
		}

		r.emit(ctx, event.TypeTaskUnblocked, "registry", id, nil)
		return nil
	}
	return lastErr
}

// SweepResult summarizes one consistency sweep.
type SweepResult struct {
	Unblocked int
	Reblocked int
}

// Sweep recomputes the derived status of every blocked and pending task from
// scratch. It is the reconciliation path for propagation attempts that
// exhausted their retries, and repairs state edited out-of-band.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	blocked, err := r.store.List(ctx, task.Filter{Status: task.StatusBlocked})
	if err != nil {
		return res, err
	}
	for i := range blocked {
		t := &blocked[i]
		satisfied, _, err := r.dependencyState(ctx, t)
		if err != nil {
			log.Printf("sweep: check %s: %v", t.ID, err)
			continue
		}
		if !satisfied {
			continue
		}
		if _, err := r.store.CompareAndSwap(ctx, t.ID, t.Version, func(next *task.Task) error {
			next.Status = task.StatusPending
			return nil
		}); err != nil {
			log.Printf("sweep: unblock %s: %v", t.ID, err)
			continue
		}
		r.emit(ctx, event.TypeTaskUnblocked, "registry", t.ID, nil)
		res.Unblocked++
	}

	pending, err := r.store.List(ctx, task.Filter{Status: task.StatusPending})
	if err != nil {
		return res, err
	}
	for i := range pending {
		t := &pending[i]
		satisfied, _, err := r.dependencyState(ctx, t)
		if err != nil {
			log.Printf("sweep: check %s: %v", t.ID, err)
			continue
		}
		if satisfied {
			continue
		}
		if _, err := r.store.CompareAndSwap(ctx, t.ID, t.Version, func(next *task.Task) error {
			next.Status = task.StatusBlocked
			return nil
		}); err != nil {
			log.Printf("sweep: reblock %s: %v", t.ID, err)
			continue
		}
		r.emit(ctx, event.TypeTaskReblocked, "registry", t.ID, nil)
		res.Reblocked++
	}

	return res, nil
}

// Run sweeps periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	log.Printf("registry: consistency sweep every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("registry: sweep loop shutting down")
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				log.Printf("sweep: %v", err)
				continue
			}
			if res.Unblocked > 0 || res.Reblocked > 0 {
				log.Printf("sweep: unblocked %d, reblocked %d", res.Unblocked, res.Reblocked)
			}
		}
	}
}
