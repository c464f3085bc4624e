// Package agent tracks the identities of workers that claim tasks. Identity
// is supplied by callers and trusted; this registry exists so queries and
// events can resolve who holds what, not to authenticate anyone.
package agent

import (
	"context"
	"time"
)

// Agent represents a worker process known to the registry.
type Agent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // "worker", "human", "system"
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the contract for agent persistence.
type Store interface {
	// Register creates or returns an existing agent. Idempotent: matches
	// on name. created reports whether a new record was written, so
	// callers can announce first-time registrations.
	Register(ctx context.Context, kind, name string) (a *Agent, created bool, err error)

	// Get returns an agent by ID.
	Get(ctx context.Context, id string) (*Agent, error)

	// ByName returns an agent by name.
	ByName(ctx context.Context, name string) (*Agent, error)

	// List returns all agents.
	List(ctx context.Context) ([]Agent, error)

	// EnsureTable prepares backing storage.
	EnsureTable(ctx context.Context) error
}
