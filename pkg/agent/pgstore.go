package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed agent store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// NotFoundError indicates the agent id or name matches no record.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.Key)
}

// EnsureTable creates the agents table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS agents_name_idx ON agents(name)`)
	return err
}

// Register creates or returns an existing agent. Idempotent.
func (s *PgStore) Register(ctx context.Context, kind, name string) (*Agent, bool, error) {
	a, err := s.scanOne(ctx, `SELECT id, kind, name, created_at FROM agents WHERE name = $1`, name)
	if err == nil {
		return a, false, nil
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().Truncate(time.Microsecond)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, kind, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		id, kind, name, now)
	if err != nil {
		return nil, false, fmt.Errorf("register agent %s/%s: %w", kind, name, err)
	}
	created := tag.RowsAffected() == 1

	// Re-fetch to handle race conditions (ON CONFLICT DO NOTHING)
	a, err = s.scanOne(ctx, `SELECT id, kind, name, created_at FROM agents WHERE name = $1`, name)
	if err != nil {
		return nil, false, fmt.Errorf("register agent %s/%s: re-fetch failed: %w", kind, name, err)
	}
	return a, created, nil
}

// Get returns an agent by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Agent, error) {
	a, err := s.scanOne(ctx, `SELECT id, kind, name, created_at FROM agents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{Key: id}
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ByName returns an agent by name.
func (s *PgStore) ByName(ctx context.Context, name string) (*Agent, error) {
	a, err := s.scanOne(ctx, `SELECT id, kind, name, created_at FROM agents WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{Key: name}
		}
		return nil, fmt.Errorf("agent by name %s: %w", name, err)
	}
	return a, nil
}

// List returns all agents.
func (s *PgStore) List(ctx context.Context) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, kind, name, created_at FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.Kind, &a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PgStore) scanOne(ctx context.Context, query string, args ...any) (*Agent, error) {
	var a Agent
	err := s.pool.QueryRow(ctx, query, args...).Scan(&a.ID, &a.Kind, &a.Name, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
