package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store. Compare-and-swap runs inside a
// transaction with a row lock so the version check and the write are atomic.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const taskColumns = `id, title, description, project, priority, status, assignee, tags, depends_on, version, created_at, updated_at, claimed_at, completed_at`

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			project      TEXT NOT NULL DEFAULT '',
			priority     INTEGER NOT NULL DEFAULT 2,
			status       TEXT NOT NULL DEFAULT 'pending',
			assignee     TEXT NOT NULL DEFAULT '',
			tags         TEXT[] DEFAULT '{}',
			depends_on   TEXT[] DEFAULT '{}',
			version      BIGINT NOT NULL DEFAULT 1,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL,
			claimed_at   TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee) WHERE assignee != ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project) WHERE project != ''`)
	return err
}

// Put inserts a new task.
func (s *PgStore) Put(ctx context.Context, t *Task) (*Task, error) {
	cp := t.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	now := time.Now().Truncate(time.Microsecond)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	if cp.Tags == nil {
		cp.Tags = []string{}
	}
	if cp.DependsOn == nil {
		cp.DependsOn = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cp.ID, cp.Title, cp.Description, cp.Project, cp.Priority, cp.Status, cp.Assignee,
		cp.Tags, cp.DependsOn, cp.Version, cp.CreatedAt, cp.UpdatedAt, cp.ClaimedAt, cp.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, DuplicateIDError{ID: cp.ID}
		}
		return nil, fmt.Errorf("put task %s: %w", cp.ID, err)
	}
	return cp, nil
}

// Get retrieves a single task by id.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching the filter, ordered by priority then age.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Task, error) {
	// Build WHERE clause dynamically, one predicate per set filter field.
	where := "TRUE"
	var args []any
	argIdx := 1
	add := func(clause string, v any) {
		where += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, v)
		argIdx++
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Assignee != "" {
		add("assignee = $%d", f.Assignee)
	}
	if f.Project != "" {
		add("project = $%d", f.Project)
	}
	if f.Priority != nil {
		add("priority = $%d", *f.Priority)
	}
	if f.Tag != "" {
		add("$%d = ANY(tags)", f.Tag)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + where +
		` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

// CompareAndSwap locks the row, verifies the version, applies mutate, and
// writes back with version+1, all inside one transaction.
func (s *PgStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate func(*Task) error) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("cas read task %s: %w", id, err)
	}
	if cur.Version != expectedVersion {
		return nil, ConflictError{ID: id, Expected: expectedVersion, Actual: cur.Version}
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().Truncate(time.Microsecond)
	if next.Tags == nil {
		next.Tags = []string{}
	}
	if next.DependsOn == nil {
		next.DependsOn = []string{}
	}

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET title = $2, description = $3, project = $4, priority = $5,
			status = $6, assignee = $7, tags = $8, depends_on = $9, version = $10,
			updated_at = $11, claimed_at = $12, completed_at = $13
		WHERE id = $1`,
		next.ID, next.Title, next.Description, next.Project, next.Priority,
		next.Status, next.Assignee, next.Tags, next.DependsOn, next.Version,
		next.UpdatedAt, next.ClaimedAt, next.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("cas write task %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cas commit task %s: %w", id, err)
	}
	return next, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Project, &t.Priority,
		&t.Status, &t.Assignee, &t.Tags, &t.DependsOn, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &t.ClaimedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
