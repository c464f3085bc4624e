package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed event log.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const eventColumns = `id, type, source, task_id, payload, created_at`

// EnsureTable creates the events table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			task_id    TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id) WHERE task_id != ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_events_created_id ON events(created_at, id)`)
	return err
}

// Append creates and stores a new event.
func (s *PgStore) Append(ctx context.Context, eventType, source, taskID string, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	e := &Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Source:    source,
		TaskID:    taskID,
		Payload:   payload,
		CreatedAt: time.Now().Truncate(time.Microsecond),
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		e.ID, e.Type, e.Source, e.TaskID, string(payloadJSON), e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return e, nil
}

// Recent returns the newest events, newest first.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM events
		ORDER BY created_at DESC, id DESC LIMIT $1`, nullableLimit(limit))
}

// ByTask returns a task's events in chronological order.
func (s *PgStore) ByTask(ctx context.Context, taskID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM events WHERE task_id = $1
		ORDER BY created_at ASC, id ASC LIMIT $2`, taskID, nullableLimit(limit))
}

// ByType returns events of one type, newest first.
func (s *PgStore) ByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM events WHERE type = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, eventType, nullableLimit(limit))
}

// Since returns events appended after the given id, oldest first.
func (s *PgStore) Since(ctx context.Context, afterID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE (created_at, id) > (SELECT created_at, id FROM events WHERE id = $1)
		ORDER BY created_at ASC, id ASC LIMIT $2`, afterID, nullableLimit(limit))
}

// nullableLimit maps "no limit" (<= 0) to LIMIT NULL.
func nullableLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// Count returns the total number of events.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var payloadJSON []byte
	if err := row.Scan(&e.ID, &e.Type, &e.Source, &e.TaskID, &payloadJSON, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
		e.Payload = map[string]any{}
	}
	return &e, nil
}
