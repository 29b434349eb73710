package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Repository using PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed repository from a connection URL.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS call_sessions (
		call_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		state_json JSONB NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_active ON call_sessions(updated_at) WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS call_events (
		event_id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_call_events_created ON call_events(created_at);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSession retrieves a session record by call ID.
func (s *PostgresStore) GetSession(ctx context.Context, callID string) (*SessionRecord, error) {
	query := `
		SELECT call_id, status, state_json, started_at, updated_at, ended_at
		FROM call_sessions WHERE call_id = $1`

	var rec SessionRecord
	var stateJSON []byte
	var endedAt *time.Time

	err := s.pool.QueryRow(ctx, query, callID).Scan(
		&rec.CallID, &rec.Status, &stateJSON,
		&rec.StartedAt, &rec.UpdatedAt, &endedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var state journey.CallSession
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	rec.State = &state
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}

	return &rec, nil
}

// UpsertSession creates or updates a session record.
func (s *PostgresStore) UpsertSession(ctx context.Context, rec *SessionRecord) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	query := `
		INSERT INTO call_sessions (call_id, status, state_json, started_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (call_id) DO UPDATE SET
			status = EXCLUDED.status,
			state_json = EXCLUDED.state_json,
			updated_at = EXCLUDED.updated_at,
			ended_at = COALESCE(EXCLUDED.ended_at, call_sessions.ended_at)`

	var endedAt *time.Time
	if !rec.EndedAt.IsZero() {
		endedAt = &rec.EndedAt
	}

	_, err = s.pool.Exec(ctx, query,
		rec.CallID, rec.Status, stateJSON,
		rec.StartedAt, rec.UpdatedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// EndSession marks a session finished with the given status and end time.
func (s *PostgresStore) EndSession(ctx context.Context, callID, status string, endedAt time.Time) error {
	query := `UPDATE call_sessions SET status = $1, ended_at = $2, updated_at = NOW() WHERE call_id = $3`
	tag, err := s.pool.Exec(ctx, query, status, endedAt, callID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("EndSession affected 0 rows", "call_id", callID)
	}

	return nil
}

// ListActiveSessions returns all sessions still marked in progress.
func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]*SessionRecord, error) {
	query := `
		SELECT call_id, status, state_json, started_at, updated_at, ended_at
		FROM call_sessions WHERE status = $1 ORDER BY started_at`

	rows, err := s.pool.Query(ctx, query, stream.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var recs []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var stateJSON []byte
		var endedAt *time.Time

		if err := rows.Scan(&rec.CallID, &rec.Status, &stateJSON, &rec.StartedAt, &rec.UpdatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}

		var state journey.CallSession
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
		rec.State = &state
		if endedAt != nil {
			rec.EndedAt = *endedAt
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}

	return recs, nil
}

// AppendEvent adds an entry to the event journal.
func (s *PostgresStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO call_events (event_id, call_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, id, rec.CallID, string(rec.Kind), rec.Payload, createdAt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries for a call, newest first.
func (s *PostgresStore) RecentEvents(ctx context.Context, callID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT event_id, call_id, kind, payload, created_at
		FROM call_events WHERE call_id = $1
		ORDER BY created_at DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var recs []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var kind string

		if err := rows.Scan(&rec.ID, &rec.CallID, &kind, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		rec.Kind = stream.EventType(kind)
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent events: %w", err)
	}

	return recs, nil
}

// PruneEvents removes journal entries older than the retention window.
func (s *PostgresStore) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM call_events WHERE created_at < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
