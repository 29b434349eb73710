package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/shared"
	"github.com/fixfirsthq/callpilot/internal/stream"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	journalMu sync.Mutex // Mutex for journal writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS call_sessions (
		call_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		state_json TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_active ON call_sessions(updated_at) WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS call_events (
		event_id TEXT PRIMARY KEY,
		call_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_call_events_created ON call_events(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession retrieves a session record by call ID.
func (s *SQLiteStore) GetSession(ctx context.Context, callID string) (*SessionRecord, error) {
	query := `
		SELECT call_id, status, state_json, started_at, updated_at, ended_at
		FROM call_sessions WHERE call_id = ?`

	row := s.db.QueryRowContext(ctx, query, callID)

	var rec SessionRecord
	var stateJSON string
	var startedAt, updatedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(&rec.CallID, &rec.Status, &stateJSON, &startedAt, &updatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var state journey.CallSession
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	rec.State = &state
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if endedAt.Valid {
		rec.EndedAt = time.Unix(endedAt.Int64, 0)
	}

	return &rec, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec *SessionRecord) error {
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	query := `
	INSERT INTO call_sessions (call_id, status, state_json, started_at, updated_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(call_id) DO UPDATE SET
		status = excluded.status,
		state_json = excluded.state_json,
		updated_at = excluded.updated_at,
		ended_at = COALESCE(excluded.ended_at, call_sessions.ended_at)`

	var endedAt interface{}
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt.Unix()
	}

	_, err = s.db.ExecContext(ctx, query,
		rec.CallID, rec.Status, string(stateJSON),
		rec.StartedAt.Unix(), rec.UpdatedAt.Unix(), endedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// EndSession marks a session finished with the given status and end time.
func (s *SQLiteStore) EndSession(ctx context.Context, callID, status string, endedAt time.Time) error {
	query := `UPDATE call_sessions SET status = ?, ended_at = ?, updated_at = ? WHERE call_id = ?`
	result, err := s.db.ExecContext(ctx, query, status, endedAt.Unix(), time.Now().Unix(), callID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("EndSession affected 0 rows", "call_id", callID)
	}

	return nil
}

// ListActiveSessions returns all sessions still marked in progress.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*SessionRecord, error) {
	query := `
		SELECT call_id, status, state_json, started_at, updated_at, ended_at
		FROM call_sessions WHERE status = ? ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, stream.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active sessions rows", "error", closeErr)
		}
	}()

	var recs []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var stateJSON string
		var startedAt, updatedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(&rec.CallID, &rec.Status, &stateJSON, &startedAt, &updatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}

		var state journey.CallSession
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("decode session state: %w", err)
		}
		rec.State = &state
		rec.StartedAt = time.Unix(startedAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		if endedAt.Valid {
			rec.EndedAt = time.Unix(endedAt.Int64, 0)
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}

	return recs, nil
}

// AppendEvent adds an entry to the event journal.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.appendEventOnce(ctx, rec)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("AppendEvent failed with SQLITE_BUSY, retrying",
					"call_id", rec.CallID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		// Non-retryable error or max retries exceeded
		return fmt.Errorf("failed to append event for %s after %d attempts: %w", rec.CallID, maxRetries, err)
	}

	return nil
}

// appendEventOnce performs a single insert attempt.
func (s *SQLiteStore) appendEventOnce(ctx context.Context, rec *EventRecord) error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

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
		VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		id, rec.CallID, string(rec.Kind), string(rec.Payload), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries for a call, newest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, callID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT event_id, call_id, kind, payload, created_at
		FROM call_events WHERE call_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent events rows", "error", closeErr)
		}
	}()

	var recs []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var kind, payload string
		var createdAt int64

		if err := rows.Scan(&rec.ID, &rec.CallID, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		rec.Kind = stream.EventType(kind)
		rec.Payload = []byte(payload)
		rec.CreatedAt = time.Unix(createdAt, 0)
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent events: %w", err)
	}

	return recs, nil
}

// PruneEvents removes journal entries older than the retention window.
func (s *SQLiteStore) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	threshold := time.Now().Add(-retention).Unix()
	query := `DELETE FROM call_events WHERE created_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
