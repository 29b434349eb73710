// Package store provides persistence for call sessions and their event
// journal. The hub is the owner of record for session state; the journal
// is an append-only trail of every live event that reached the hub.
package store

import (
	"context"
	"time"

	"github.com/fixfirsthq/callpilot/internal/journey"
	"github.com/fixfirsthq/callpilot/internal/stream"
)

// SessionRecord is the durable form of a call session.
type SessionRecord struct {
	CallID    string
	Status    string
	State     *journey.CallSession
	StartedAt time.Time
	UpdatedAt time.Time
	EndedAt   time.Time // zero while the call is live
}

// EventRecord is one entry in the append-only event journal.
type EventRecord struct {
	ID        string
	CallID    string
	Kind      stream.EventType
	Payload   []byte
	CreatedAt time.Time
}

// Repository defines the interface for session persistence operations.
type Repository interface {
	// GetSession retrieves a session record by call ID.
	// Returns nil without an error when the call is unknown.
	GetSession(ctx context.Context, callID string) (*SessionRecord, error)

	// UpsertSession creates or updates a session record. An existing
	// record keeps its started_at; a set ended_at is never cleared.
	UpsertSession(ctx context.Context, rec *SessionRecord) error

	// EndSession marks a session finished with the given status and end time.
	EndSession(ctx context.Context, callID, status string, endedAt time.Time) error

	// ListActiveSessions returns all sessions still marked in progress,
	// oldest first.
	ListActiveSessions(ctx context.Context) ([]*SessionRecord, error)

	// AppendEvent adds an entry to the event journal. A missing ID or
	// created-at is filled in.
	AppendEvent(ctx context.Context, rec *EventRecord) error

	// RecentEvents returns up to limit journal entries for a call,
	// newest first.
	RecentEvents(ctx context.Context, callID string, limit int) ([]*EventRecord, error)

	// PruneEvents deletes journal entries older than the retention window
	// and returns the number removed.
	PruneEvents(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying database connections.
	Close() error
}
