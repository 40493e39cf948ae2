// Package store provides the durable persistence layer for sessions and
// events. Postgres is the production implementation; Memory backs tests
// and storeless development runs.
package store

import (
	"context"
	"time"

	"github.com/jelmore-io/jelmore/internal/session"
)

// Filter narrows ListSessions results. Zero values mean "no constraint".
type Filter struct {
	UserID string
	Status session.Status
	Limit  int
}

// EventRow is a persisted event, kept for audit alongside the bus publish.
type EventRow struct {
	ID        string
	SessionID string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}

// Store persists session snapshots and event history.
//
// Write failures are surfaced to callers as StoreError; the orchestrator
// flags the session for reconciliation rather than rolling back.
type Store interface {
	// InsertSession persists a brand new session snapshot.
	InsertSession(ctx context.Context, snap session.Snapshot) error
	// UpdateSession persists the current snapshot over the stored one.
	// Updating an unknown session is an insert (the reconcile pass relies
	// on this after a failed initial insert).
	UpdateSession(ctx context.Context, snap session.Snapshot) error
	// GetSession returns the stored snapshot, or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (session.Snapshot, error)
	// ListSessions returns stored snapshots matching the filter, newest first.
	ListSessions(ctx context.Context, f Filter) ([]session.Snapshot, error)
	// AppendEvent records an event row.
	AppendEvent(ctx context.Context, row EventRow) error
	// Close releases the underlying connection pool.
	Close()
}
