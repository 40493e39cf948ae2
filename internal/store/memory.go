package store

import (
	"context"
	"sort"
	"sync"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/session"
)

// Memory is an in-process Store used in tests and storeless development
// runs. FailWrites simulates a database outage.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]session.Snapshot
	events   []EventRow

	failWrites error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]session.Snapshot)}
}

// FailWrites makes all subsequent writes fail with a StoreError wrapping
// cause. Pass nil to heal the store.
func (m *Memory) FailWrites(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = cause
}

// InsertSession persists a new session snapshot.
func (m *Memory) InsertSession(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return errors.NewStoreError("insert", m.failWrites)
	}
	m.sessions[snap.ID] = snap
	return nil
}

// UpdateSession upserts the snapshot.
func (m *Memory) UpdateSession(_ context.Context, snap session.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return errors.NewStoreError("update", m.failWrites)
	}
	m.sessions[snap.ID] = snap
	return nil
}

// GetSession returns the stored snapshot for id.
func (m *Memory) GetSession(_ context.Context, id string) (session.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.sessions[id]
	if !ok {
		return session.Snapshot{}, errors.ErrSessionNotFound
	}
	return snap, nil
}

// ListSessions returns stored snapshots matching the filter, newest first.
func (m *Memory) ListSessions(_ context.Context, f Filter) ([]session.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []session.Snapshot
	for _, snap := range m.sessions {
		if f.UserID != "" && snap.UserID != f.UserID {
			continue
		}
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AppendEvent records an event row.
func (m *Memory) AppendEvent(_ context.Context, row EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites != nil {
		return errors.NewStoreError("append event", m.failWrites)
	}
	m.events = append(m.events, row)
	return nil
}

// Events returns a copy of recorded events, for test assertions.
func (m *Memory) Events() []EventRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventRow, len(m.events))
	copy(out, m.events)
	return out
}

// Close is a no-op.
func (m *Memory) Close() {}
