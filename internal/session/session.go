// Package session defines the session model: the status enum with its
// transition table, the Session struct, and the bounded output buffer.
// The orchestrator package owns all mutation; types here only enforce
// which mutations are legal.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	// StatusInitializing is the state between create being accepted and the
	// provider confirming the subprocess/remote session is live.
	StatusInitializing Status = "initializing"
	// StatusActive means the agent is processing and producing output.
	StatusActive Status = "active"
	// StatusIdle means the agent finished its current work and is waiting.
	StatusIdle Status = "idle"
	// StatusWaitingInput means the agent asked a question and is blocked on
	// the user.
	StatusWaitingInput Status = "waiting_input"
	// StatusTerminated is the terminal state of a deliberate shutdown.
	StatusTerminated Status = "terminated"
	// StatusFailed is the terminal state of an unrecoverable error.
	StatusFailed Status = "failed"
)

// transitions is the closed set of legal status transitions. FAILED is
// reachable from every non-terminal state; terminal states have no exits.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusActive, StatusFailed, StatusTerminated},
	StatusActive:       {StatusIdle, StatusWaitingInput, StatusTerminated, StatusFailed},
	StatusIdle:         {StatusActive, StatusWaitingInput, StatusTerminated, StatusFailed},
	StatusWaitingInput: {StatusActive, StatusIdle, StatusTerminated, StatusFailed},
	StatusTerminated:   {},
	StatusFailed:       {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s is a terminal status. Terminal sessions
// accept no further transitions or input.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// CanTransitionTo reports whether the transition s -> target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// AcceptsInput reports whether a session in this status can receive input.
func (s Status) AcceptsInput() bool {
	return s == StatusActive || s == StatusWaitingInput
}

// String returns the status as a string.
func (s Status) String() string {
	return string(s)
}

// Session is the in-memory representation of one agent session. Fields are
// mutated only by the orchestrator while holding the session's lock; other
// packages work with immutable Snapshots.
type Session struct {
	ID             string
	Status         Status
	Query          string
	WorkDir        string
	UserID         string
	ProviderType   string
	ProviderHandle string
	Metadata       map[string]any

	// Output is the bounded FIFO buffer of agent output chunks.
	Output *Buffer

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity time.Time
	TerminatedAt *time.Time

	// Reconciling marks a session whose last durable write failed. The
	// sweeper retries the store write each cycle until it succeeds or the
	// session terminates.
	Reconciling bool
}

// New creates a Session in the INITIALIZING state with a fresh UUID.
func New(query, workDir, userID string, bufferChunks int) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.New().String(),
		Status:       StatusInitializing,
		Query:        query,
		WorkDir:      workDir,
		UserID:       userID,
		Metadata:     make(map[string]any),
		Output:       NewBuffer(bufferChunks),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
}

// Snapshot is an immutable copy of a session's persistable state. It is
// what gets cached, stored, published, and returned to API callers.
type Snapshot struct {
	ID             string         `json:"id"`
	Status         Status         `json:"status"`
	Query          string         `json:"query"`
	WorkDir        string         `json:"work_dir"`
	UserID         string         `json:"user_id,omitempty"`
	ProviderType   string         `json:"provider_type"`
	ProviderHandle string         `json:"provider_handle,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastActivity   time.Time      `json:"last_activity"`
	TerminatedAt   *time.Time     `json:"terminated_at,omitempty"`
	Reconciling    bool           `json:"reconciling,omitempty"`
}

// Snapshot returns an immutable copy of the session's state. The caller
// must hold the session's lock.
func (s *Session) Snapshot() Snapshot {
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}

	var terminatedAt *time.Time
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		terminatedAt = &t
	}

	return Snapshot{
		ID:             s.ID,
		Status:         s.Status,
		Query:          s.Query,
		WorkDir:        s.WorkDir,
		UserID:         s.UserID,
		ProviderType:   s.ProviderType,
		ProviderHandle: s.ProviderHandle,
		Metadata:       meta,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		LastActivity:   s.LastActivity,
		TerminatedAt:   terminatedAt,
		Reconciling:    s.Reconciling,
	}
}

// Touch updates the activity and modification timestamps. The caller must
// hold the session's lock.
func (s *Session) Touch() {
	now := time.Now().UTC()
	s.LastActivity = now
	s.UpdatedAt = now
}

// StaleSince reports whether the session has seen no activity since the
// given cutoff. Terminal sessions are never stale.
func (s *Session) StaleSince(cutoff time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	return s.LastActivity.Before(cutoff)
}
