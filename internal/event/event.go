// Package event defines the session event taxonomy and the Publisher used
// to fan events out to the message bus. Publishing is fire-and-forget: a
// failed publish is logged and never blocks or fails the operation that
// produced the event.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of session event. The set is closed; consumers
// rely on it for subject routing and subscription filtering.
type Type string

const (
	TypeSessionCreated    Type = "session_created"
	TypeSessionStarted    Type = "session_started"
	TypeSessionIdle       Type = "session_idle"
	TypeSessionResumed    Type = "session_resumed"
	TypeSessionTerminated Type = "session_terminated"
	TypeSessionFailed     Type = "session_failed"

	TypeCommandSent     Type = "command_sent"
	TypeCommandExecuted Type = "command_executed"
	TypeCommandFailed   Type = "command_failed"

	TypeOutputReceived Type = "output_received"
	TypeErrorReceived  Type = "error_received"

	TypeProviderSwitched Type = "provider_switched"
	TypeProviderError    Type = "provider_error"

	TypeKeepalive       Type = "keepalive"
	TypeResourceWarning Type = "resource_warning"
	TypeTimeoutWarning  Type = "timeout_warning"
)

// validTypes is the closed set of event types.
var validTypes = map[Type]bool{
	TypeSessionCreated:    true,
	TypeSessionStarted:    true,
	TypeSessionIdle:       true,
	TypeSessionResumed:    true,
	TypeSessionTerminated: true,
	TypeSessionFailed:     true,
	TypeCommandSent:       true,
	TypeCommandExecuted:   true,
	TypeCommandFailed:     true,
	TypeOutputReceived:    true,
	TypeErrorReceived:     true,
	TypeProviderSwitched:  true,
	TypeProviderError:     true,
	TypeKeepalive:         true,
	TypeResourceWarning:   true,
	TypeTimeoutWarning:    true,
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	return validTypes[t]
}

// String returns the event type as a string.
func (t Type) String() string {
	return string(t)
}

// Record is one published session event. ID doubles as the broker-level
// deduplication key.
type Record struct {
	ID        string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates a Record with a fresh UUID and the current time.
func New(sessionID string, t Type, payload map[string]any) Record {
	return Record{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
