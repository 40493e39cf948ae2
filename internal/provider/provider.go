// Package provider abstracts the agent backends that run coding sessions.
// A Provider owns the mechanics of one backend kind (local subprocess,
// remote HTTP service); the Registry tracks which providers are available
// and picks one per request.
package provider

import (
	"context"

	"github.com/jelmore-io/jelmore/internal/session"
)

// Type identifies a provider backend.
type Type string

const (
	// TypeClaudeCode is the local Claude Code subprocess provider.
	TypeClaudeCode Type = "claude_code"
	// TypeRemote delegates sessions to a remote agent service over HTTP.
	TypeRemote Type = "remote"
)

// CreateRequest carries everything a provider needs to start a session.
// The callbacks are invoked from the provider's pump goroutine; they must
// be safe for concurrent use and must not block.
type CreateRequest struct {
	SessionID string
	Query     string
	WorkDir   string
	Env       []string

	// OnOutput receives each chunk of agent output. Stream is "stdout" or
	// "stderr".
	OnOutput func(stream, data string)
	// OnStateChange reports backend-observed status changes (active, idle,
	// waiting_input, failed).
	OnStateChange func(status session.Status, detail map[string]any)
	// OnWorkDirChange reports that the agent changed its working directory.
	OnWorkDirChange func(dir string)
}

// CreateResult is the outcome of a successful CreateSession.
type CreateResult struct {
	// Handle identifies the backend session in later calls.
	Handle string
	// Status is the session status immediately after creation.
	Status session.Status
}

// Health is the result of a provider health probe.
type Health struct {
	Available bool
	Detail    string
}

// Provider is the contract every agent backend implements.
//
// SendInput and Terminate report success as a bool rather than an error:
// transport failures and already-gone handles are expected conditions the
// orchestrator handles by policy, not faults to propagate.
type Provider interface {
	// Type returns the provider's type identifier.
	Type() Type

	// Initialize prepares the provider for use. It is called once before
	// any session is created.
	Initialize(ctx context.Context) error

	// CreateSession starts a new backend session.
	CreateSession(ctx context.Context, req CreateRequest) (CreateResult, error)

	// SendInput delivers text to the backend session. It returns false if
	// delivery failed at the transport level or the handle is gone.
	SendInput(ctx context.Context, handle, text string) bool

	// Terminate shuts the backend session down, gracefully first and
	// forcefully after the grace period. It is idempotent: terminating an
	// unknown or already-dead handle returns false without error.
	Terminate(ctx context.Context, handle string) bool

	// GetStatus returns the backend's view of the session status. The
	// second return is false if the handle is unknown.
	GetStatus(handle string) (session.Status, bool)

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) Health

	// Cleanup terminates all live backend sessions and releases resources.
	Cleanup(ctx context.Context) error
}
