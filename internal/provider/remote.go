package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/session"
)

// Remote delegates sessions to an agent service over HTTP. The remote
// service owns the subprocess; this provider only proxies operations and
// mirrors status.
type Remote struct {
	providerType Type
	baseURL      string
	client       *http.Client
	logger       *logging.Logger

	mu       sync.Mutex
	statuses map[string]session.Status
}

// NewRemote creates a provider backed by the agent service at baseURL.
func NewRemote(providerType Type, baseURL string, timeout time.Duration, logger *logging.Logger) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		providerType: providerType,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		logger:       logger.WithProvider(string(providerType)),
		statuses:     make(map[string]session.Status),
	}
}

// Type returns the provider's type identifier.
func (r *Remote) Type() Type {
	return r.providerType
}

// Initialize probes the remote service once.
func (r *Remote) Initialize(ctx context.Context) error {
	h := r.HealthCheck(ctx)
	if !h.Available {
		return errors.NewProviderError("remote service unreachable", errors.New(h.Detail)).
			WithProvider(string(r.providerType)).
			WithRetryable(true)
	}
	return nil
}

type remoteCreateRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	WorkDir   string `json:"work_dir,omitempty"`
}

type remoteCreateResponse struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
}

// CreateSession asks the remote service to start a session.
func (r *Remote) CreateSession(ctx context.Context, req CreateRequest) (CreateResult, error) {
	body, err := json.Marshal(remoteCreateRequest{
		SessionID: req.SessionID,
		Query:     req.Query,
		WorkDir:   req.WorkDir,
	})
	if err != nil {
		return CreateResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return CreateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return CreateResult{}, errors.NewProviderError("create failed", errors.Join(errors.ErrTransport, err)).
			WithProvider(string(r.providerType)).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return CreateResult{}, errors.NewProviderError("create rejected", nil).
			WithProvider(string(r.providerType)).
			WithRetryable(resp.StatusCode >= 500)
	}

	var out remoteCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CreateResult{}, errors.NewProviderError("bad create response", err).WithProvider(string(r.providerType))
	}

	status := session.Status(out.Status)
	if !status.Valid() {
		status = session.StatusActive
	}

	r.mu.Lock()
	r.statuses[out.Handle] = status
	r.mu.Unlock()

	return CreateResult{Handle: out.Handle, Status: status}, nil
}

// SendInput forwards text to the remote session. Transport failures and
// non-2xx responses report false.
func (r *Remote) SendInput(ctx context.Context, handle, text string) bool {
	body, _ := json.Marshal(map[string]string{"input": text})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/sessions/"+handle+"/input", bytes.NewReader(body))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.logger.Warn("input delivery failed", "handle", handle, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false
	}

	r.mu.Lock()
	r.statuses[handle] = session.StatusActive
	r.mu.Unlock()
	return true
}

// Terminate asks the remote service to shut the session down. A 404 means
// the session is already gone, which reports false.
func (r *Remote) Terminate(ctx context.Context, handle string) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+"/sessions/"+handle, nil)
	if err != nil {
		return false
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		r.logger.Warn("terminate request failed", "handle", handle, "error", err)
		return false
	}
	defer resp.Body.Close()

	r.mu.Lock()
	delete(r.statuses, handle)
	r.mu.Unlock()

	return resp.StatusCode < 300
}

// GetStatus returns the last known status of the remote session.
func (r *Remote) GetStatus(handle string) (session.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[handle]
	return s, ok
}

// HealthCheck probes the remote service's health endpoint.
func (r *Remote) HealthCheck(ctx context.Context) Health {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthz", nil)
	if err != nil {
		return Health{Available: false, Detail: err.Error()}
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Health{Available: false, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{Available: false, Detail: resp.Status}
	}
	return Health{Available: true}
}

// Cleanup terminates every known remote session.
func (r *Remote) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	handles := make([]string, 0, len(r.statuses))
	for h := range r.statuses {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.Terminate(ctx, h)
	}
	return nil
}
