package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jelmore-io/jelmore/internal/cache"
	"github.com/jelmore-io/jelmore/internal/config"
	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/event"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/orchestrator"
	"github.com/jelmore-io/jelmore/internal/provider"
	"github.com/jelmore-io/jelmore/internal/session"
	"github.com/jelmore-io/jelmore/internal/store"
	"github.com/jelmore-io/jelmore/internal/ws"
)

// stubProvider is a minimal always-up backend for API tests.
type stubProvider struct {
	mu       sync.Mutex
	requests map[string]provider.CreateRequest
	nextID   int
}

func newStubProvider() *stubProvider {
	return &stubProvider{requests: make(map[string]provider.CreateRequest)}
}

func (p *stubProvider) Type() provider.Type              { return provider.TypeClaudeCode }
func (p *stubProvider) Initialize(context.Context) error { return nil }
func (p *stubProvider) Cleanup(context.Context) error    { return nil }

func (p *stubProvider) CreateSession(_ context.Context, req provider.CreateRequest) (provider.CreateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	h := fmt.Sprintf("h-%d", p.nextID)
	p.requests[h] = req
	return provider.CreateResult{Handle: h, Status: session.StatusActive}, nil
}

func (p *stubProvider) SendInput(_ context.Context, handle, _ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.requests[handle]
	return ok
}

func (p *stubProvider) Terminate(_ context.Context, handle string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requests, handle)
	return true
}

func (p *stubProvider) GetStatus(string) (session.Status, bool) {
	return session.StatusActive, true
}

func (p *stubProvider) HealthCheck(context.Context) provider.Health {
	return provider.Health{Available: true}
}

func (p *stubProvider) request(handle string) provider.CreateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[handle]
}

type apiEnv struct {
	srv  *httptest.Server
	prov *stubProvider
	orch *orchestrator.Orchestrator
}

func newAPIEnv(t *testing.T, mutate func(*config.SessionConfig)) *apiEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Session.MaxConcurrent = 5
	if mutate != nil {
		mutate(&cfg.Session)
	}

	prov := newStubProvider()
	reg := provider.NewRegistry(provider.TypeClaudeCode, nil, time.Minute, time.Second, logging.NopLogger())
	reg.Register(prov)
	reg.Probe(context.Background())

	conns := ws.NewManager(cfg.Heartbeat, logging.NopLogger())
	t.Cleanup(conns.Stop)

	pub := event.Fanout{event.NewRecorder(), ws.Publisher{M: conns}}
	orch := orchestrator.New(cfg.Session, time.Hour, store.NewMemory(), cache.NewMemory(), pub, reg, logging.NopLogger())

	server := NewServer(cfg.Server, orch, conns, logging.NopLogger())
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, prov: prov, orch: orch}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func createSession(t *testing.T, env *apiEnv) map[string]any {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/sessions", map[string]any{"query": "build it"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
	return body
}

func TestCreateSessionEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	body := createSession(t, env)

	if body["id"] == "" {
		t.Error("expected session id")
	}
	if body["status"] != "active" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestCreateSessionRequiresQuery(t *testing.T) {
	env := newAPIEnv(t, nil)
	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateSessionCapacityStatus(t *testing.T) {
	env := newAPIEnv(t, func(c *config.SessionConfig) { c.MaxConcurrent = 1 })
	createSession(t, env)

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions", map[string]any{"query": "one too many"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestGetSessionEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	created := createSession(t, env)
	id := created["id"].(string)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != id {
		t.Errorf("id = %v", body["id"])
	}
}

func TestGetSessionNotFound(t *testing.T) {
	env := newAPIEnv(t, nil)
	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/sessions/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	createSession(t, env)
	createSession(t, env)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/sessions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v", body["count"])
	}

	resp, _ = doJSON(t, http.MethodGet, env.srv.URL+"/sessions?status=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", resp.StatusCode)
	}
}

func TestSendInputEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	created := createSession(t, env)
	id := created["id"].(string)

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+id+"/input", map[string]any{"input": "continue"})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestSendInputConflictAfterTerminate(t *testing.T) {
	env := newAPIEnv(t, nil)
	created := createSession(t, env)
	id := created["id"].(string)

	if err := env.orch.TerminateSession(context.Background(), id, "test"); err != nil {
		t.Fatal(err)
	}

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/sessions/"+id+"/input", map[string]any{"input": "late"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestTerminateEndpointIdempotent(t *testing.T) {
	env := newAPIEnv(t, nil)
	created := createSession(t, env)
	id := created["id"].(string)

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodDelete, env.srv.URL+"/sessions/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("delete #%d status = %d, want 200", i+1, resp.StatusCode)
		}
	}
}

func TestOutputEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	created := createSession(t, env)
	id := created["id"].(string)
	handle := created["provider_handle"].(string)

	req := env.prov.request(handle)
	req.OnOutput("stdout", "alpha")
	req.OnOutput("stdout", "beta")

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/sessions/"+id+"/output", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	chunks := body["chunks"].([]any)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if body["next_seq"].(float64) != 2 {
		t.Errorf("next_seq = %v, want 2", body["next_seq"])
	}

	// resume from next_seq returns nothing new
	resp, body = doJSON(t, http.MethodGet, env.srv.URL+"/sessions/"+id+"/output?since=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body["chunks"].([]any)) != 0 {
		t.Errorf("chunks after since=2: %v", body["chunks"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	createSession(t, env)

	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	sessions := body["sessions"].(map[string]any)
	if sessions["live"].(float64) != 1 {
		t.Errorf("live = %v", sessions["live"])
	}
}

func TestHealthzEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	resp, body := doJSON(t, http.MethodGet, env.srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestWebSocketEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	created := createSession(t, env)
	id := created["id"].(string)
	handle := created["provider_handle"].(string)

	// buffered output before the client connects
	env.prov.request(handle).OnOutput("stdout", "pre-connect")

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/sessions/" + id
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	read := func() map[string]any {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := client.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg["type"] != "connected" {
		t.Fatalf("first message = %v", msg["type"])
	}

	// replayed chunk
	msg := read()
	if msg["type"] != "output_received" {
		t.Fatalf("replay message = %v", msg["type"])
	}
	data := msg["data"].(map[string]any)
	if data["data"] != "pre-connect" {
		t.Errorf("replayed chunk = %v", data)
	}

	// live chunk
	env.prov.request(handle).OnOutput("stdout", "live")
	msg = read()
	if msg["type"] != "output_received" {
		t.Fatalf("live message = %v", msg["type"])
	}

	// lifecycle events arrive through the broadcast bridge
	if err := env.orch.TerminateSession(context.Background(), id, "test"); err != nil {
		t.Fatal(err)
	}
	for {
		msg = read()
		if msg["type"] == "session_terminated" {
			break
		}
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	env := newAPIEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/sessions/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("handshake status = %v, want 404", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.ErrSessionNotFound, http.StatusNotFound},
		{errors.ErrInvalidState, http.StatusConflict},
		{errors.ErrCapacityExceeded, http.StatusTooManyRequests},
		{errors.ErrNoProviderAvailable, http.StatusServiceUnavailable},
		{errors.ErrTransport, http.StatusBadGateway},
		{errors.New("anything else"), http.StatusInternalServerError},
	}

	s := &Server{logger: logging.NopLogger()}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.writeError(rec, tt.err)
		if rec.Code != tt.want {
			t.Errorf("writeError(%v) = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}
