package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/session"
)

// fakeAgentService is a minimal remote agent API for Remote tests.
func fakeAgentService(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"handle": "rh-1", "status": "active"})
	})
	mux.HandleFunc("POST /sessions/{handle}/input", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("handle") != "rh-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("DELETE /sessions/{handle}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("handle") != "rh-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRemote(url string) *Remote {
	return NewRemote(TypeRemote, url, time.Second, logging.NopLogger())
}

func TestRemoteLifecycle(t *testing.T) {
	srv := fakeAgentService(t)
	r := newRemote(srv.URL)
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx))

	res, err := r.CreateSession(ctx, CreateRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "rh-1", res.Handle)
	assert.Equal(t, session.StatusActive, res.Status)

	st, ok := r.GetStatus("rh-1")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, st)

	assert.True(t, r.SendInput(ctx, "rh-1", "go"))
	assert.False(t, r.SendInput(ctx, "rh-2", "go"), "unknown handle should report false")

	assert.True(t, r.Terminate(ctx, "rh-1"))
	_, ok = r.GetStatus("rh-1")
	assert.False(t, ok, "terminated handle should be forgotten")
}

func TestRemoteTransportFailure(t *testing.T) {
	srv := fakeAgentService(t)
	r := newRemote(srv.URL)
	ctx := context.Background()

	res, err := r.CreateSession(ctx, CreateRequest{SessionID: "s1", Query: "q"})
	require.NoError(t, err)

	// service goes away
	srv.Close()

	assert.False(t, r.SendInput(ctx, res.Handle, "hello"), "transport failure should report false, not error")
	assert.False(t, r.Terminate(ctx, res.Handle))

	h := r.HealthCheck(ctx)
	assert.False(t, h.Available)
	assert.NotEmpty(t, h.Detail)
}

func TestRemoteCreateAgainstDeadService(t *testing.T) {
	srv := fakeAgentService(t)
	url := srv.URL
	srv.Close()

	r := newRemote(url)
	_, err := r.CreateSession(context.Background(), CreateRequest{SessionID: "s1", Query: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.True(t, errors.IsRetryable(err))
}

func TestRemoteInitializeUnreachable(t *testing.T) {
	r := newRemote("http://127.0.0.1:1")
	err := r.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}
