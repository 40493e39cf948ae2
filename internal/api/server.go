// Package api exposes the orchestrator over HTTP and WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jelmore-io/jelmore/internal/config"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/orchestrator"
	"github.com/jelmore-io/jelmore/internal/ws"
)

// Server is the HTTP/WebSocket front end.
type Server struct {
	orch   *orchestrator.Orchestrator
	conns  *ws.Manager
	logger *logging.Logger
	http   *http.Server
}

// NewServer wires the API over the orchestrator and connection manager.
func NewServer(cfg config.ServerConfig, orch *orchestrator.Orchestrator, conns *ws.Manager, logger *logging.Logger) *Server {
	s := &Server{
		orch:   orch,
		conns:  conns,
		logger: logger.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Routes(),
	}
	return s
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSendInput)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleTerminateSession)
	mux.HandleFunc("GET /sessions/{id}/output", s.handleOutput)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleWebSocket)

	return mux
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
