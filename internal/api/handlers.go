package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/event"
	"github.com/jelmore-io/jelmore/internal/orchestrator"
	"github.com/jelmore-io/jelmore/internal/session"
	"github.com/jelmore-io/jelmore/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origin policy belongs to the deployment's proxy
	CheckOrigin: func(*http.Request) bool { return true },
}

type createSessionRequest struct {
	Query    string         `json:"query"`
	WorkDir  string         `json:"work_dir,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	TaskType string         `json:"task_type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type inputRequest struct {
	Input string `json:"input"`
}

type outputResponse struct {
	SessionID string          `json:"session_id"`
	Chunks    []session.Chunk `json:"chunks"`
	NextSeq   uint64          `json:"next_seq"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Query == "" {
		s.writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}

	snap, err := s.orch.CreateSession(r.Context(), orchestrator.CreateParams{
		Query:    req.Query,
		WorkDir:  req.WorkDir,
		UserID:   req.UserID,
		TaskType: req.TaskType,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		UserID: r.URL.Query().Get("user_id"),
		Status: session.Status(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeJSONError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	list, err := s.orch.ListSessions(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []session.Snapshot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Input == "" {
		s.writeJSONError(w, http.StatusBadRequest, "input is required")
		return
	}

	if err := s.orch.SendInput(r.Context(), r.PathValue("id"), req.Input); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.TerminateSession(r.Context(), r.PathValue("id"), "api"); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}

	chunks, err := s.orch.Output(id, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if chunks == nil {
		chunks = []session.Chunk{}
	}

	next := since
	if n := len(chunks); n > 0 {
		next = chunks[n-1].Seq + 1
	}
	s.writeJSON(w, http.StatusOK, outputResponse{SessionID: id, Chunks: chunks, NextSeq: next})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Stats()
	total, bySession := s.conns.Stats()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": st,
		"connections": map[string]any{
			"total":      total,
			"by_session": bySession,
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebSocket upgrades the connection, replays the session's buffered
// output, and then follows live output until either side goes away.
// Non-output events reach the connection through the manager's broadcast
// path.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.orch.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			since = n
		}
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := s.conns.Add(wsConn, id)
	defer s.conns.Remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if stream, err := s.orch.StreamOutput(ctx, id, since); err == nil {
		go func() {
			for chunk := range stream {
				s.conns.SendEvent(c, event.TypeOutputReceived, chunk)
			}
		}()
	}

	s.conns.ServeRead(ctx, c)
}

// ----------------------------------------------------------------------------
// responses
// ----------------------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrSessionNotFound), errors.Is(err, errors.ErrProviderNotFound):
		s.writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errors.ErrInvalidState):
		s.writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errors.ErrCapacityExceeded):
		s.writeJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, errors.ErrNoProviderAvailable), errors.Is(err, errors.ErrProviderUnavailable):
		s.writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, errors.ErrTransport):
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
