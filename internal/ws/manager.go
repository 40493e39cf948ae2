// Package ws manages WebSocket connections: registration, per-session
// fan-out, the client message protocol, and the heartbeat loop that
// disconnects dead peers.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jelmore-io/jelmore/internal/config"
	"github.com/jelmore-io/jelmore/internal/event"
	"github.com/jelmore-io/jelmore/internal/logging"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// Conn is one registered WebSocket connection. A connection is bound to a
// session and receives that session's messages, optionally filtered by
// subscribed event types.
type Conn struct {
	ID        string
	SessionID string

	ws          *websocket.Conn
	connectedAt time.Time
	send        chan []byte
	closeOnce   sync.Once

	mu       sync.Mutex
	lastPing time.Time
	subs     map[event.Type]bool // empty means all
}

func (c *Conn) touchPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

// wants reports whether the connection subscribed to the event type. A
// connection with no explicit subscriptions gets everything.
func (c *Conn) wants(t event.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[t]
}

// Manager owns all live connections and the heartbeat loop.
type Manager struct {
	cfg    config.HeartbeatConfig
	logger *logging.Logger

	mu        sync.Mutex
	conns     map[*Conn]bool
	bySession map[string]map[*Conn]bool

	// Info supplies the payload for get_info requests. Injected so the
	// manager does not depend on the orchestrator.
	Info func(sessionID string) any

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager.
func NewManager(cfg config.HeartbeatConfig, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.WithComponent("ws"),
		conns:     make(map[*Conn]bool),
		bySession: make(map[string]map[*Conn]bool),
	}
}

// serverMessage is the envelope for everything the server sends.
type serverMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// clientMessage is the envelope for everything clients send.
type clientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

// Add registers a connection for the session, starts its writer, and
// sends the initial "connected" message.
func (m *Manager) Add(wsConn *websocket.Conn, sessionID string) *Conn {
	c := &Conn{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ws:          wsConn,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendQueueSize),
		subs:        make(map[event.Type]bool),
	}

	m.mu.Lock()
	m.conns[c] = true
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[*Conn]bool)
	}
	m.bySession[sessionID][c] = true
	m.mu.Unlock()

	go m.writer(c)

	m.send(c, serverMessage{Type: "connected", Data: map[string]any{
		"connection_id": c.ID,
		"session_id":    sessionID,
	}})

	m.logger.Debug("connection registered", "connection_id", c.ID, "session_id", sessionID)
	return c
}

// Remove unregisters and closes the connection. Safe to call more than
// once.
func (m *Manager) Remove(c *Conn) {
	m.mu.Lock()
	if !m.conns[c] {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c)
	if peers := m.bySession[c.SessionID]; peers != nil {
		delete(peers, c)
		if len(peers) == 0 {
			delete(m.bySession, c.SessionID)
		}
	}
	// closing under the lock keeps send from racing a closed channel
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
	m.mu.Unlock()

	m.logger.Debug("connection removed", "connection_id", c.ID, "session_id", c.SessionID)
}

// writer drains the send queue onto the wire. It exits when the queue is
// closed or a write fails.
func (m *Manager) writer(c *Conn) {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.Remove(c)
			return
		}
	}
}

// send queues a message for one connection, dropping the connection if
// its queue is full.
func (m *Manager) send(c *Conn, msg serverMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.mu.Lock()
	if !m.conns[c] {
		m.mu.Unlock()
		return
	}
	select {
	case c.send <- raw:
		m.mu.Unlock()
	default:
		m.mu.Unlock()
		m.logger.Warn("send queue full, dropping connection", "connection_id", c.ID)
		m.Remove(c)
	}
}

// Broadcast fans a message out to the session's connections, honoring
// per-connection event subscriptions. Delivery is best-effort.
func (m *Manager) Broadcast(sessionID string, t event.Type, data any) {
	m.mu.Lock()
	var targets []*Conn
	for c := range m.bySession[sessionID] {
		if c.wants(t) {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	msg := serverMessage{Type: string(t), Data: data}
	for _, c := range targets {
		m.send(c, msg)
	}
}

// ServeRead runs the read loop for one connection, handling the client
// protocol until the peer disconnects or ctx is done. The caller is
// responsible for calling Remove afterwards.
func (m *Manager) ServeRead(ctx context.Context, c *Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.send(c, serverMessage{Type: "error", Data: map[string]any{"error": "malformed message"}})
			continue
		}
		m.handleMessage(c, msg)
	}
}

func (m *Manager) handleMessage(c *Conn, msg clientMessage) {
	switch msg.Type {
	case "ping":
		c.touchPing()
		m.send(c, serverMessage{Type: "pong"})

	case "subscribe":
		c.mu.Lock()
		for _, e := range msg.Events {
			if t := event.Type(e); t.Valid() {
				c.subs[t] = true
			}
		}
		subs := subList(c.subs)
		c.mu.Unlock()
		m.send(c, serverMessage{Type: "subscribed", Data: map[string]any{"events": subs}})

	case "unsubscribe":
		c.mu.Lock()
		for _, e := range msg.Events {
			delete(c.subs, event.Type(e))
		}
		subs := subList(c.subs)
		c.mu.Unlock()
		m.send(c, serverMessage{Type: "unsubscribed", Data: map[string]any{"events": subs}})

	case "get_info":
		info := map[string]any{
			"connection_id": c.ID,
			"session_id":    c.SessionID,
			"connected_at":  c.connectedAt.UTC(),
		}
		if m.Info != nil {
			info["session"] = m.Info(c.SessionID)
		}
		m.send(c, serverMessage{Type: "connection_info", Data: info})

	default:
		m.send(c, serverMessage{Type: "error", Data: map[string]any{"error": "unknown message type: " + msg.Type}})
	}
}

func subList(subs map[event.Type]bool) []string {
	out := make([]string, 0, len(subs))
	for t := range subs {
		out = append(out, string(t))
	}
	return out
}

// Start launches the heartbeat loop: each tick it pings every connection
// and drops peers that have gone quiet.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.beat()
			}
		}
	}()
}

// beat runs one heartbeat pass.
func (m *Manager) beat() {
	now := time.Now()

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		lastPing := c.lastPing
		c.mu.Unlock()

		var stale bool
		if lastPing.IsZero() {
			stale = now.Sub(c.connectedAt) > m.cfg.ConnectGrace()
		} else {
			stale = now.Sub(lastPing) > m.cfg.PongTimeout()
		}

		if stale {
			m.logger.Info("dropping unresponsive connection",
				"connection_id", c.ID,
				"session_id", c.SessionID)
			m.Remove(c)
			continue
		}

		m.send(c, serverMessage{Type: "ping"})
	}
}

// Stop cancels the heartbeat loop and closes every connection.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.Remove(c)
	}
}

// Stats returns connection counts, total and per session.
func (m *Manager) Stats() (total int, bySession map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySession = make(map[string]int, len(m.bySession))
	for id, peers := range m.bySession {
		bySession[id] = len(peers)
	}
	return len(m.conns), bySession
}
