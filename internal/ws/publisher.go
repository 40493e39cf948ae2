package ws

import (
	"context"

	"github.com/jelmore-io/jelmore/internal/event"
)

// SendEvent delivers an event-shaped message to a single connection,
// honoring its subscription filter.
func (m *Manager) SendEvent(c *Conn, t event.Type, data any) {
	if !c.wants(t) {
		return
	}
	m.send(c, serverMessage{Type: string(t), Data: data})
}

// Publisher adapts the Manager to the event.Publisher interface so bus
// events reach connected WebSocket clients too. Output events are skipped
// because each connection already receives the session's output through
// its own replayed stream.
type Publisher struct {
	M *Manager
}

// Publish broadcasts the record to the session's connections.
func (p Publisher) Publish(_ context.Context, rec event.Record) bool {
	switch rec.Type {
	case event.TypeOutputReceived, event.TypeErrorReceived:
		return true
	}
	p.M.Broadcast(rec.SessionID, rec.Type, rec.Payload)
	return true
}

// Close is a no-op; connection shutdown belongs to Manager.Stop.
func (p Publisher) Close() {}
