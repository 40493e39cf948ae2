package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jelmore-io/jelmore/internal/logging"
)

// Publisher delivers event records to the message bus. Publish reports
// success but never returns an error: delivery is best-effort and callers
// must not couple their control flow to the bus.
type Publisher interface {
	// Publish sends the record. It returns false if delivery failed.
	Publish(ctx context.Context, rec Record) bool
	// Close releases the underlying connection.
	Close()
}

// NATSPublisher publishes records to NATS JetStream on the subject
// <prefix>.<event_type>, carrying the record ID as the Nats-Msg-Id
// deduplication header.
type NATSPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	prefix  string
	timeout time.Duration
	logger  *logging.Logger
}

// NewNATSPublisher connects to the NATS server at url. Stream provisioning
// is the deployment's job; the publisher only publishes.
func NewNATSPublisher(url, subjectPrefix string, publishTimeout time.Duration, logger *logging.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("jelmore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		js:      js,
		prefix:  subjectPrefix,
		timeout: publishTimeout,
		logger:  logger.WithComponent("publisher"),
	}, nil
}

// Publish sends the record to <prefix>.<event_type>. Failures are logged
// and reported as false; they never propagate.
func (p *NATSPublisher) Publish(ctx context.Context, rec Record) bool {
	body, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("failed to encode event", "event_type", rec.Type, "session_id", rec.SessionID, "error", err)
		return false
	}

	subject := p.prefix + "." + string(rec.Type)
	msg := &nats.Msg{
		Subject: subject,
		Data:    body,
		Header:  nats.Header{"Nats-Msg-Id": []string{rec.ID}},
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.js.PublishMsg(msg, nats.Context(pubCtx)); err != nil {
		p.logger.Warn("event publish failed",
			"subject", subject,
			"event_type", rec.Type,
			"session_id", rec.SessionID,
			"error", err)
		return false
	}

	return true
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Fanout publishes each record to every member. It reports success only
// if all members did.
type Fanout []Publisher

// Publish delivers the record to every member publisher.
func (f Fanout) Publish(ctx context.Context, rec Record) bool {
	ok := true
	for _, p := range f {
		if !p.Publish(ctx, rec) {
			ok = false
		}
	}
	return ok
}

// Close closes every member publisher.
func (f Fanout) Close() {
	for _, p := range f {
		p.Close()
	}
}

// NopPublisher discards all events. Used when the bus is disabled and in
// tests that do not care about events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Record) bool { return true }
func (NopPublisher) Close()                               {}

// Recorder captures published records in memory for test assertions.
type Recorder struct {
	mu      sync.Mutex
	records []Record
	// Fail makes Publish report failure without recording.
	Fail bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish captures the record unless Fail is set.
func (r *Recorder) Publish(_ context.Context, rec Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail {
		return false
	}
	r.records = append(r.records, rec)
	return true
}

// Close is a no-op.
func (r *Recorder) Close() {}

// Records returns a copy of everything published so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// ByType returns captured records of the given type.
func (r *Recorder) ByType(t Type) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.Type == t {
			out = append(out, rec)
		}
	}
	return out
}
