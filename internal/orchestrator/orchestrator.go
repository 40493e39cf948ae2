// Package orchestrator implements the session lifecycle core: it owns the
// in-memory session table, serializes operations per session, and runs the
// write-through persistence chain (memory, then cache, then store, then
// event publish).
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jelmore-io/jelmore/internal/cache"
	"github.com/jelmore-io/jelmore/internal/config"
	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/event"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/provider"
	"github.com/jelmore-io/jelmore/internal/session"
	"github.com/jelmore-io/jelmore/internal/store"
)

// CreateParams carries the caller's input to CreateSession.
type CreateParams struct {
	Query    string
	WorkDir  string
	UserID   string
	TaskType string
	Metadata map[string]any
}

// Stats summarizes the orchestrator's current load.
type Stats struct {
	Live       int             `json:"live"`
	ByStatus   map[string]int  `json:"by_status"`
	ByProvider map[string]int  `json:"by_provider"`
	Providers  map[string]bool `json:"providers"`
}

// entry pairs a session with its lock and live-output subscribers. All
// session mutation happens while holding entry.mu; the orchestrator-level
// lock only guards the table itself.
type entry struct {
	mu       sync.Mutex
	s        *session.Session
	provider provider.Provider
	watchers map[chan session.Chunk]bool

	// warnedAt is when the last timeout warning was published. Activity
	// after it re-arms the warning.
	warnedAt time.Time
}

// Orchestrator coordinates sessions across the provider registry, the
// cache, the durable store, and the event bus. All dependencies are
// injected; there is no package-level state.
type Orchestrator struct {
	cfg      config.SessionConfig
	cacheTTL time.Duration

	store    store.Store
	cache    cache.Cache
	pub      event.Publisher
	registry *provider.Registry
	logger   *logging.Logger

	hooks Hooks

	mu      sync.RWMutex
	entries map[string]*entry
}

// Hooks are optional lifecycle callbacks, used to wire supporting
// infrastructure like the working-directory watcher. They are invoked
// while the session's lock is held and must not call back into the
// orchestrator.
type Hooks struct {
	// OnStarted fires once a session is live on its provider.
	OnStarted func(session.Snapshot)
	// OnWorkDirChanged fires when the agent changes working directory.
	OnWorkDirChanged func(session.Snapshot)
	// OnEnded fires when a session reaches a terminal state.
	OnEnded func(session.Snapshot)
}

// SetHooks registers lifecycle hooks. Call before any session is created.
func (o *Orchestrator) SetHooks(h Hooks) {
	o.hooks = h
}

// New creates an Orchestrator. Use store.NewMemory, cache.NewMemory, and
// event.NopPublisher for infrastructure-free runs.
func New(cfg config.SessionConfig, cacheTTL time.Duration, st store.Store, c cache.Cache, pub event.Publisher, reg *provider.Registry, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		cacheTTL: cacheTTL,
		store:    st,
		cache:    c,
		pub:      pub,
		registry: reg,
		logger:   logger.WithComponent("orchestrator"),
		entries:  make(map[string]*entry),
	}
}

// CreateSession selects a provider, spawns a backend session, and persists
// it. The returned snapshot is ACTIVE on success; a session that failed to
// start is persisted as FAILED and the provider error is returned.
func (o *Orchestrator) CreateSession(ctx context.Context, params CreateParams) (session.Snapshot, error) {
	p, err := o.registry.Select(params.TaskType)
	if err != nil {
		return session.Snapshot{}, err
	}

	s := session.New(params.Query, params.WorkDir, params.UserID, o.cfg.OutputBufferChunks)
	for k, v := range params.Metadata {
		s.Metadata[k] = v
	}
	s.ProviderType = string(p.Type())

	e := &entry{s: s, provider: p, watchers: make(map[chan session.Chunk]bool)}

	if err := o.admit(e); err != nil {
		return session.Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// the insert is the create's durability gate: without a stored record
	// there is nothing to reconcile against, so fail before spawning
	if err := o.persist(ctx, e, true); err != nil {
		s.Status = session.StatusFailed
		now := time.Now().UTC()
		s.TerminatedAt = &now
		o.publish(ctx, s.ID, event.TypeSessionFailed, map[string]any{"error": err.Error()})
		return session.Snapshot{}, err
	}
	o.publish(ctx, s.ID, event.TypeSessionCreated, map[string]any{
		"provider": s.ProviderType,
		"query":    s.Query,
	})

	res, err := p.CreateSession(ctx, provider.CreateRequest{
		SessionID:       s.ID,
		Query:           params.Query,
		WorkDir:         params.WorkDir,
		OnOutput:        func(stream, data string) { o.appendOutput(s.ID, stream, data) },
		OnStateChange:   func(st session.Status, detail map[string]any) { o.applyProviderState(s.ID, st, detail) },
		OnWorkDirChange: func(dir string) { o.applyWorkDirChange(s.ID, dir) },
	})
	if err != nil {
		s.Status = session.StatusFailed
		now := time.Now().UTC()
		s.TerminatedAt = &now
		s.Touch()
		o.persist(ctx, e, false)
		o.publish(ctx, s.ID, event.TypeSessionFailed, map[string]any{"error": err.Error()})
		o.publish(ctx, s.ID, event.TypeProviderError, map[string]any{
			"provider": s.ProviderType,
			"error":    err.Error(),
		})
		return session.Snapshot{}, err
	}

	s.ProviderHandle = res.Handle
	s.Status = res.Status
	s.Touch()
	o.persist(ctx, e, false)
	o.publish(ctx, s.ID, event.TypeSessionStarted, map[string]any{"provider": s.ProviderType})

	o.logger.Info("session created",
		"session_id", s.ID,
		"provider", s.ProviderType,
		"status", s.Status)

	snap := s.Snapshot()
	if o.hooks.OnStarted != nil {
		o.hooks.OnStarted(snap)
	}
	return snap, nil
}

// GetSession reads a session: memory first, then cache, then store. A
// store hit is promoted back into the cache. A miss everywhere is
// ErrSessionNotFound.
func (o *Orchestrator) GetSession(ctx context.Context, id string) (session.Snapshot, error) {
	if e := o.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.s.Snapshot(), nil
	}

	if raw, ok, err := o.cache.Get(ctx, cache.SessionKey(id)); err == nil && ok {
		var snap session.Snapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return snap, nil
		}
		// corrupt cache entry: fall through to the store
		_ = o.cache.Delete(ctx, cache.SessionKey(id))
	}

	snap, err := o.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrSessionNotFound) {
			return session.Snapshot{}, errors.ErrSessionNotFound
		}
		return session.Snapshot{}, err
	}

	if raw, err := json.Marshal(snap); err == nil {
		_ = o.cache.Set(ctx, cache.SessionKey(id), raw, o.cacheTTL)
	}
	return snap, nil
}

// ListSessions merges live sessions with the store, preferring the live
// copy when both have one.
func (o *Orchestrator) ListSessions(ctx context.Context, f store.Filter) ([]session.Snapshot, error) {
	stored, err := o.store.ListSessions(ctx, f)
	if err != nil {
		o.logger.Warn("store list failed, serving live sessions only", "error", err)
		stored = nil
	}

	seen := make(map[string]bool)
	var out []session.Snapshot

	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		snap := e.s.Snapshot()
		e.mu.Unlock()

		if f.UserID != "" && snap.UserID != f.UserID {
			continue
		}
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		seen[snap.ID] = true
		out = append(out, snap)
	}

	for _, snap := range stored {
		if !seen[snap.ID] {
			out = append(out, snap)
		}
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// SendInput delivers text to a live session. Only ACTIVE and
// WAITING_INPUT sessions accept input.
func (o *Orchestrator) SendInput(ctx context.Context, id, text string) error {
	e := o.lookup(id)
	if e == nil {
		// evicted from memory but still on record: the backing process is
		// gone, so this is an invalid-state rejection, not a missing session
		snap, err := o.store.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrSessionNotFound) {
				return errors.ErrSessionNotFound
			}
			return err
		}
		return errors.NewSessionError("cannot accept input", errors.ErrInvalidState).
			WithSessionID(id).
			WithStatus(string(snap.Status))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.Status.AcceptsInput() {
		return errors.NewSessionError("cannot accept input", errors.ErrInvalidState).
			WithSessionID(id).
			WithStatus(string(e.s.Status))
	}

	if !e.provider.SendInput(ctx, e.s.ProviderHandle, text) {
		o.publish(ctx, id, event.TypeCommandFailed, map[string]any{"reason": "transport"})
		return errors.NewProviderError("input delivery failed", errors.ErrTransport).
			WithProvider(e.s.ProviderType).
			WithHandle(e.s.ProviderHandle).
			WithRetryable(true)
	}

	if e.s.Status != session.StatusActive {
		e.s.Status = session.StatusActive
	}
	e.s.Touch()
	e.warnedAt = time.Time{}
	if err := o.persist(ctx, e, false); err != nil {
		// the input was delivered; the state stands and the sweeper
		// retries the write, but the caller must know durability is at risk
		return err
	}
	o.publish(ctx, id, event.TypeCommandSent, map[string]any{"length": len(text)})

	return nil
}

// TerminateSession shuts a session down from any state. It is idempotent:
// terminating a session that is already terminal returns nil without
// publishing a second event.
func (o *Orchestrator) TerminateSession(ctx context.Context, id, reason string) error {
	e := o.lookup(id)
	if e == nil {
		// not live: still mark the stored copy terminated if we have one
		return o.terminateStored(ctx, id, reason)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.Status.IsTerminal() {
		return nil
	}

	// provider terminate is best-effort: a handle that is already gone
	// must not block the state transition
	if e.s.ProviderHandle != "" {
		e.provider.Terminate(ctx, e.s.ProviderHandle)
	}

	now := time.Now().UTC()
	e.s.Status = session.StatusTerminated
	e.s.TerminatedAt = &now
	e.s.Touch()

	persistErr := o.persist(ctx, e, false)
	o.publish(ctx, id, event.TypeSessionTerminated, map[string]any{"reason": reason})
	o.closeWatchers(e)

	if o.hooks.OnEnded != nil {
		o.hooks.OnEnded(e.s.Snapshot())
	}

	o.logger.Info("session terminated", "session_id", id, "reason", reason)

	// the session is terminated either way; a store failure still surfaces
	// so the caller knows the record is pending reconciliation
	return persistErr
}

// terminateStored handles terminate for sessions that are no longer in
// memory (e.g. after a restart).
func (o *Orchestrator) terminateStored(ctx context.Context, id, reason string) error {
	snap, err := o.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if snap.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	snap.Status = session.StatusTerminated
	snap.TerminatedAt = &now
	snap.UpdatedAt = now

	if raw, err := json.Marshal(snap); err == nil {
		_ = o.cache.Set(ctx, cache.SessionKey(id), raw, o.cacheTTL)
	}
	if err := o.store.UpdateSession(ctx, snap); err != nil {
		return err
	}
	o.publish(ctx, id, event.TypeSessionTerminated, map[string]any{"reason": reason})
	return nil
}

// Output returns the buffered output chunks with sequence numbers at or
// above since.
func (o *Orchestrator) Output(id string, since uint64) ([]session.Chunk, error) {
	e := o.lookup(id)
	if e == nil {
		return nil, errors.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Output.Since(since), nil
}

// StreamOutput returns a channel that replays buffered chunks from since
// onward and then follows live output. The channel closes when the session
// reaches a terminal state or ctx is done.
func (o *Orchestrator) StreamOutput(ctx context.Context, id string, since uint64) (<-chan session.Chunk, error) {
	e := o.lookup(id)
	if e == nil {
		return nil, errors.ErrSessionNotFound
	}

	e.mu.Lock()
	replay := e.s.Output.Since(since)
	var sub chan session.Chunk
	if !e.s.Status.IsTerminal() {
		sub = make(chan session.Chunk, 256)
		e.watchers[sub] = true
	}
	e.mu.Unlock()

	out := make(chan session.Chunk, 64)
	go func() {
		defer close(out)

		for _, c := range replay {
			select {
			case out <- c:
			case <-ctx.Done():
				o.dropWatcher(e, sub)
				return
			}
		}
		if sub == nil {
			return
		}

		for {
			select {
			case c, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					o.dropWatcher(e, sub)
					return
				}
			case <-ctx.Done():
				o.dropWatcher(e, sub)
				return
			}
		}
	}()

	return out, nil
}

// Stats returns current load counters and provider availability.
func (o *Orchestrator) Stats() Stats {
	st := Stats{
		ByStatus:   make(map[string]int),
		ByProvider: make(map[string]int),
		Providers:  make(map[string]bool),
	}

	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		status := e.s.Status
		ptype := e.s.ProviderType
		e.mu.Unlock()

		st.ByStatus[string(status)]++
		if !status.IsTerminal() {
			st.Live++
			st.ByProvider[ptype]++
		}
	}

	for t, h := range o.registry.Availability() {
		st.Providers[string(t)] = h.Available
	}
	return st
}

// RecordActivity bumps a session's activity clock from an external signal
// (e.g. filesystem changes in its working directory).
func (o *Orchestrator) RecordActivity(ctx context.Context, id, source, detail string) {
	e := o.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.Status.IsTerminal() {
		return
	}
	e.s.Touch()
	e.warnedAt = time.Time{}
	o.persist(ctx, e, false)
	o.publish(ctx, id, event.TypeKeepalive, map[string]any{"source": source, "detail": detail})
}

// Shutdown terminates every live session through the normal terminate
// path. Called once during process shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, id := range o.liveIDs() {
		if err := o.TerminateSession(ctx, id, "shutdown"); err != nil {
			o.logger.Warn("terminate during shutdown failed", "session_id", id, "error", err)
		}
	}
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (o *Orchestrator) lookup(id string) *entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries[id]
}

// snapshotEntries copies the table so background loops never hold the
// table lock while taking per-session locks.
func (o *Orchestrator) snapshotEntries() []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) liveIDs() []string {
	var ids []string
	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		if !e.s.Status.IsTerminal() {
			ids = append(ids, e.s.ID)
		}
		e.mu.Unlock()
	}
	return ids
}

// admit counts live sessions and inserts the new entry under one table
// lock, so concurrent creates cannot over-admit past the limit. A create
// that later fails flips its entry terminal, which frees the slot.
func (o *Orchestrator) admit(e *entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	live := 0
	for _, ex := range o.entries {
		ex.mu.Lock()
		if !ex.s.Status.IsTerminal() {
			live++
		}
		ex.mu.Unlock()
	}
	if live >= o.cfg.MaxConcurrent {
		return errors.NewSessionError("concurrent session limit reached", errors.ErrCapacityExceeded)
	}

	o.entries[e.s.ID] = e
	return nil
}

// persist runs the write-through chain for the entry's current state.
// Cache failures are swallowed. A store failure flags the session for
// reconciliation and is returned; the in-memory and cached state stand.
// Caller-facing operations surface the error, background paths log it and
// rely on the sweeper's retry.
func (o *Orchestrator) persist(ctx context.Context, e *entry, isNew bool) error {
	snap := e.s.Snapshot()

	if raw, err := json.Marshal(snap); err == nil {
		if err := o.cache.Set(ctx, cache.SessionKey(snap.ID), raw, o.cacheTTL); err != nil {
			o.logger.Warn("cache write failed", "session_id", snap.ID, "error", err)
		}
	}

	var err error
	if isNew {
		err = o.store.InsertSession(ctx, snap)
	} else {
		err = o.store.UpdateSession(ctx, snap)
	}
	if err != nil {
		e.s.Reconciling = true
		o.logger.Error("store write failed, session flagged for reconciliation",
			"session_id", snap.ID, "error", err)
		return err
	}
	e.s.Reconciling = false
	return nil
}

// publish sends an event to the bus and mirrors it into the store's event
// history. Both are fire-and-forget.
func (o *Orchestrator) publish(ctx context.Context, sessionID string, t event.Type, payload map[string]any) {
	rec := event.New(sessionID, t, payload)
	o.pub.Publish(ctx, rec)

	if err := o.store.AppendEvent(ctx, store.EventRow{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Type:      string(rec.Type),
		Payload:   rec.Payload,
		CreatedAt: rec.Timestamp,
	}); err != nil {
		o.logger.Debug("event history write failed", "session_id", sessionID, "event_type", t, "error", err)
	}
}

// appendOutput is the provider's output callback. It buffers the chunk,
// bumps activity, writes the snapshot through, fans out to live watchers,
// and publishes. The write-through matters: without it a chattering
// session's last_activity is frozen in the store and the staleness sweep
// would reap it.
func (o *Orchestrator) appendOutput(id, stream, data string) {
	e := o.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	if e.s.Status.IsTerminal() {
		e.mu.Unlock()
		return
	}

	seq := e.s.Output.Append(stream, data)
	e.s.LastActivity = time.Now().UTC()
	e.warnedAt = time.Time{}
	o.persist(context.Background(), e, false)

	chunk := session.Chunk{Seq: seq, Stream: stream, Data: data, Timestamp: e.s.LastActivity}
	for sub := range e.watchers {
		select {
		case sub <- chunk:
		default:
			// slow consumer: drop, the seq gap is detectable on replay
		}
	}
	e.mu.Unlock()

	eventType := event.TypeOutputReceived
	if stream == "stderr" {
		eventType = event.TypeErrorReceived
	}
	o.publish(context.Background(), id, eventType, map[string]any{
		"seq":    seq,
		"stream": stream,
		"data":   data,
	})
}

// applyProviderState is the provider's state-change callback.
func (o *Orchestrator) applyProviderState(id string, target session.Status, detail map[string]any) {
	e := o.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.Status.CanTransitionTo(target) {
		return
	}

	prev := e.s.Status
	e.s.Status = target
	if target == session.StatusFailed {
		now := time.Now().UTC()
		e.s.TerminatedAt = &now
	}
	e.s.Touch()
	ctx := context.Background()
	o.persist(ctx, e, false)

	switch target {
	case session.StatusIdle:
		o.publish(ctx, id, event.TypeSessionIdle, detail)
	case session.StatusActive:
		if prev == session.StatusIdle || prev == session.StatusWaitingInput {
			o.publish(ctx, id, event.TypeSessionResumed, detail)
		}
	case session.StatusFailed:
		o.publish(ctx, id, event.TypeSessionFailed, detail)
		o.closeWatchers(e)
		if o.hooks.OnEnded != nil {
			o.hooks.OnEnded(e.s.Snapshot())
		}
	}
}

// applyWorkDirChange tracks the agent changing its working directory.
func (o *Orchestrator) applyWorkDirChange(id, dir string) {
	e := o.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.Status.IsTerminal() || e.s.WorkDir == dir {
		return
	}
	e.s.WorkDir = dir
	e.s.Touch()
	o.persist(context.Background(), e, false)

	if o.hooks.OnWorkDirChanged != nil {
		o.hooks.OnWorkDirChanged(e.s.Snapshot())
	}
}

// closeWatchers closes live-output subscriptions. Caller holds e.mu.
func (o *Orchestrator) closeWatchers(e *entry) {
	for sub := range e.watchers {
		close(sub)
	}
	e.watchers = make(map[chan session.Chunk]bool)
}

// dropWatcher removes one subscription, tolerating a concurrent
// closeWatchers.
func (o *Orchestrator) dropWatcher(e *entry, sub chan session.Chunk) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchers[sub] {
		delete(e.watchers, sub)
		close(sub)
	}
}
