package orchestrator

import (
	"context"
	"time"

	"github.com/jelmore-io/jelmore/internal/event"
)

// Sweeper is the background maintenance loop: it terminates stale
// sessions, publishes timeout warnings ahead of termination, retries
// store writes for sessions flagged reconciling, and evicts long-dead
// entries from the in-memory table.
type Sweeper struct {
	o      *Orchestrator
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper over the orchestrator.
func NewSweeper(o *Orchestrator) *Sweeper {
	return &Sweeper{o: o}
}

// Start launches the sweep loop.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.done = make(chan struct{})

	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(sw.o.cfg.SweepInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	<-sw.done
}

// Sweep runs one maintenance pass. Exported so tests and operators can
// trigger it directly.
func (sw *Sweeper) Sweep(ctx context.Context) {
	o := sw.o
	now := time.Now().UTC()
	staleCutoff := now.Add(-o.cfg.Timeout())
	warnCutoff := staleCutoff.Add(o.cfg.WarningWindow())
	evictCutoff := now.Add(-o.cfg.Timeout())

	var toTerminate []string
	var toEvict []string

	for _, e := range o.snapshotEntries() {
		e.mu.Lock()

		if e.s.Reconciling {
			o.persist(ctx, e, false)
		}

		switch {
		case e.s.Status.IsTerminal():
			// keep terminal sessions around briefly for reads, then let
			// the store be the only copy
			if !e.s.Reconciling && e.s.TerminatedAt != nil && e.s.TerminatedAt.Before(evictCutoff) {
				toEvict = append(toEvict, e.s.ID)
			}

		case e.s.StaleSince(staleCutoff):
			toTerminate = append(toTerminate, e.s.ID)

		case e.s.LastActivity.Before(warnCutoff) && e.warnedAt.Before(e.s.LastActivity):
			e.warnedAt = now
			remaining := e.s.LastActivity.Sub(staleCutoff)
			o.publish(ctx, e.s.ID, event.TypeTimeoutWarning, map[string]any{
				"seconds_remaining": int(remaining.Seconds()),
			})
			o.logger.Warn("session approaching staleness cutoff",
				"session_id", e.s.ID,
				"seconds_remaining", int(remaining.Seconds()))
		}

		e.mu.Unlock()
	}

	for _, id := range toTerminate {
		if err := o.TerminateSession(ctx, id, "stale"); err != nil {
			o.logger.Warn("stale terminate failed", "session_id", id, "error", err)
		}
	}

	if len(toEvict) > 0 {
		o.mu.Lock()
		for _, id := range toEvict {
			delete(o.entries, id)
		}
		o.mu.Unlock()
	}
}
