package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/logging"
)

// Registry holds the registered providers and tracks their availability.
// Availability lives in an immutable snapshot swapped atomically by the
// health loop, so selection never takes a lock.
type Registry struct {
	mu        sync.Mutex
	providers map[Type]Provider
	order     []Type // registration order, the fallback scan order

	defaultType Type
	preferences map[string][]Type

	availability atomic.Value // map[Type]Health

	interval time.Duration
	timeout  time.Duration
	logger   *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry. defaultType is used when a task
// type has no preference list.
func NewRegistry(defaultType Type, preferences map[string][]Type, healthInterval, healthTimeout time.Duration, logger *logging.Logger) *Registry {
	r := &Registry{
		providers:   make(map[Type]Provider),
		defaultType: defaultType,
		preferences: preferences,
		interval:    healthInterval,
		timeout:     healthTimeout,
		logger:      logger.WithComponent("registry"),
	}
	r.availability.Store(map[Type]Health{})
	return r
}

// Register adds a provider. Registering the same type twice replaces the
// earlier provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Type()]; !exists {
		r.order = append(r.order, p.Type())
	}
	r.providers[p.Type()] = p
}

// Get returns the provider of the given type.
func (r *Registry) Get(t Type) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[t]
	if !ok {
		return nil, errors.NewProviderError("not registered", errors.ErrProviderNotFound).WithProvider(string(t))
	}
	return p, nil
}

// Types returns the registered provider types in registration order.
func (r *Registry) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.order))
	copy(out, r.order)
	return out
}

// Availability returns the latest health snapshot.
func (r *Registry) Availability() map[Type]Health {
	return r.availability.Load().(map[Type]Health)
}

// Select picks a provider for the given task type: the task's preference
// list in order, then the default, then any available provider. It
// returns ErrNoProviderAvailable when nothing is up.
func (r *Registry) Select(taskType string) (Provider, error) {
	avail := r.Availability()

	tried := make(map[Type]bool)
	candidates := append([]Type{}, r.preferences[taskType]...)
	candidates = append(candidates, r.defaultType)
	candidates = append(candidates, r.Types()...)

	for _, t := range candidates {
		if tried[t] {
			continue
		}
		tried[t] = true

		if !avail[t].Available {
			continue
		}
		if p, err := r.Get(t); err == nil {
			return p, nil
		}
	}

	return nil, errors.NewProviderError("selection failed", errors.ErrNoProviderAvailable)
}

// Probe runs one health check pass over all providers and swaps in the
// new availability snapshot.
func (r *Registry) Probe(ctx context.Context) {
	r.mu.Lock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.Unlock()

	prev := r.Availability()
	next := make(map[Type]Health, len(providers))

	for _, p := range providers {
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		h := p.HealthCheck(probeCtx)
		cancel()

		next[p.Type()] = h

		if h.Available != prev[p.Type()].Available {
			r.logger.Info("provider availability changed",
				"provider", p.Type(),
				"available", h.Available,
				"detail", h.Detail)
		}
	}

	r.availability.Store(next)
}

// Start launches the periodic health loop. It probes once immediately so
// selection works before the first tick.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.Probe(ctx)

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Probe(ctx)
			}
		}
	}()
}

// Stop cancels the health loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
