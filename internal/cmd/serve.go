package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jelmore-io/jelmore/internal/api"
	"github.com/jelmore-io/jelmore/internal/cache"
	"github.com/jelmore-io/jelmore/internal/config"
	"github.com/jelmore-io/jelmore/internal/event"
	"github.com/jelmore-io/jelmore/internal/logging"
	"github.com/jelmore-io/jelmore/internal/orchestrator"
	"github.com/jelmore-io/jelmore/internal/provider"
	"github.com/jelmore-io/jelmore/internal/session"
	"github.com/jelmore-io/jelmore/internal/store"
	"github.com/jelmore-io/jelmore/internal/watcher"
	"github.com/jelmore-io/jelmore/internal/ws"
)

var serveStandalone bool // run without Postgres, Redis, or NATS

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Jelmore server",
	Long: `Start the HTTP/WebSocket server, the provider health loop, the
staleness sweeper, and the working-directory watcher. Shuts down
gracefully on SIGINT/SIGTERM, terminating all live sessions.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStandalone, "standalone", false,
		"use in-memory storage and no event bus (development only)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(os.Stdout, cfg.Logging.Level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// persistence + bus
	var (
		st  store.Store
		c   cache.Cache
		pub event.Publisher
	)
	if serveStandalone {
		logger.Warn("standalone mode: sessions are not durable")
		st = store.NewMemory()
		c = cache.NewMemory()
		pub = event.NopPublisher{}
	} else {
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		st = pg

		rd, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		c = rd

		np, err := event.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.NATS.PublishTimeout(), logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		pub = np
	}
	defer st.Close()
	defer c.Close()
	defer pub.Close()

	// providers
	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	registry.Start(ctx)
	defer registry.Stop()

	// websocket connections; bus events are mirrored to connected clients
	conns := ws.NewManager(cfg.Heartbeat, logger)
	conns.Start(ctx)
	defer conns.Stop()

	orch := orchestrator.New(cfg.Session, cfg.Redis.SnapshotTTL(), st, c,
		event.Fanout{pub, ws.Publisher{M: conns}}, registry, logger)
	conns.Info = func(sessionID string) any {
		snap, err := orch.GetSession(context.Background(), sessionID)
		if err != nil {
			return nil
		}
		return snap
	}

	// working-directory watcher
	if cfg.Watcher.Enabled {
		fsw, err := watcher.New(cfg.Watcher.Debounce(), func(sessionID, path string) {
			orch.RecordActivity(context.Background(), sessionID, "fs", path)
		}, logger)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		fsw.Start(ctx)
		defer fsw.Close()

		orch.SetHooks(orchestrator.Hooks{
			OnStarted: func(snap session.Snapshot) {
				if snap.WorkDir != "" {
					if err := fsw.Watch(snap.ID, snap.WorkDir); err != nil {
						logger.Warn("watch failed", "session_id", snap.ID, "dir", snap.WorkDir, "error", err)
					}
				}
			},
			OnWorkDirChanged: func(snap session.Snapshot) {
				if err := fsw.Watch(snap.ID, snap.WorkDir); err != nil {
					logger.Warn("re-watch failed", "session_id", snap.ID, "dir", snap.WorkDir, "error", err)
				}
			},
			OnEnded: func(snap session.Snapshot) {
				fsw.Unwatch(snap.ID)
			},
		})
	}

	sweeper := orchestrator.NewSweeper(orch)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	server := api.NewServer(cfg.Server, orch, conns, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	orch.Shutdown(shutdownCtx)

	return nil
}

// buildRegistry constructs providers from configuration and initializes
// the enabled ones.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*provider.Registry, error) {
	prefs := make(map[string][]provider.Type, len(cfg.Selector.Preferences))
	for task, names := range cfg.Selector.Preferences {
		for _, n := range names {
			prefs[task] = append(prefs[task], provider.Type(n))
		}
	}

	registry := provider.NewRegistry(
		provider.Type(cfg.Selector.Default),
		prefs,
		cfg.Selector.HealthInterval(),
		3*time.Second,
		logger,
	)

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}

		var p provider.Provider
		switch {
		case pc.Binary != "":
			p = provider.NewLocal(provider.Type(name), pc.Binary, pc.Args, pc.Grace(), logger)
		case pc.BaseURL != "":
			p = provider.NewRemote(provider.Type(name), pc.BaseURL, pc.HealthTimeout(), logger)
		default:
			continue
		}

		// a provider that fails to initialize still registers; the health
		// loop keeps it out of selection until it recovers
		if err := p.Initialize(ctx); err != nil {
			logger.Warn("provider initialization failed", "provider", name, "error", err)
		}
		registry.Register(p)
	}

	if len(registry.Types()) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}
	return registry, nil
}
