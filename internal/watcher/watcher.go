// Package watcher observes session working directories for filesystem
// activity. An agent quietly editing files is not idle, so file events
// bump the session's activity clock and keep the staleness sweep away.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jelmore-io/jelmore/internal/logging"
)

// ActivityFunc receives debounced activity notifications. path is the
// last file touched in the burst.
type ActivityFunc func(sessionID, path string)

// Watcher maps watched directories to sessions and forwards debounced
// filesystem events to the activity callback.
type Watcher struct {
	fsw        *fsnotify.Watcher
	debounce   time.Duration
	onActivity ActivityFunc
	logger     *logging.Logger

	mu     sync.Mutex
	dirs   map[string]string // directory -> session ID
	timers map[string]*pending

	cancel context.CancelFunc
	done   chan struct{}
}

type pending struct {
	timer *time.Timer
	path  string
}

// New creates a Watcher. Call Start before Watch.
func New(debounce time.Duration, onActivity ActivityFunc, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:        fsw,
		debounce:   debounce,
		onActivity: onActivity,
		logger:     logger.WithComponent("watcher"),
		dirs:       make(map[string]string),
		timers:     make(map[string]*pending),
	}, nil
}

// Start launches the event loop.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.record(ev.Name)
				}
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "error", err)
			}
		}
	}()
}

// Watch starts watching dir for the given session. Watching the same
// session's new working directory replaces the old watch.
func (w *Watcher) Watch(sessionID, dir string) error {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	for d, sid := range w.dirs {
		if sid == sessionID {
			delete(w.dirs, d)
			_ = w.fsw.Remove(d)
		}
	}
	w.dirs[dir] = sessionID
	w.mu.Unlock()

	if err := w.fsw.Add(dir); err != nil {
		w.mu.Lock()
		delete(w.dirs, dir)
		w.mu.Unlock()
		return err
	}

	w.logger.Debug("watching directory", "session_id", sessionID, "dir", dir)
	return nil
}

// Unwatch stops watching the session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for d, sid := range w.dirs {
		if sid == sessionID {
			delete(w.dirs, d)
			_ = w.fsw.Remove(d)
		}
	}
	if p, ok := w.timers[sessionID]; ok {
		p.timer.Stop()
		delete(w.timers, sessionID)
	}
}

// record maps an event path back to its session and arms (or extends)
// that session's debounce timer.
func (w *Watcher) record(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	sessionID, ok := w.dirs[dir]
	if !ok {
		// event for a path under a watched tree's root itself
		for d, sid := range w.dirs {
			if strings.HasPrefix(path, d+string(filepath.Separator)) || path == d {
				sessionID, ok = sid, true
				break
			}
		}
	}
	if !ok {
		return
	}

	if p, exists := w.timers[sessionID]; exists {
		p.path = path
		p.timer.Reset(w.debounce)
		return
	}

	p := &pending{path: path}
	p.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		path := p.path
		delete(w.timers, sessionID)
		w.mu.Unlock()

		w.onActivity(sessionID, path)
	})
	w.timers[sessionID] = p
}

// Close stops the event loop and the underlying watcher.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}

	err := w.fsw.Close()
	if w.done != nil {
		<-w.done
	}

	w.mu.Lock()
	for _, p := range w.timers {
		p.timer.Stop()
	}
	w.timers = make(map[string]*pending)
	w.mu.Unlock()

	return err
}
