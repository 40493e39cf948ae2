package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jelmore-io/jelmore/internal/logging"
)

type activityLog struct {
	mu    sync.Mutex
	calls []string // sessionID
}

func (a *activityLog) record(sessionID, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, sessionID)
}

func (a *activityLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *activityLog) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for a.count() < n {
		select {
		case <-deadline:
			t.Fatalf("activity calls = %d, want %d", a.count(), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestWatcher(t *testing.T, log *activityLog) *Watcher {
	t.Helper()
	w, err := New(20*time.Millisecond, log.record, logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start(context.Background())
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatchReportsActivity(t *testing.T) {
	log := &activityLog{}
	w := newTestWatcher(t, log)

	dir := t.TempDir()
	if err := w.Watch("sess-1", dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644); err != nil {
		t.Fatal(err)
	}

	log.waitFor(t, 1, time.Second)

	log.mu.Lock()
	defer log.mu.Unlock()
	if log.calls[0] != "sess-1" {
		t.Errorf("activity for %q, want sess-1", log.calls[0])
	}
}

func TestWatchDebouncesBursts(t *testing.T) {
	log := &activityLog{}
	w := newTestWatcher(t, log)

	dir := t.TempDir()
	if err := w.Watch("sess-1", dir); err != nil {
		t.Fatal(err)
	}

	// a burst of writes inside the debounce window collapses to one call
	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0o644)
		time.Sleep(2 * time.Millisecond)
	}

	log.waitFor(t, 1, time.Second)
	time.Sleep(50 * time.Millisecond)

	if got := log.count(); got != 1 {
		t.Errorf("activity calls = %d, want 1 (debounced)", got)
	}
}

func TestUnwatchStopsActivity(t *testing.T) {
	log := &activityLog{}
	w := newTestWatcher(t, log)

	dir := t.TempDir()
	if err := w.Watch("sess-1", dir); err != nil {
		t.Fatal(err)
	}
	w.Unwatch("sess-1")

	os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0o644)
	time.Sleep(60 * time.Millisecond)

	if got := log.count(); got != 0 {
		t.Errorf("activity calls after unwatch = %d, want 0", got)
	}
}

func TestWatchReplacesPreviousDir(t *testing.T) {
	log := &activityLog{}
	w := newTestWatcher(t, log)

	oldDir := t.TempDir()
	newDir := t.TempDir()

	if err := w.Watch("sess-1", oldDir); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch("sess-1", newDir); err != nil {
		t.Fatal(err)
	}

	os.WriteFile(filepath.Join(oldDir, "stale.go"), []byte("x"), 0o644)
	time.Sleep(60 * time.Millisecond)
	if got := log.count(); got != 0 {
		t.Fatalf("old dir still reporting after re-watch: %d calls", got)
	}

	os.WriteFile(filepath.Join(newDir, "fresh.go"), []byte("x"), 0o644)
	log.waitFor(t, 1, time.Second)
}

func TestWatchMissingDir(t *testing.T) {
	log := &activityLog{}
	w := newTestWatcher(t, log)

	if err := w.Watch("sess-1", "/does/not/exist"); err == nil {
		t.Error("expected error watching a missing directory")
	}
}
