package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sorenh/fsmirror/internal/apperr"
	"github.com/sorenh/fsmirror/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder drains watcher batches into a flat, lockable event list.
type recorder struct {
	mu     sync.Mutex
	events []event.RawEvent
}

func (r *recorder) drain(batches <-chan []event.RawEvent) {
	for batch := range batches {
		r.mu.Lock()
		r.events = append(r.events, batch...)
		r.mu.Unlock()
	}
}

func (r *recorder) find(op event.RawOp, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Op == op && ev.Path == path {
			return true
		}
	}
	return false
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func startWatcher(t *testing.T, root string) (*recorder, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := New(root, Options{BatchInterval: 20 * time.Millisecond}, testLogger())

	rec := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("watcher: %v", err)
		}
	}()
	go rec.drain(w.Batches())

	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the subscription a moment to register before mutating.
	time.Sleep(100 * time.Millisecond)
	return rec, cancel
}

func TestWatcher_FileCreateObserved(t *testing.T) {
	root := t.TempDir()
	rec, _ := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.find(event.RawCreate, "a.txt")
	}, "create event not observed")
}

func TestWatcher_WriteObserved(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, _ := startWatcher(t, root)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.find(event.RawWrite, "a.txt")
	}, "write event not observed")
}

func TestWatcher_RemoveObserved(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, _ := startWatcher(t, root)

	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.find(event.RawRemove, "a.txt")
	}, "remove event not observed")
}

func TestWatcher_RenameObservedOnOldPath(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, _ := startWatcher(t, root)

	if err := os.Rename(filepath.Join(root, "old.txt"), filepath.Join(root, "new.txt")); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.find(event.RawRenameFrom, "old.txt") && rec.find(event.RawCreate, "new.txt")
	}, "rename pair not observed")
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	rec, _ := startWatcher(t, root)

	// Events inside a directory created after startup must still arrive.
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.find(event.RawCreate, "sub")
	}, "dir create not observed")

	if err := os.WriteFile(filepath.Join(sub, "inner.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		return rec.find(event.RawCreate, "sub/inner.txt")
	}, "event inside new dir not observed")
}

func TestWatcher_DirCreateCarriesDirFlag(t *testing.T) {
	root := t.TempDir()
	rec, _ := startWatcher(t, root)

	if err := os.Mkdir(filepath.Join(root, "d"), 0o755); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, ev := range rec.events {
			if ev.Path == "d" && ev.Op == event.RawCreate {
				return ev.Dir
			}
		}
		return false
	}, "dir flag not set on directory create")
}

func TestWatcher_RootDeletionEscalatesToWatchError(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "src")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	w := New(root, Options{
		BatchInterval: 20 * time.Millisecond,
		MaxRetries:    1,
		RetryBackoff:  20 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	go func() {
		for range w.Batches() {
		}
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		var werr *apperr.WatchError
		if !errors.As(err, &werr) {
			t.Fatalf("Run returned %v, want WatchError", err)
		}
		if werr.Attempts < 1 {
			t.Errorf("attempts: got %d, want >= 1", werr.Attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher kept running after its root was deleted")
	}
}

func TestWatcher_StopsOnCancel(t *testing.T) {
	root := t.TempDir()
	w := New(root, Options{BatchInterval: 20 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	go func() {
		for range w.Batches() {
		}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop after cancel")
	}
}
