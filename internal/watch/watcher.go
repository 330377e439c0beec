// Package watch adapts the raw OS notification mechanism (fsnotify) to
// the engine's event vocabulary. It hides platform quirks: duplicate
// events, missing rename correlation, and batching differences.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sorenh/fsmirror/internal/apperr"
	"github.com/sorenh/fsmirror/internal/event"
)

var errSubscriptionLost = errors.New("watch: notification subscription lost")

// Options tune watcher behaviour.
type Options struct {
	// BatchInterval is how long raw events are grouped before the batch
	// is emitted, giving the normalizer a window to correlate renames.
	BatchInterval time.Duration
	// MaxRetries bounds re-subscription attempts after the underlying
	// watcher dies. Exhausting it escalates to a fatal WatchError.
	MaxRetries int
	// RetryBackoff is the initial re-subscription delay, doubled per
	// attempt.
	RetryBackoff time.Duration
}

// Watcher observes a source root recursively and emits batches of raw
// events. It never touches the destination; it is a read-only observer.
type Watcher struct {
	root    string
	opts    Options
	logger  *slog.Logger
	batches chan []event.RawEvent
}

// New creates a watcher for the given source root (absolute path).
func New(root string, opts Options, logger *slog.Logger) *Watcher {
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 50 * time.Millisecond
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Watcher{
		root:    root,
		opts:    opts,
		logger:  logger,
		batches: make(chan []event.RawEvent, 16),
	}
}

// Run watches the source root until ctx is cancelled or re-subscription
// retries are exhausted. The batches channel is closed when it returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.batches)

	attempt := 0
	for {
		err := w.session(ctx)
		switch {
		case err == nil || ctx.Err() != nil:
			w.logger.Info("watcher: stopped")
			return nil
		case errors.Is(err, errSubscriptionLost):
			attempt++
			if attempt > w.opts.MaxRetries {
				return &apperr.WatchError{Attempts: attempt, Err: err}
			}
			backoff := w.opts.RetryBackoff << (attempt - 1)
			w.logger.Warn("watcher: subscription lost, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		default:
			return err
		}
	}
}

// Batches returns the channel of raw event batches.
func (w *Watcher) Batches() <-chan []event.RawEvent { return w.batches }

// session runs one fsnotify subscription until it fails or ctx ends.
func (w *Watcher) session(ctx context.Context) error {
	// A session against a vanished root would watch nothing and block
	// forever; fail it so the retry ceiling applies.
	if _, err := os.Stat(w.root); err != nil {
		return errors.Join(errSubscriptionLost, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Join(errSubscriptionLost, err)
	}
	defer fsw.Close()

	if err := addDirsRecursive(fsw, w.root); err != nil {
		return errors.Join(errSubscriptionLost, err)
	}
	w.logger.Info("watcher: started", slog.String("root", w.root))

	var pending []event.RawEvent
	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	scheduleFlush := func() {
		if flushTimer == nil {
			flushTimer = time.NewTimer(w.opts.BatchInterval)
			flushCh = flushTimer.C
		}
	}
	defer func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
	}()

	emit := func() bool {
		if len(pending) == 0 {
			return true
		}
		batch := pending
		pending = nil
		flushTimer = nil
		flushCh = nil
		select {
		case <-ctx.Done():
			return false
		case w.batches <- batch:
			return true
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit()
			return nil

		case <-flushCh:
			if !emit() {
				return nil
			}

		case ev, ok := <-fsw.Events:
			if !ok {
				return errSubscriptionLost
			}
			// Removal of the watched root itself arrives as an ordinary
			// event on the root path, not on the error channel. The
			// subscription is dead from here on.
			if ev.Name == w.root && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Warn("watcher: root removed", slog.String("root", w.root))
				emit()
				return errSubscriptionLost
			}
			raw, keep := w.translate(fsw, ev)
			if !keep {
				continue
			}
			pending = append(pending, raw)
			scheduleFlush()

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return errSubscriptionLost
			}
			w.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
			// The root vanishing kills the subscription; surface it so
			// the retry loop (and eventually the caller) deals with it.
			if _, statErr := os.Stat(w.root); statErr != nil {
				return errSubscriptionLost
			}
		}
	}
}

// translate converts one fsnotify event into a raw event. New
// directories are added to the watch list here, so events inside them
// are not missed while the engine reconciles their contents.
func (w *Watcher) translate(fsw *fsnotify.Watcher, ev fsnotify.Event) (event.RawEvent, bool) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return event.RawEvent{}, false
	}

	raw := event.RawEvent{Path: filepath.ToSlash(rel), Time: time.Now()}

	switch {
	case ev.Op&fsnotify.Create != 0:
		raw.Op = event.RawCreate
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			raw.Dir = true
			if addErr := addDirsRecursive(fsw, ev.Name); addErr != nil {
				w.logger.Warn("watcher: add new dir failed",
					slog.String("path", rel),
					slog.String("error", addErr.Error()))
			} else {
				w.logger.Debug("watcher: watching new dir", slog.String("path", rel))
			}
		}
	case ev.Op&fsnotify.Write != 0:
		raw.Op = event.RawWrite
	case ev.Op&fsnotify.Remove != 0:
		// The path is gone; whether it was a directory is resolved by
		// the engine against its mirror state.
		raw.Op = event.RawRemove
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify fires Rename on the OLD path only. The new path
		// arrives as a separate Create in the same batch when the
		// target stays inside the watched tree.
		raw.Op = event.RawRenameFrom
	default:
		// Chmod and friends carry no content change.
		return event.RawEvent{}, false
	}

	return raw, true
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
// fsnotify drops registrations for deleted directories on its own, so
// subtree removal needs no explicit cascade here.
func addDirsRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Raced with a concurrent delete.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}
