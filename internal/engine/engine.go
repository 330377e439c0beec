// Package engine applies canonical, debounced operations (and the
// initial reconciliation diff) to the destination filesystem. It is the
// sole writer of destination state and of the mirror cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sorenh/fsmirror/internal/apperr"
	"github.com/sorenh/fsmirror/internal/checksum"
	"github.com/sorenh/fsmirror/internal/destfs"
	"github.com/sorenh/fsmirror/internal/event"
	"github.com/sorenh/fsmirror/internal/mirror"
)

// Mirror modes.
const (
	// ModeStrict deletes destination entries absent from the source.
	ModeStrict = "strict"
	// ModeAdditive never prunes the destination.
	ModeAdditive = "additive"
)

// Comparison strategies for reconciliation.
const (
	CompareMetadata = "metadata"
	CompareChecksum = "checksum"
)

// Options tune engine behaviour.
type Options struct {
	// Mode is ModeStrict or ModeAdditive.
	Mode string
	// Compare is CompareMetadata or CompareChecksum.
	Compare string
	// Workers bounds the reconciliation copy pool.
	Workers int
	// ModTimeWindow is the granularity mtimes are truncated to before
	// comparison, absorbing filesystems with coarser timestamps.
	ModTimeWindow time.Duration
	// ResyncInterval re-runs reconciliation periodically to heal dirty
	// paths. Zero disables it.
	ResyncInterval time.Duration
	// ShutdownGrace bounds how long pending operations may still be
	// applied after cancellation before they are abandoned.
	ShutdownGrace time.Duration
}

// ApplyCallback is called after each successfully applied live operation.
// kind is the canonical kind string ("created", "modified", ...).
type ApplyCallback func(kind string, path string)

// Engine mirrors a source tree into a destination tree.
type Engine struct {
	srcRoot string
	dest    destfs.Provider
	state   *mirror.State
	opts    Options
	logger  *slog.Logger
	cb      ApplyCallback

	mu            sync.Mutex
	lastReconcile Stats
	reconciledAt  time.Time
}

// New creates an engine. srcRoot must be an absolute path to an existing
// directory.
func New(srcRoot string, dest destfs.Provider, state *mirror.State, opts Options, logger *slog.Logger, cb ApplyCallback) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Mode == "" {
		opts.Mode = ModeStrict
	}
	if opts.Compare == "" {
		opts.Compare = CompareMetadata
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	return &Engine{
		srcRoot: srcRoot,
		dest:    dest,
		state:   state,
		opts:    opts,
		logger:  logger,
		cb:      cb,
	}
}

// Snapshot returns the stats of the last completed reconciliation and
// when it finished.
func (e *Engine) Snapshot() (Stats, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReconcile, e.reconciledAt
}

// Run consumes settled operations until the channel is closed. After ctx
// is cancelled it keeps draining for the shutdown grace period; whatever
// is still pending afterwards is abandoned and reported, not silently
// dropped.
func (e *Engine) Run(ctx context.Context, ops <-chan event.PendingOperation) error {
	var resyncCh <-chan time.Time
	if e.opts.ResyncInterval > 0 {
		ticker := time.NewTicker(e.opts.ResyncInterval)
		defer ticker.Stop()
		resyncCh = ticker.C
	}

	for {
		select {
		case op, ok := <-ops:
			if !ok {
				return nil
			}
			e.apply(ctx, op)

		case <-resyncCh:
			e.logger.Debug("engine: periodic resync")
			if _, err := e.Reconcile(ctx); err != nil {
				e.logger.Warn("engine: periodic resync failed", slog.String("error", err.Error()))
			}

		case <-ctx.Done():
			return e.drain(ops)
		}
	}
}

// drain applies remaining operations within the grace period.
func (e *Engine) drain(ops <-chan event.PendingOperation) error {
	deadline := time.NewTimer(e.opts.ShutdownGrace)
	defer deadline.Stop()

	for {
		select {
		case op, ok := <-ops:
			if !ok {
				return nil
			}
			e.apply(context.Background(), op)

		case <-deadline.C:
			abandoned := 0
			for {
				select {
				case op, ok := <-ops:
					if !ok {
						if abandoned > 0 {
							e.logger.Warn("engine: abandoned pending operations",
								slog.Int("count", abandoned))
						}
						return nil
					}
					abandoned++
					e.logger.Warn("engine: abandoning operation",
						slog.String("op", op.Kind.String()),
						slog.String("path", op.Path))
				default:
					if abandoned > 0 {
						e.logger.Warn("engine: abandoned pending operations",
							slog.Int("count", abandoned))
					}
					return nil
				}
			}
		}
	}
}

// apply dispatches one settled operation. Failures are isolated to the
// path: logged, marked dirty for retry, never fatal.
func (e *Engine) apply(ctx context.Context, op event.PendingOperation) {
	var err error
	switch op.Kind {
	case event.Created, event.Modified:
		err = e.applyUpsert(ctx, op)
	case event.Removed:
		err = e.applyRemoved(op)
	case event.Renamed:
		err = e.applyRenamed(ctx, op)
	}

	if err == nil {
		e.logger.Debug("engine: applied",
			slog.String("op", op.Kind.String()),
			slog.String("path", op.Path))
		if e.cb != nil {
			e.cb(op.Kind.String(), op.Path)
		}
		return
	}

	if errors.Is(err, apperr.ErrPathEscape) {
		// Rejected outright; retrying cannot help.
		e.logger.Error("engine: operation rejected",
			slog.String("op", op.Kind.String()),
			slog.String("path", op.Path),
			slog.String("error", err.Error()))
		return
	}

	opErr := &apperr.SyncOperationError{Path: op.Path, Op: op.Kind.String(), Err: err}
	e.logger.Warn("engine: operation failed, marked dirty for retry",
		slog.String("op", op.Kind.String()),
		slog.String("path", op.Path),
		slog.String("error", opErr.Error()))
	if markErr := e.state.MarkDirty(op.Path); markErr != nil {
		e.logger.Error("engine: mark dirty failed", slog.String("error", markErr.Error()))
	}
}

// applyUpsert handles Created and Modified for files and directories.
func (e *Engine) applyUpsert(ctx context.Context, op event.PendingOperation) error {
	info, err := os.Stat(e.srcAbs(op.Path))
	if err != nil {
		if os.IsNotExist(err) {
			// Vanished between detection and copy; the matching Removed
			// event settles on its own.
			e.logger.Debug("engine: source vanished before copy", slog.String("path", op.Path))
			return nil
		}
		return err
	}

	if info.IsDir() {
		if err := e.dest.Mkdir(op.Path); err != nil {
			return err
		}
		if err := e.refreshEntry(op.Path); err != nil {
			return err
		}
		// A directory Created event is recursive: pre-existing children
		// produce no notifications of their own, so reconcile the
		// subtree instead.
		if op.Kind == event.Created {
			if _, err := e.reconcile(ctx, op.Path); err != nil {
				return err
			}
		}
		return nil
	}

	if err := e.dest.CopyFile(e.srcAbs(op.Path), op.Path, info.ModTime()); err != nil {
		return err
	}
	return e.refreshEntry(op.Path)
}

// applyRemoved deletes the destination path. Whether it was a directory
// is resolved against the mirror state first, then the destination
// itself; absence is an already-consistent state, not an error.
func (e *Engine) applyRemoved(op event.PendingOperation) error {
	if op.OldPath != "" && op.OldPath != op.Path {
		// Renamed then removed within one window: the old destination
		// path has to go as well.
		if err := e.removePath(op.OldPath, op.Dir); err != nil {
			return err
		}
	}
	return e.removePath(op.Path, op.Dir)
}

func (e *Engine) removePath(rel string, dirHint bool) error {
	isDir := dirHint
	if entry, ok, err := e.state.Get(rel); err == nil && ok {
		isDir = entry.Kind == mirror.KindDir
	} else if meta, ok, statErr := e.dest.Stat(rel); statErr == nil && ok {
		isDir = meta.Dir
	}

	if isDir {
		if err := e.dest.RemoveAll(rel); err != nil {
			return err
		}
		return e.state.DeletePrefix(rel)
	}
	if err := e.dest.Remove(rel); err != nil {
		return err
	}
	return e.state.Delete(rel)
}

// applyRenamed renames the destination entry when the old path exists,
// degrading to a fresh copy when it does not. After a successful rename
// the new path is verified against the source, but not rewritten: the
// rename moved content and mtime intact, so an unmodified file compares
// equal and no copy happens. Only a write merged into the rename window
// shows up as a difference and triggers a copy.
func (e *Engine) applyRenamed(ctx context.Context, op event.PendingOperation) error {
	_, oldExists, err := e.dest.Stat(op.OldPath)
	if err != nil {
		return err
	}
	if !oldExists {
		// Degraded: the old path never reached the destination.
		return e.applyUpsert(ctx, event.PendingOperation{
			Kind: event.Created, Dir: op.Dir, Path: op.Path,
		})
	}

	if err := e.dest.Rename(op.OldPath, op.Path); err != nil {
		return err
	}
	if err := e.state.RenamePrefix(op.OldPath, op.Path); err != nil {
		return err
	}
	return e.verifyRenamed(ctx, op.Path)
}

// verifyRenamed brings a just-renamed destination path up to date with
// the source, copying only on an actual content difference.
func (e *Engine) verifyRenamed(ctx context.Context, rel string) error {
	info, err := os.Stat(e.srcAbs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Debug("engine: source vanished after rename", slog.String("path", rel))
			return nil
		}
		return err
	}

	if info.IsDir() {
		// The subtree moved wholesale; a scoped pass verifies children
		// without rewriting the unchanged ones.
		_, err := e.reconcile(ctx, rel)
		return err
	}

	meta, ok, err := e.dest.Stat(rel)
	if err != nil {
		return err
	}
	if ok {
		same, cmpErr := e.sameContent(info, e.srcAbs(rel), meta)
		if cmpErr != nil {
			e.logger.Warn("engine: comparison failed after rename, copying",
				slog.String("path", rel), slog.String("error", cmpErr.Error()))
		}
		if same {
			return e.refreshEntry(rel)
		}
	}
	if err := e.dest.CopyFile(e.srcAbs(rel), rel, info.ModTime()); err != nil {
		return err
	}
	return e.refreshEntry(rel)
}

// refreshEntry re-stats the destination and records the real metadata,
// keeping the mirror state a cache rather than a second source of truth.
func (e *Engine) refreshEntry(rel string) error {
	meta, ok, err := e.dest.Stat(rel)
	if err != nil {
		return err
	}
	if !ok {
		return e.state.Delete(rel)
	}
	kind := mirror.KindFile
	if meta.Dir {
		kind = mirror.KindDir
	}
	return e.state.Upsert(mirror.Entry{
		Path: rel, Kind: kind, Size: meta.Size, ModTime: meta.ModTime,
	})
}

func (e *Engine) srcAbs(rel string) string {
	return filepath.Join(e.srcRoot, filepath.FromSlash(rel))
}

// sameContent reports whether the destination entry already matches the
// source file under the configured comparison strategy.
func (e *Engine) sameContent(srcInfo os.FileInfo, srcAbs string, dst destfs.Meta) (bool, error) {
	if dst.Dir {
		return false, nil
	}
	if srcInfo.Size() != dst.Size {
		return false, nil
	}
	if e.opts.Compare == CompareChecksum {
		srcSum, err := checksum.File(srcAbs)
		if err != nil {
			return false, fmt.Errorf("checksum source: %w", err)
		}
		dstSum, err := e.dest.Checksum(dst.Path)
		if err != nil {
			return false, fmt.Errorf("checksum destination: %w", err)
		}
		return srcSum == dstSum, nil
	}
	return e.truncMod(srcInfo.ModTime()).Equal(e.truncMod(dst.ModTime)), nil
}

// truncMod truncates a time to the configured comparison window.
func (e *Engine) truncMod(t time.Time) time.Time {
	if e.opts.ModTimeWindow > 0 {
		return t.Truncate(e.opts.ModTimeWindow)
	}
	return t
}
