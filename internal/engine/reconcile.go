package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sorenh/fsmirror/internal/apperr"
	"github.com/sorenh/fsmirror/internal/destfs"
	"github.com/sorenh/fsmirror/internal/mirror"
)

// Stats summarizes one reconciliation pass.
type Stats struct {
	FilesCopied int64
	DirsCreated int64
	Deleted     int64
	Unchanged   int64
	Failed      int64
}

// Writes returns the number of destination mutations the pass performed.
// A second pass over an unchanged source reports zero.
func (s Stats) Writes() int64 { return s.FilesCopied + s.DirsCreated + s.Deleted }

// Reconcile walks the source and destination trees and brings the
// destination up to date: source-only entries are copied, entries present
// in both are compared and copied when differing, and (in strict mode)
// destination-only entries are deleted. The mirror state is rebuilt as a
// side effect. File copies fan out over a bounded worker pool; no two
// workers ever handle the same relative path because the walk emits each
// path exactly once. Directories are created in the walk goroutine, so a
// parent exists before any of its children are copied.
func (e *Engine) Reconcile(ctx context.Context) (Stats, error) {
	stats, err := e.reconcile(ctx, "")
	if err != nil {
		return stats, err
	}
	e.mu.Lock()
	e.lastReconcile = stats
	e.reconciledAt = time.Now()
	e.mu.Unlock()
	return stats, nil
}

// reconcile runs one pass scoped to the given source-relative directory
// ("" for the whole tree). Individual path failures are logged and
// marked dirty; only walk-level failures abort the pass.
func (e *Engine) reconcile(ctx context.Context, scope string) (Stats, error) {
	started := time.Now()
	e.logger.Info("engine: reconciliation started", slog.String("scope", scopeLabel(scope)))

	destMetas, err := e.dest.List(scope)
	if err != nil {
		return Stats{}, fmt.Errorf("list destination: %w", err)
	}
	dst := make(map[string]destfs.Meta, len(destMetas))
	for _, m := range destMetas {
		dst[m.Path] = m
	}

	var copied, dirs, deleted, unchanged, failed atomic.Int64

	// Only the walk goroutine touches seen; workers just do I/O.
	seen := make(map[string]struct{}, len(dst))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	fail := func(rel string, err error) {
		failed.Add(1)
		e.logger.Warn("engine: reconcile failed for path, marked dirty",
			slog.String("path", rel), slog.String("error", err.Error()))
		if markErr := e.state.MarkDirty(rel); markErr != nil {
			e.logger.Error("engine: mark dirty failed", slog.String("error", markErr.Error()))
		}
	}

	srcBase := filepath.Join(e.srcRoot, filepath.FromSlash(scope))
	walkErr := filepath.WalkDir(srcBase, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// A subtree vanishing mid-walk is handled by the deletion
			// phase; anything else is skipped and retried later.
			if os.IsNotExist(err) {
				return nil
			}
			e.logger.Warn("engine: error accessing path, skipping",
				slog.String("path", p), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if p == srcBase {
			return nil
		}

		rel, relErr := filepath.Rel(e.srcRoot, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = struct{}{}

		info, infoErr := d.Info()
		if infoErr != nil {
			fail(rel, infoErr)
			return nil
		}

		if d.IsDir() {
			existing, exists := dst[rel]
			if mkErr := e.dest.Mkdir(rel); mkErr != nil {
				fail(rel, mkErr)
				return filepath.SkipDir
			}
			if exists && existing.Dir {
				unchanged.Add(1)
			} else {
				dirs.Add(1)
			}
			if refErr := e.refreshEntry(rel); refErr != nil {
				e.logger.Warn("engine: state refresh failed",
					slog.String("path", rel), slog.String("error", refErr.Error()))
			}
			return nil
		}

		if !info.Mode().IsRegular() {
			// Pass-through: a symlink is mirrored as the content it
			// points at; other special files are skipped.
			resolved, statErr := os.Stat(p)
			if statErr != nil || !resolved.Mode().IsRegular() {
				delete(seen, rel)
				e.logger.Debug("engine: skipping special file",
					slog.String("path", rel), slog.String("mode", info.Mode().String()))
				return nil
			}
			info = resolved
		}

		srcAbs, srcInfo := p, info
		dstMeta, exists := dst[rel]
		g.Go(func() error {
			if exists {
				same, cmpErr := e.sameContent(srcInfo, srcAbs, dstMeta)
				if cmpErr != nil {
					e.logger.Warn("engine: comparison failed, copying",
						slog.String("path", rel), slog.String("error", cmpErr.Error()))
				}
				if same {
					unchanged.Add(1)
					if refErr := e.state.Upsert(mirror.Entry{
						Path: rel, Kind: mirror.KindFile,
						Size: dstMeta.Size, ModTime: dstMeta.ModTime,
					}); refErr != nil {
						e.logger.Warn("engine: state upsert failed",
							slog.String("path", rel), slog.String("error", refErr.Error()))
					}
					return nil
				}
			}
			if copyErr := e.dest.CopyFile(srcAbs, rel, srcInfo.ModTime()); copyErr != nil {
				// A source vanishing mid-pass is resolved by the next pass.
				if !errors.Is(copyErr, fs.ErrNotExist) {
					fail(rel, copyErr)
				}
				return nil
			}
			copied.Add(1)
			if refErr := e.refreshEntry(rel); refErr != nil {
				e.logger.Warn("engine: state refresh failed",
					slog.String("path", rel), slog.String("error", refErr.Error()))
			}
			return nil
		})
		return nil
	})

	if gErr := g.Wait(); gErr != nil {
		return Stats{}, gErr
	}
	if walkErr != nil {
		return Stats{}, fmt.Errorf("walk source: %w", walkErr)
	}
	if ctx.Err() != nil {
		return Stats{}, ctx.Err()
	}

	// Deletion phase: destination entries the source does not have.
	switch e.opts.Mode {
	case ModeStrict:
		n, delErr := e.pruneDestination(destMetas, seen)
		deleted.Add(n)
		if delErr != nil {
			return Stats{}, delErr
		}
	default:
		// Additive mirror: the destination is never pruned, but the
		// state still reflects what is really there.
		for _, m := range destMetas {
			if _, ok := seen[m.Path]; ok {
				continue
			}
			kind := mirror.KindFile
			if m.Dir {
				kind = mirror.KindDir
			}
			if upErr := e.state.Upsert(mirror.Entry{
				Path: m.Path, Kind: kind, Size: m.Size, ModTime: m.ModTime,
			}); upErr != nil {
				e.logger.Warn("engine: state upsert failed",
					slog.String("path", m.Path), slog.String("error", upErr.Error()))
			}
		}
	}

	// Drop state rows for paths that exist on neither side, such as
	// dirty marks left by a failed operation whose path has since
	// vanished entirely.
	known, knownErr := e.state.Paths()
	if knownErr != nil {
		return Stats{}, knownErr
	}
	for p := range known {
		if scope != "" && p != scope && !strings.HasPrefix(p, scope+"/") {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		if _, ok := dst[p]; ok {
			continue
		}
		if delErr := e.state.Delete(p); delErr != nil {
			return Stats{}, delErr
		}
	}

	stats := Stats{
		FilesCopied: copied.Load(),
		DirsCreated: dirs.Load(),
		Deleted:     deleted.Load(),
		Unchanged:   unchanged.Load(),
		Failed:      failed.Load(),
	}
	e.logger.Info("engine: reconciliation finished",
		slog.String("scope", scopeLabel(scope)),
		slog.Int64("copied", stats.FilesCopied),
		slog.Int64("dirs_created", stats.DirsCreated),
		slog.Int64("deleted", stats.Deleted),
		slog.Int64("unchanged", stats.Unchanged),
		slog.Int64("failed", stats.Failed),
		slog.Duration("elapsed", time.Since(started)))
	return stats, nil
}

// pruneDestination deletes destination entries absent from the source
// and returns the number of destination mutations performed: one per
// removed file, one per removed subtree. Entries are visited in path
// order; descendants of an already-removed directory are skipped, not
// recounted.
func (e *Engine) pruneDestination(destMetas []destfs.Meta, seen map[string]struct{}) (int64, error) {
	paths := make([]string, 0, len(destMetas))
	byPath := make(map[string]destfs.Meta, len(destMetas))
	for _, m := range destMetas {
		paths = append(paths, m.Path)
		byPath[m.Path] = m
	}
	sort.Strings(paths)

	var deleted int64
	var prunedDirs []string
	pruned := func(p string) bool {
		for _, dir := range prunedDirs {
			if strings.HasPrefix(p, dir+"/") {
				return true
			}
		}
		return false
	}
	for _, p := range paths {
		if pruned(p) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		m := byPath[p]
		if m.Dir {
			if err := e.dest.RemoveAll(p); err != nil {
				if pathRejected(err) {
					e.logger.Error("engine: prune rejected", slog.String("path", p),
						slog.String("error", err.Error()))
					continue
				}
				return deleted, err
			}
			if err := e.state.DeletePrefix(p); err != nil {
				return deleted, err
			}
			prunedDirs = append(prunedDirs, p)
		} else {
			if err := e.dest.Remove(p); err != nil {
				if pathRejected(err) {
					e.logger.Error("engine: prune rejected", slog.String("path", p),
						slog.String("error", err.Error()))
					continue
				}
				return deleted, err
			}
			if err := e.state.Delete(p); err != nil {
				return deleted, err
			}
		}
		deleted++
		e.logger.Debug("engine: pruned", slog.String("path", p))
	}
	return deleted, nil
}

func pathRejected(err error) bool {
	return errors.Is(err, apperr.ErrPathEscape)
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "/"
	}
	return scope
}
