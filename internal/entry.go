// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sorenh/fsmirror/internal/apperr"
	"github.com/sorenh/fsmirror/internal/destfs"
	"github.com/sorenh/fsmirror/internal/engine"
	"github.com/sorenh/fsmirror/internal/event"
	"github.com/sorenh/fsmirror/internal/mirror"
	"github.com/sorenh/fsmirror/internal/pathmap"
	"github.com/sorenh/fsmirror/internal/status"
	"github.com/sorenh/fsmirror/internal/watch"
)

// Run starts the mirror with the given options. It blocks until ctx is
// cancelled, a shutdown signal arrives, or a fatal error occurs.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.Level(),
	}))
	slog.SetDefault(logger)

	srcRoot, dstRoot, err := validatePaths(cfg.Source.Path, cfg.Destination.Path)
	if err != nil {
		return &apperr.StartupError{Err: err}
	}

	logger.Info("configuration loaded",
		slog.String("source", srcRoot),
		slog.String("destination", dstRoot),
		slog.String("mode", cfg.Sync.Mode),
		slog.String("compare", cfg.Sync.Compare),
		slog.String("log_level", cfg.App.Level().String()))

	mapper, err := pathmap.New(dstRoot)
	if err != nil {
		return &apperr.StartupError{Err: err}
	}
	dest := destfs.New(mapper)

	state, err := mirror.Open()
	if err != nil {
		return &apperr.StartupError{Err: fmt.Errorf("open mirror state: %w", err)}
	}
	defer state.Close()

	// Status surface is optional; the broker doubles as the apply
	// callback sink so it exists either way and stays cheap when unused.
	broker := status.NewBroker()
	defer broker.Close()

	eng := engine.New(srcRoot, dest, state, engine.Options{
		Mode:           cfg.Sync.Mode,
		Compare:        cfg.Sync.Compare,
		Workers:        cfg.Sync.Workers,
		ModTimeWindow:  cfg.Sync.ModTimeWindow.Std(),
		ResyncInterval: cfg.Sync.ResyncInterval.Std(),
		ShutdownGrace:  cfg.Sync.ShutdownGrace.Std(),
	}, logger, func(kind, path string) {
		broker.PublishOp(kind, path)
	})

	watcher := watch.New(srcRoot, watch.Options{
		BatchInterval: cfg.Sync.BatchInterval.Std(),
		MaxRetries:    cfg.Watch.MaxRetries,
		RetryBackoff:  cfg.Watch.RetryBackoff.Std(),
	}, logger)

	debouncer := event.NewDebouncer(cfg.Sync.DebounceWindow.Std())

	statusSrv := status.NewServer(state, eng, broker)

	g, gCtx := errgroup.WithContext(ctx)

	// The watcher subscribes before the initial reconciliation so changes
	// made during the pass are not lost; its batches buffer in the
	// debouncer and are dispatched only once the pass completes.
	g.Go(func() error {
		return watcher.Run(gCtx)
	})

	g.Go(func() error {
		for batch := range watcher.Batches() {
			for _, ev := range event.Normalize(batch) {
				logger.Log(gCtx, LevelTrace, "event observed",
					slog.String("kind", ev.Kind.String()),
					slog.String("path", ev.Path))
				debouncer.Submit(ev)
			}
		}
		return nil
	})

	g.Go(func() error {
		if _, err := eng.Reconcile(gCtx); err != nil {
			return fmt.Errorf("initial reconciliation: %w", err)
		}
		statusSrv.SetReady()
		return eng.Run(gCtx, debouncer.Settled())
	})

	var httpServer *http.Server
	if cfg.Status.HTTP.Enabled() {
		httpServer = &http.Server{
			Addr:    cfg.Status.HTTP.Address(),
			Handler: statusSrv.Router(),
		}
		g.Go(func() error {
			logger.Info("starting status server", slog.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server error: %w", err)
			}
			return nil
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("context cancelled, initiating shutdown")
		}

		// Intake stops first; settled operations already in flight keep
		// flowing to the engine, which drains them within its grace
		// period once its context is cancelled.
		debouncer.Flush()
		debouncer.Stop()

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", slog.String("error", err.Error()))
			}
		}

		return context.Canceled
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("mirror stopped")
	return nil
}

// validatePaths checks the source and destination at startup: the source
// must be an existing directory, the destination is created when absent,
// and neither may contain the other.
func validatePaths(src, dst string) (string, string, error) {
	if src == "" || dst == "" {
		return "", "", fmt.Errorf("source and destination paths are required")
	}

	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return "", "", fmt.Errorf("resolve source: %w", err)
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return "", "", fmt.Errorf("resolve destination: %w", err)
	}

	info, err := os.Stat(srcAbs)
	if err != nil {
		return "", "", fmt.Errorf("source %s: %w", srcAbs, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("source %s: %w", srcAbs, apperr.ErrNotDirectory)
	}

	if err := os.MkdirAll(dstAbs, 0o755); err != nil {
		return "", "", fmt.Errorf("create destination: %w", err)
	}

	if srcAbs == dstAbs {
		return "", "", fmt.Errorf("source and destination are the same directory")
	}
	sep := string(filepath.Separator)
	if strings.HasPrefix(dstAbs, srcAbs+sep) {
		return "", "", fmt.Errorf("destination %s is inside source %s", dstAbs, srcAbs)
	}
	if strings.HasPrefix(srcAbs, dstAbs+sep) {
		return "", "", fmt.Errorf("source %s is inside destination %s", srcAbs, dstAbs)
	}

	return srcAbs, dstAbs, nil
}
