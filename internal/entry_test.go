package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sorenh/fsmirror/internal/apperr"
)

func TestValidatePaths_CreatesDestination(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "mirror", "out")

	gotSrc, gotDst, err := validatePaths(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if gotSrc != src {
		t.Errorf("source: got %s", gotSrc)
	}
	info, statErr := os.Stat(gotDst)
	if statErr != nil || !info.IsDir() {
		t.Errorf("destination not created: %v", statErr)
	}
}

func TestValidatePaths_SourceMustExist(t *testing.T) {
	if _, _, err := validatePaths(filepath.Join(t.TempDir(), "ghost"), t.TempDir()); err == nil {
		t.Error("missing source accepted")
	}
}

func TestValidatePaths_SourceMustBeDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := validatePaths(file, t.TempDir()); !errors.Is(err, apperr.ErrNotDirectory) {
		t.Errorf("got %v, want ErrNotDirectory", err)
	}
}

func TestValidatePaths_RejectsNesting(t *testing.T) {
	src := t.TempDir()

	if _, _, err := validatePaths(src, src); err == nil {
		t.Error("identical source and destination accepted")
	}
	if _, _, err := validatePaths(src, filepath.Join(src, "inside")); err == nil {
		t.Error("destination inside source accepted")
	}
	parent := t.TempDir()
	nestedSrc := filepath.Join(parent, "src")
	if err := os.MkdirAll(nestedSrc, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, _, err := validatePaths(nestedSrc, parent); err == nil {
		t.Error("source inside destination accepted")
	}
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

func TestRun_EndToEndMirroring(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	// Pre-existing content is picked up by the initial reconciliation.
	if err := os.WriteFile(filepath.Join(src, "x.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	cfg.App.LogLevel = "error"
	cfg.Source.Path = src
	cfg.Destination.Path = dst
	cfg.Sync.DebounceWindow = Duration(30 * time.Millisecond)
	cfg.Sync.BatchInterval = Duration(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, WithConfig(cfg)) }()

	mirrored := func(rel, content string) func() bool {
		return func() bool {
			data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
			return err == nil && string(data) == content
		}
	}

	eventually(t, 5*time.Second, 20*time.Millisecond,
		mirrored("x.txt", "0123456789"), "initial reconciliation did not copy x.txt")

	// Live create inside a new directory.
	if err := os.MkdirAll(filepath.Join(src, "y"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "y", "z.txt"), []byte("zeta"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond,
		mirrored("y/z.txt", "zeta"), "live create not mirrored")

	// Live removal of the whole directory.
	if err := os.RemoveAll(filepath.Join(src, "y")); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, err := os.Lstat(filepath.Join(dst, "y"))
		return os.IsNotExist(err)
	}, "directory removal not mirrored")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Run did not stop after cancel")
	}
}

func TestRun_RequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Error("Run without config accepted")
	}
}

func TestRun_StartupErrorOnBadSource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Source.Path = filepath.Join(t.TempDir(), "missing")
	cfg.Destination.Path = t.TempDir()

	err := Run(context.Background(), WithConfig(cfg))
	var startupErr *apperr.StartupError
	if !errors.As(err, &startupErr) {
		t.Errorf("got %v, want StartupError", err)
	}
}
