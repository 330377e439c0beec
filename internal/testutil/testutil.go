// Package testutil provides shared test helpers for setting up source and
// destination trees.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sorenh/fsmirror/internal/destfs"
	"github.com/sorenh/fsmirror/internal/mirror"
	"github.com/sorenh/fsmirror/internal/pathmap"
)

// TestState creates an in-memory mirror state that is automatically closed.
func TestState(t *testing.T) *mirror.State {
	t.Helper()
	state, err := mirror.Open()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

// TestDest creates a temporary destination directory with a destfs.FS.
func TestDest(t *testing.T) (string, *destfs.FS) {
	t.Helper()
	dir := t.TempDir()
	mapper, err := pathmap.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, destfs.New(mapper)
}

// WriteFile creates a file (and its parents) under root with the given
// content.
func WriteFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return abs
}

// ReadFile returns the content of rel under root, failing the test when
// it cannot be read.
func ReadFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// Exists reports whether rel exists under root.
func Exists(t *testing.T, root, rel string) bool {
	t.Helper()
	_, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatal(err)
	return false
}
