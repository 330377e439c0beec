// Package pathmap translates source-relative paths into destination
// absolute paths, rejecting anything that would leave the destination root.
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sorenh/fsmirror/internal/apperr"
)

// Mapper maps source-relative paths onto a destination root. It is a
// pure translation: no state, no filesystem access beyond the initial
// root resolution.
type Mapper struct {
	root string // absolute path to the destination directory
}

// New creates a Mapper rooted at dest. The directory must already exist.
func New(dest string) (*Mapper, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("pathmap: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("pathmap: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pathmap: %s: %w", abs, apperr.ErrNotDirectory)
	}
	return &Mapper{root: abs}, nil
}

// Root returns the absolute destination root.
func (m *Mapper) Root() string { return m.root }

// Map resolves rel against the destination root. It fails with
// apperr.ErrPathEscape when the result is not a descendant of the root,
// defending against `..` segments and absolute paths leaking through
// malformed rename targets.
func (m *Mapper) Map(rel string) (string, error) {
	if rel == "" || rel == "." {
		return m.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("pathmap: %s: %w", rel, apperr.ErrPathEscape)
	}
	joined := filepath.Join(m.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("pathmap: resolve %s: %w", rel, err)
	}
	if !strings.HasPrefix(abs, m.root+string(os.PathSeparator)) && abs != m.root {
		return "", fmt.Errorf("pathmap: %s: %w", rel, apperr.ErrPathEscape)
	}
	return abs, nil
}
