// Package apperr defines the error taxonomy shared across the engine.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrPathEscape is returned when a mapped destination path would
	// resolve outside the destination root.
	ErrPathEscape = errors.New("path escapes destination root")
	// ErrNotDirectory is returned when a configured root exists but is
	// not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// StartupError wraps a fatal pre-watch failure (missing source,
// uncreatable destination). It terminates the process with a non-zero
// exit code before any watching begins.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return fmt.Sprintf("startup: %v", e.Err) }
func (e *StartupError) Unwrap() error { return e.Err }

// WatchError is returned when the notification subscription has failed
// and the retry ceiling has been exhausted.
type WatchError struct {
	Attempts int
	Err      error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch: giving up after %d attempts: %v", e.Attempts, e.Err)
}
func (e *WatchError) Unwrap() error { return e.Err }

// SyncOperationError records a failed destination mutation for a single
// relative path. It is logged and the path is marked dirty; it never
// aborts the watch loop.
type SyncOperationError struct {
	Path string
	Op   string
	Err  error
}

func (e *SyncOperationError) Error() string {
	return fmt.Sprintf("sync %s %s: %v", e.Op, e.Path, e.Err)
}
func (e *SyncOperationError) Unwrap() error { return e.Err }
