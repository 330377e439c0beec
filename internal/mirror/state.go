// Package mirror tracks the engine's belief about destination content.
//
// The state is a cache of real destination metadata, not a second source
// of truth: it is rebuilt by reconciliation on every process start and
// refreshed from the filesystem whenever divergence is detected. It is
// backed by an in-memory SQLite database and never touches disk.
package mirror

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry kinds.
const (
	KindFile = "file"
	KindDir  = "dir"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entries (
	path  TEXT PRIMARY KEY,
	kind  TEXT NOT NULL,
	size  INTEGER NOT NULL DEFAULT 0,
	mtime INTEGER NOT NULL DEFAULT 0,
	dirty INTEGER NOT NULL DEFAULT 0
);
`

// Entry describes one destination path as last applied by the engine.
type Entry struct {
	Path    string
	Kind    string
	Size    int64
	ModTime time.Time
	Dirty   bool
}

// State is the mapping of all entries, owned exclusively by the sync
// engine.
type State struct {
	conn *sql.DB
}

// Open creates a fresh in-memory state.
func Open() (*State, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("mirror: open: %w", err)
	}
	// A single connection keeps the private in-memory database alive and
	// visible to every caller.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mirror: apply schema: %w", err)
	}
	return &State{conn: conn}, nil
}

// Close releases the underlying database.
func (s *State) Close() error { return s.conn.Close() }

// Upsert records the entry, clearing any dirty mark.
func (s *State) Upsert(e Entry) error {
	_, err := s.conn.Exec(`
		INSERT INTO entries (path, kind, size, mtime, dirty)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(path) DO UPDATE SET
			kind  = excluded.kind,
			size  = excluded.size,
			mtime = excluded.mtime,
			dirty = 0
	`, e.Path, e.Kind, e.Size, e.ModTime.UnixNano())
	if err != nil {
		return fmt.Errorf("mirror: upsert %s: %w", e.Path, err)
	}
	return nil
}

// Get returns the entry for path, reporting whether one exists.
func (s *State) Get(path string) (Entry, bool, error) {
	var (
		e     Entry
		mtime int64
		dirty int
	)
	err := s.conn.QueryRow(
		`SELECT path, kind, size, mtime, dirty FROM entries WHERE path = ?`, path,
	).Scan(&e.Path, &e.Kind, &e.Size, &mtime, &dirty)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("mirror: get %s: %w", path, err)
	}
	e.ModTime = time.Unix(0, mtime)
	e.Dirty = dirty != 0
	return e, true, nil
}

// Delete removes the entry for path. Missing entries are not an error.
func (s *State) Delete(path string) error {
	if _, err := s.conn.Exec(`DELETE FROM entries WHERE path = ?`, path); err != nil {
		return fmt.Errorf("mirror: delete %s: %w", path, err)
	}
	return nil
}

// DeletePrefix removes the entry for path and every entry under it.
// A Removed event for a directory implies removal of all descendants.
func (s *State) DeletePrefix(path string) error {
	_, err := s.conn.Exec(`
		DELETE FROM entries
		WHERE path = ? OR substr(path, 1, length(?) + 1) = ? || '/'
	`, path, path, path)
	if err != nil {
		return fmt.Errorf("mirror: delete prefix %s: %w", path, err)
	}
	return nil
}

// RenamePrefix moves the entry for oldPath, and every entry under it, to
// newPath.
func (s *State) RenamePrefix(oldPath, newPath string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("mirror: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	// Descendants first, then the entry itself.
	_, err = tx.Exec(`
		UPDATE entries
		SET path = ? || substr(path, length(?) + 1)
		WHERE substr(path, 1, length(?) + 1) = ? || '/'
	`, newPath, oldPath, oldPath, oldPath)
	if err != nil {
		return fmt.Errorf("mirror: rename descendants of %s: %w", oldPath, err)
	}
	if _, err := tx.Exec(`UPDATE entries SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		return fmt.Errorf("mirror: rename %s: %w", oldPath, err)
	}
	return tx.Commit()
}

// MarkDirty flags a path for retry after a failed operation. The entry is
// created if it does not exist yet.
func (s *State) MarkDirty(path string) error {
	_, err := s.conn.Exec(`
		INSERT INTO entries (path, kind, dirty) VALUES (?, ?, 1)
		ON CONFLICT(path) DO UPDATE SET dirty = 1
	`, path, KindFile)
	if err != nil {
		return fmt.Errorf("mirror: mark dirty %s: %w", path, err)
	}
	return nil
}

// DirtyPaths returns every path flagged for retry.
func (s *State) DirtyPaths() ([]string, error) {
	rows, err := s.conn.Query(`SELECT path FROM entries WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("mirror: dirty paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Paths returns every known path.
func (s *State) Paths() (map[string]struct{}, error) {
	rows, err := s.conn.Query(`SELECT path FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("mirror: all paths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// Count returns the number of tracked entries and how many are dirty.
func (s *State) Count() (total, dirty int, err error) {
	err = s.conn.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(dirty), 0) FROM entries`,
	).Scan(&total, &dirty)
	if err != nil {
		return 0, 0, fmt.Errorf("mirror: count: %w", err)
	}
	return total, dirty, nil
}
