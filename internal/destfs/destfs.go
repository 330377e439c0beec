// Package destfs provides the destination-side filesystem primitives.
// It is the only package that mutates destination state, and every path
// it touches goes through the path mapper.
package destfs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sorenh/fsmirror/internal/checksum"
	"github.com/sorenh/fsmirror/internal/pathmap"
)

// Meta is the destination metadata for one relative path.
type Meta struct {
	Path    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// Provider is the interface the sync engine mutates the destination
// through.
type Provider interface {
	// Stat returns metadata for the destination path, or ok=false when
	// it does not exist.
	Stat(rel string) (Meta, bool, error)
	// List walks the destination subtree at rel ("" for the whole tree)
	// and returns metadata for every entry, paths relative to the
	// destination root, the subtree root itself excluded. A missing
	// subtree yields an empty list.
	List(rel string) ([]Meta, error)
	// CopyFile copies srcAbs to the destination path atomically (temp
	// file, then rename into place) and preserves the source mtime.
	CopyFile(srcAbs, rel string, mtime time.Time) error
	// Mkdir ensures the destination directory exists.
	Mkdir(rel string) error
	// Remove deletes a destination file. Absence is not an error.
	Remove(rel string) error
	// RemoveAll deletes a destination subtree. Absence is not an error.
	RemoveAll(rel string) error
	// Rename moves oldRel to newRel within the destination.
	Rename(oldRel, newRel string) error
	// Checksum returns the SHA-256 digest of a destination file.
	Checksum(rel string) (string, error)
}

// FS implements Provider against the local filesystem.
type FS struct {
	mapper *pathmap.Mapper
}

// New creates an FS writing through the given mapper.
func New(mapper *pathmap.Mapper) *FS {
	return &FS{mapper: mapper}
}

// Stat implements Provider.
func (f *FS) Stat(rel string) (Meta, bool, error) {
	abs, err := f.mapper.Map(rel)
	if err != nil {
		return Meta{}, false, err
	}
	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("destfs: stat %s: %w", rel, err)
	}
	return Meta{Path: rel, Dir: info.IsDir(), Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

// List implements Provider.
func (f *FS) List(rel string) ([]Meta, error) {
	base, err := f.mapper.Map(rel)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(base); os.IsNotExist(err) {
		return nil, nil
	}

	root := f.mapper.Root()
	var out []Meta
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// A subtree deleted mid-walk is already consistent.
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if p == base {
			return nil
		}
		relPath, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, Meta{
			Path:    filepath.ToSlash(relPath),
			Dir:     d.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("destfs: list %s: %w", rel, err)
	}
	return out, nil
}

// CopyFile implements Provider. The copy never edits the destination in
// place: content lands in a temp file which is atomically renamed, so no
// partial-content window is visible to other readers.
func (f *FS) CopyFile(srcAbs, rel string, mtime time.Time) error {
	abs, err := f.mapper.Map(rel)
	if err != nil {
		return err
	}

	in, err := os.Open(srcAbs)
	if err != nil {
		return fmt.Errorf("destfs: open source %s: %w", srcAbs, err)
	}
	defer in.Close()

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("destfs: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".fsmirror-tmp-*")
	if err != nil {
		return fmt.Errorf("destfs: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("destfs: copy %s: %w", rel, err)
	}
	srcInfo, err := in.Stat()
	if err == nil {
		_ = tmp.Chmod(srcInfo.Mode().Perm())
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("destfs: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("destfs: close temp: %w", err)
	}
	// Timestamps must be set after close; flushing can bump the mtime.
	if err := os.Chtimes(tmpName, mtime, mtime); err != nil {
		return fmt.Errorf("destfs: chtimes: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("destfs: rename into place: %w", err)
	}
	success = true
	return nil
}

// Mkdir implements Provider.
func (f *FS) Mkdir(rel string) error {
	abs, err := f.mapper.Map(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("destfs: mkdir %s: %w", rel, err)
	}
	return nil
}

// Remove implements Provider.
func (f *FS) Remove(rel string) error {
	abs, err := f.mapper.Map(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destfs: remove %s: %w", rel, err)
	}
	return nil
}

// RemoveAll implements Provider.
func (f *FS) RemoveAll(rel string) error {
	abs, err := f.mapper.Map(rel)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("destfs: remove all %s: %w", rel, err)
	}
	return nil
}

// Rename implements Provider.
func (f *FS) Rename(oldRel, newRel string) error {
	absOld, err := f.mapper.Map(oldRel)
	if err != nil {
		return err
	}
	absNew, err := f.mapper.Map(newRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0o755); err != nil {
		return fmt.Errorf("destfs: mkdir for rename: %w", err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("destfs: rename: %w", err)
	}
	return nil
}

// Checksum implements Provider.
func (f *FS) Checksum(rel string) (string, error) {
	abs, err := f.mapper.Map(rel)
	if err != nil {
		return "", err
	}
	sum, err := checksum.File(abs)
	if err != nil {
		return "", fmt.Errorf("destfs: checksum %s: %w", rel, err)
	}
	return sum, nil
}
