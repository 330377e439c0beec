// Package event converts raw, platform-flavored filesystem notifications
// into a canonical vocabulary and coalesces bursts into settled operations.
package event

import "time"

// RawOp identifies a best-effort notification kind as reported by the
// watcher. Raw events may be duplicated or reordered within a batch.
type RawOp uint8

const (
	RawCreate RawOp = iota
	RawWrite
	RawRemove
	// RawRenameFrom fires on the old path of a rename. The new path
	// arrives as a separate RawCreate or RawRenameTo in the same batch
	// when the platform correlates renames.
	RawRenameFrom
	RawRenameTo
)

func (op RawOp) String() string {
	switch op {
	case RawCreate:
		return "create"
	case RawWrite:
		return "write"
	case RawRemove:
		return "remove"
	case RawRenameFrom:
		return "rename-from"
	case RawRenameTo:
		return "rename-to"
	}
	return "unknown"
}

// RawEvent is one notification from the watcher, already translated to a
// source-relative path.
type RawEvent struct {
	Op   RawOp
	Path string
	Dir  bool
	Time time.Time
}

// Kind is the canonical, platform-independent event kind.
type Kind uint8

const (
	Created Kind = iota
	Modified
	Removed
	Renamed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	}
	return "unknown"
}

// CanonicalEvent is a normalized description of a single filesystem
// change. OldPath is set only for Renamed.
type CanonicalEvent struct {
	Kind       Kind
	Dir        bool
	Path       string
	OldPath    string
	ObservedAt time.Time
}

// PendingOperation is the debounced, deduplicated result for one relative
// path: the single effective kind to apply. Ownership transfers to the
// sync engine when the debounce window settles.
type PendingOperation struct {
	Kind    Kind
	Dir     bool
	Path    string
	OldPath string
}
