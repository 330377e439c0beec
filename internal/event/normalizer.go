package event

// Normalize converts one batch of raw watcher events into canonical
// events. It is a pure function: no state survives between batches.
//
// Rules applied, in order:
//   - a rename-from is paired with the next create/rename-to for a
//     different path in the same batch, yielding one Renamed event; an
//     unpaired rename-from degrades to Removed(old), an unpaired
//     rename-to to Created(new)
//   - duplicate events for the same path collapse to the later kind,
//     except Removed after Created collapses to nothing (the file never
//     observably existed)
//   - Removed immediately followed by Created (save-as-replace editors)
//     collapses to Modified, avoiding a destination delete/recreate
func Normalize(batch []RawEvent) []CanonicalEvent {
	if len(batch) == 0 {
		return nil
	}

	// Pass 1: pair renames, translate the rest one-to-one.
	canon := make([]CanonicalEvent, 0, len(batch))
	var from *RawEvent

	flushFrom := func() {
		if from != nil {
			canon = append(canon, CanonicalEvent{
				Kind: Removed, Dir: from.Dir, Path: from.Path, ObservedAt: from.Time,
			})
			from = nil
		}
	}

	for i := range batch {
		re := batch[i]
		switch re.Op {
		case RawRenameFrom:
			flushFrom()
			from = &batch[i]
		case RawRenameTo, RawCreate:
			if from != nil && re.Path != from.Path {
				canon = append(canon, CanonicalEvent{
					Kind: Renamed, Dir: re.Dir, Path: re.Path,
					OldPath: from.Path, ObservedAt: re.Time,
				})
				from = nil
				continue
			}
			// A create on the pending rename-from path itself: the removal
			// happened first, so flush it before the create and let the
			// per-path pass collapse the pair to Modified.
			flushFrom()
			canon = append(canon, CanonicalEvent{
				Kind: Created, Dir: re.Dir, Path: re.Path, ObservedAt: re.Time,
			})
		case RawWrite:
			canon = append(canon, CanonicalEvent{
				Kind: Modified, Dir: re.Dir, Path: re.Path, ObservedAt: re.Time,
			})
		case RawRemove:
			canon = append(canon, CanonicalEvent{
				Kind: Removed, Dir: re.Dir, Path: re.Path, ObservedAt: re.Time,
			})
		}
	}
	flushFrom()

	// Pass 2: collapse per-path duplicates, preserving first-seen order.
	out := make([]CanonicalEvent, 0, len(canon))
	dropped := make([]bool, 0, len(canon))
	idx := make(map[string]int, len(canon))

	void := func(path string) {
		if j, ok := idx[path]; ok {
			dropped[j] = true
			delete(idx, path)
		}
	}

	for _, ev := range canon {
		if ev.Kind == Renamed {
			// The rename supersedes anything pending for the old path.
			void(ev.OldPath)
		}
		j, ok := idx[ev.Path]
		if !ok {
			idx[ev.Path] = len(out)
			out = append(out, ev)
			dropped = append(dropped, false)
			continue
		}
		merged, drop := Merge(out[j], ev)
		if drop {
			dropped[j] = true
			delete(idx, ev.Path)
			continue
		}
		out[j] = merged
	}

	final := out[:0]
	for i, ev := range out {
		if !dropped[i] {
			final = append(final, ev)
		}
	}
	return final
}

// Merge folds a later event into an earlier pending one for the same
// path. The second return is true when the pair cancels out entirely.
// The debouncer applies the same policy, so a Removed+Created pair that
// straddles two batches still collapses to Modified.
func Merge(prev, next CanonicalEvent) (CanonicalEvent, bool) {
	if next.Kind == Renamed {
		// Renamed always wins.
		return next, false
	}

	switch prev.Kind {
	case Renamed:
		switch next.Kind {
		case Modified:
			// The rename action re-verifies content against the source
			// after moving, so a trailing write is already covered.
			return prev, false
		case Removed:
			// Renamed then deleted: the old destination path must go too.
			next.OldPath = prev.OldPath
			return next, false
		default:
			return next, false
		}
	case Created:
		if next.Kind == Removed {
			// Created then removed: the path never observably existed.
			return CanonicalEvent{}, true
		}
		// Created absorbs trailing writes.
		prev.ObservedAt = next.ObservedAt
		return prev, false
	case Removed:
		if next.Kind == Created || next.Kind == Modified {
			// Save-as-replace: treat the recreate as an update.
			next.Kind = Modified
			return next, false
		}
		return prev, false
	default: // Modified
		if next.Kind == Created {
			next.Kind = Modified
		}
		return next, false
	}
}
