package event

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of canonical events per path. A path settles
// once no further event for it arrives within the quiet window; the
// resulting PendingOperation is delivered on the Settled channel and
// ownership transfers to the consumer.
//
// Every path holds at most one pending timer at a time. Merging follows
// the same policy as Normalize (via Merge), re-applied here so pairs that
// straddle batches still collapse.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
	stopped bool

	// inflight tracks dispatches that hold a claim on the settled
	// channel, so Stop can close it without racing a send.
	inflight sync.WaitGroup

	settled chan PendingOperation
}

type pendingEntry struct {
	ev       CanonicalEvent
	timer    *time.Timer
	deadline time.Time
}

// NewDebouncer creates a debouncer with the given quiet window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEntry),
		settled: make(chan PendingOperation, 256),
	}
}

// Settled returns the channel of settled operations. It is closed by Stop.
func (d *Debouncer) Settled() <-chan PendingOperation { return d.settled }

// Submit folds ev into the pending state for its path and (re)starts the
// quiet window. A Renamed event also cancels any window pending for the
// old path.
func (d *Debouncer) Submit(ev CanonicalEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if ev.Kind == Renamed {
		if old, ok := d.pending[ev.OldPath]; ok {
			old.timer.Stop()
			delete(d.pending, ev.OldPath)
		}
	}

	if e, ok := d.pending[ev.Path]; ok {
		merged, drop := Merge(e.ev, ev)
		if drop {
			e.timer.Stop()
			delete(d.pending, ev.Path)
			return
		}
		e.ev = merged
		e.deadline = time.Now().Add(d.window)
		e.timer.Reset(d.window)
		return
	}

	path := ev.Path
	e := &pendingEntry{ev: ev, deadline: time.Now().Add(d.window)}
	e.timer = time.AfterFunc(d.window, func() { d.fire(path) })
	d.pending[path] = e
}

func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	e, ok := d.pending[path]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	// The timer may have been reset after this callback was scheduled;
	// in that case the rescheduled timer will fire later.
	if time.Now().Before(e.deadline) {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	op := toOperation(e.ev)
	d.inflight.Add(1)
	d.mu.Unlock()

	d.settled <- op
	d.inflight.Done()
}

// Flush settles every pending path immediately. Used on shutdown so
// queued work is dispatched rather than silently dropped.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	ops := make([]PendingOperation, 0, len(d.pending))
	for path, e := range d.pending {
		e.timer.Stop()
		ops = append(ops, toOperation(e.ev))
		delete(d.pending, path)
	}
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.inflight.Add(len(ops))
	d.mu.Unlock()

	for _, op := range ops {
		d.settled <- op
		d.inflight.Done()
	}
}

// Stop cancels all pending timers and closes the settled channel.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for path, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, path)
	}
	d.mu.Unlock()

	d.inflight.Wait()
	close(d.settled)
}

// PendingCount reports the number of paths with an open window.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func toOperation(ev CanonicalEvent) PendingOperation {
	return PendingOperation{Kind: ev.Kind, Dir: ev.Dir, Path: ev.Path, OldPath: ev.OldPath}
}
