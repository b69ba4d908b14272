// Package searcher maintains the reusable, thread-shared searcher snapshot
// of an engine.
//
// A [View] holds the currently visible [Snapshot] behind an atomic pointer.
// Snapshots are reference counted: a refresh swaps in a new snapshot
// without invalidating ones already handed out, and an old snapshot's
// reader is closed only when its last holder releases it.
package searcher

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quarrydb/quarry/index"
)

// ErrViewClosed is returned by Acquire and Refresh after Close.
var ErrViewClosed = errors.New("searcher view is closed")

// Source produces readers for a view. The engine variants provide their
// own: the read-write engine reads from its writer's visible state, the
// read-only engine from the store's committed manifest.
type Source interface {
	// Generation returns the generation a newly opened reader would have.
	// Used to decide whether a refresh is needed at all.
	Generation() (uint64, error)
	// OpenReader opens a reader over the current state.
	OpenReader() (*index.Reader, error)
}

// Snapshot is a reference-counted handle on one immutable reader.
type Snapshot struct {
	reader *index.Reader
	refs   atomic.Int64
}

func newSnapshot(r *index.Reader) *Snapshot {
	s := &Snapshot{reader: r}
	s.refs.Store(1) // view's own reference
	return s
}

// Reader exposes the underlying point-in-time reader.
func (s *Snapshot) Reader() *index.Reader { return s.reader }

// Generation returns the snapshot's generation tag.
func (s *Snapshot) Generation() uint64 { return s.reader.Generation() }

// tryIncRef increments the reference count unless it already reached zero.
func (s *Snapshot) tryIncRef() bool {
	for {
		r := s.refs.Load()
		if r <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Release drops one reference. The reader is closed when the count reaches
// zero.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 {
		_ = s.reader.Close()
	}
}

// View hands out consistent snapshots and refreshes them on demand.
type View struct {
	mu      sync.Mutex // serializes refresh and close
	source  Source
	current atomic.Pointer[Snapshot]
}

// NewView opens the initial snapshot from source.
func NewView(source Source) (*View, error) {
	r, err := source.OpenReader()
	if err != nil {
		return nil, err
	}
	v := &View{source: source}
	v.current.Store(newSnapshot(r))
	return v, nil
}

// Acquire returns the current snapshot with its reference count bumped.
// The caller must Release it.
func (v *View) Acquire() (*Snapshot, error) {
	for {
		cur := v.current.Load()
		if cur == nil {
			return nil, ErrViewClosed
		}
		// A concurrent refresh may release the snapshot between the
		// load and the increment; retry on the new current.
		if cur.tryIncRef() {
			return cur, nil
		}
	}
}

// Refresh swaps in a new snapshot if the source has advanced. Previously
// acquired snapshots stay valid until released. Reports whether the
// visible snapshot changed.
func (v *View) Refresh() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := v.current.Load()
	if cur == nil {
		return false, ErrViewClosed
	}

	gen, err := v.source.Generation()
	if err != nil {
		return false, err
	}
	if gen == cur.Generation() {
		return false, nil
	}

	r, err := v.source.OpenReader()
	if err != nil {
		return false, err
	}
	v.current.Store(newSnapshot(r))
	cur.Release()
	return true, nil
}

// Generation returns the generation of the currently visible snapshot.
func (v *View) Generation() (uint64, error) {
	snap, err := v.Acquire()
	if err != nil {
		return 0, err
	}
	defer snap.Release()
	return snap.Generation(), nil
}

// Close releases the view's own reference. In-flight snapshot holders keep
// their snapshots alive until they release them. Idempotent.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur := v.current.Swap(nil)
	if cur == nil {
		return nil
	}
	cur.Release()
	return nil
}
