package engine

import (
	"errors"
	"fmt"

	"github.com/quarrydb/quarry/index"
	"github.com/quarrydb/quarry/model"
	"github.com/quarrydb/quarry/searcher"
	"github.com/quarrydb/quarry/store"
)

// ShadowEngine is the read-only engine variant. It owns no writer and no
// translog: segment files are produced elsewhere and copied into its store
// by an external process, and become visible when Refresh re-reads the
// committed manifest. Every mutation fails with ErrUnsupported.
type ShadowEngine struct {
	engineBase
}

var _ Engine = (*ShadowEngine)(nil)

// storeSource opens readers over the store's last committed manifest.
type storeSource struct {
	st *store.Store
}

func (s storeSource) Generation() (uint64, error) {
	m, err := s.st.ReadLastCommittedManifest()
	if err != nil {
		return 0, err
	}
	return m.Generation, nil
}

func (s storeSource) OpenReader() (*index.Reader, error) {
	m, err := s.st.ReadLastCommittedManifest()
	if err != nil {
		return nil, err
	}
	return index.OpenReader(s.st.Directory(), m, m.Generation)
}

// NewShadowEngine opens a read-only engine on st. An empty store (no
// committed manifest yet) is valid: the engine starts with an empty
// snapshot and catches up through Refresh.
func NewShadowEngine(st *store.Store, opts ...Option) (*ShadowEngine, error) {
	o := applyOptions(opts)

	if err := st.Acquire(); err != nil {
		return nil, fmt.Errorf("engine %s: %w", st.ShardID(), err)
	}

	view, err := searcher.NewView(storeSource{st: st})
	if err != nil {
		st.Release()
		return nil, fmt.Errorf("engine %s: failed to open searcher view: %w", st.ShardID(), err)
	}

	return &ShadowEngine{
		engineBase: engineBase{
			shardID: st.ShardID(),
			store:   st,
			view:    view,
			logger:  o.Logger,
		},
	}, nil
}

func (e *ShadowEngine) unsupported(op string) error {
	return fmt.Errorf("engine %s: %s: %w (read-only)", e.shardID, op, ErrUnsupported)
}

func (e *ShadowEngine) Create(model.Document) error { return e.unsupported("create") }
func (e *ShadowEngine) Index(model.Document) error  { return e.unsupported("index") }
func (e *ShadowEngine) Delete(model.DocID) error    { return e.unsupported("delete") }

func (e *ShadowEngine) DeleteByQuery(string, string) (int, error) {
	return 0, e.unsupported("delete_by_query")
}

func (e *ShadowEngine) SnapshotIndex(bool) (*index.PinnedCommit, error) {
	return nil, e.unsupported("snapshot")
}

func (e *ShadowEngine) Recover(RecoveryHandler) error {
	return e.unsupported("recover")
}

// Get resolves id against the current searcher snapshot.
func (e *ShadowEngine) Get(id model.DocID) (GetResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return GetResult{}, err
	}

	snap, err := e.acquireSnapshot()
	if err != nil {
		return GetResult{}, err
	}
	defer snap.Release()

	doc, found, err := snap.Reader().Get(id)
	if err != nil {
		return GetResult{}, fmt.Errorf("engine %s: get %q: %w", e.shardID, id, err)
	}
	return GetResult{Found: found, Document: doc}, nil
}

// Refresh re-reads the store's committed manifest and, if it advanced,
// swaps the searcher snapshot. A store reporting already-closed is a
// benign race with a concurrent close: the closed flag is re-checked
// instead of propagating the error.
func (e *ShadowEngine) Refresh(reason string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.refreshLocked(reason)
}

func (e *ShadowEngine) refreshLocked(reason string) error {
	_, err := e.view.Refresh()
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrAlreadyClosed) || errors.Is(err, searcher.ErrViewClosed) {
		if e.closed.Load() {
			return e.closedErr()
		}
		return nil
	}
	if errors.Is(err, index.ErrCorrupted) {
		if e.markFailed("refresh: "+reason, err) {
			go e.Close(reason)
		}
	}
	return fmt.Errorf("engine %s: %w (%s): %w", e.shardID, ErrRefreshFailed, reason, err)
}

// Flush on a read-only engine never writes and never fsyncs: it observes
// whatever the primary has already made durable by re-reading the
// committed manifest, which is exactly a refresh.
func (e *ShadowEngine) Flush(force, waitIfOngoing bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if err := e.refreshLocked("flush"); err != nil {
		return fmt.Errorf("%w: %w", ErrFlushFailed, err)
	}
	return nil
}

// ForceMerge is a no-op: there is no writer to merge with.
func (e *ShadowEngine) ForceMerge() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ensureOpen()
}

// Segments reports the searchable segments. Every segment is flagged
// committed: the shadow engine only ever observes already-committed state.
func (e *ShadowEngine) Segments() ([]model.SegmentDescriptor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	snap, err := e.acquireSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	segs := snap.Reader().Segments()
	for i := range segs {
		segs[i].Committed = true
	}
	return segs, nil
}

// AcquireSnapshot hands out the current searcher snapshot.
func (e *ShadowEngine) AcquireSnapshot() (*searcher.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.acquireSnapshot()
}

// Close releases the searcher view and the store reference.
func (e *ShadowEngine) Close(reason string) error {
	return e.closeOnce(reason, nil)
}
