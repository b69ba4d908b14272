package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quarrydb/quarry/index"
	"github.com/quarrydb/quarry/model"
	"github.com/quarrydb/quarry/searcher"
	"github.com/quarrydb/quarry/store"
)

// InternalEngine is the read-write engine variant. It owns the shard's
// index writer, appends every mutation to the translog, and publishes new
// state to the searcher view on refresh.
type InternalEngine struct {
	engineBase

	writer   *index.Writer // swapped only under mu's exclusive side
	translog Translog
	seqNo    atomic.Uint64

	flushMu sync.Mutex
}

var _ Engine = (*InternalEngine)(nil)

// writerSource opens readers over the writer's visible state. The writer
// pointer is read while the engine lock is held.
type writerSource struct {
	e *InternalEngine
}

func (s writerSource) Generation() (uint64, error) {
	return s.e.writer.VisibleGen(), nil
}

func (s writerSource) OpenReader() (*index.Reader, error) {
	m, gen := s.e.writer.VisibleManifest()
	return index.OpenReader(s.e.store.Directory(), m, gen)
}

// NewInternalEngine opens a read-write engine on st. The engine holds one
// store reference until Close. The translog is consulted for recovery and
// appended to on every mutation; callers that need durability across
// crashes wire a persistent implementation.
func NewInternalEngine(st *store.Store, translog Translog, opts ...Option) (*InternalEngine, error) {
	o := applyOptions(opts)

	if err := st.Acquire(); err != nil {
		return nil, fmt.Errorf("engine %s: %w", st.ShardID(), err)
	}

	w, err := index.OpenWriter(st.FS(), st.Directory())
	if err != nil {
		st.Release()
		return nil, fmt.Errorf("engine %s: failed to open writer: %w", st.ShardID(), err)
	}

	e := &InternalEngine{
		engineBase: engineBase{
			shardID: st.ShardID(),
			store:   st,
			logger:  o.Logger,
		},
		writer:   w,
		translog: translog,
	}

	committed := w.CommittedManifest()
	seq := committed.MaxSeqNo
	if last := uint64(translog.LastSeqNo()); last > seq {
		seq = last
	}
	e.seqNo.Store(seq)

	view, err := searcher.NewView(writerSource{e: e})
	if err != nil {
		w.Close()
		st.Release()
		return nil, fmt.Errorf("engine %s: failed to open searcher view: %w", st.ShardID(), err)
	}
	e.view = view
	return e, nil
}

func (e *InternalEngine) nextSeqNo() model.SeqNo {
	return model.SeqNo(e.seqNo.Add(1))
}

// Create indexes doc only if its id is absent. The write buffer takes
// precedence over the snapshot: a buffered tombstone frees the id even
// before the next refresh.
func (e *InternalEngine) Create(doc model.Document) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}

	if _, deleted, ok := e.writer.PendingDoc(doc.ID); ok {
		if !deleted {
			return fmt.Errorf("%w: %q", ErrDocExists, doc.ID)
		}
	} else {
		snap, err := e.acquireSnapshot()
		if err != nil {
			return err
		}
		_, found, err := snap.Reader().Get(doc.ID)
		snap.Release()
		if err != nil {
			return e.mutationFailed("create", err)
		}
		if found {
			return fmt.Errorf("%w: %q", ErrDocExists, doc.ID)
		}
	}
	return e.applyIndex(doc)
}

// Index upserts doc.
func (e *InternalEngine) Index(doc model.Document) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.applyIndex(doc)
}

func (e *InternalEngine) applyIndex(doc model.Document) error {
	doc.Version = e.nextSeqNo()
	if err := e.writer.AddDocument(doc); err != nil {
		return e.mutationFailed("index", err)
	}
	if err := e.translog.Add(Operation{Type: OpIndex, SeqNo: doc.Version, ID: doc.ID, Fields: doc.Fields}); err != nil {
		return e.mutationFailed("translog append", err)
	}
	return nil
}

// Delete tombstones id.
func (e *InternalEngine) Delete(id model.DocID) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.applyDelete(id)
}

func (e *InternalEngine) applyDelete(id model.DocID) error {
	seq := e.nextSeqNo()
	if err := e.writer.DeleteDocument(id, seq); err != nil {
		return e.mutationFailed("delete", err)
	}
	if err := e.translog.Add(Operation{Type: OpDelete, SeqNo: seq, ID: id}); err != nil {
		return e.mutationFailed("translog append", err)
	}
	return nil
}

// DeleteByQuery refreshes, matches field=value against the fresh snapshot
// and tombstones every hit.
func (e *InternalEngine) DeleteByQuery(field, value string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}

	if err := e.refreshLocked("delete_by_query"); err != nil {
		return 0, err
	}
	snap, err := e.acquireSnapshot()
	if err != nil {
		return 0, err
	}
	docs, err := snap.Reader().Match(field, value)
	snap.Release()
	if err != nil {
		return 0, e.mutationFailed("delete_by_query", err)
	}

	for _, doc := range docs {
		if err := e.applyDelete(doc.ID); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

// Get resolves id against the current searcher snapshot. Buffered writes
// become visible after the next refresh.
func (e *InternalEngine) Get(id model.DocID) (GetResult, error) {
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

// Refresh folds buffered writes into a visible segment and swaps the
// searcher snapshot.
func (e *InternalEngine) Refresh(reason string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.refreshLocked(reason)
}

func (e *InternalEngine) refreshLocked(reason string) error {
	if _, err := e.writer.Refresh(); err != nil {
		return e.refreshFailed(reason, err)
	}
	if _, err := e.view.Refresh(); err != nil {
		return e.refreshFailed(reason, err)
	}
	return nil
}

func (e *InternalEngine) refreshFailed(reason string, err error) error {
	if errors.Is(err, index.ErrCorrupted) {
		e.failEngine("refresh: "+reason, err)
	}
	return fmt.Errorf("engine %s: %w (%s): %w", e.shardID, ErrRefreshFailed, reason, err)
}

// failEngine latches the failure and closes in the background: the caller
// holds the shared lock, and the close transition needs the exclusive one.
func (e *InternalEngine) failEngine(reason string, cause error) {
	if e.markFailed(reason, cause) {
		go e.Close(reason)
	}
}

// Flush commits outstanding writes: segment files and the directory entry
// are fsynced, a new manifest generation is saved, and the translog is
// trimmed to the committed position.
func (e *InternalEngine) Flush(force, waitIfOngoing bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}

	if waitIfOngoing {
		e.flushMu.Lock()
	} else if !e.flushMu.TryLock() {
		return fmt.Errorf("engine %s: %w", e.shardID, ErrFlushOngoing)
	}
	defer e.flushMu.Unlock()

	if !force && !e.writer.HasUncommitted() {
		return nil
	}

	seq := model.SeqNo(e.seqNo.Load())
	if err := e.writer.Commit(seq); err != nil {
		if errors.Is(err, index.ErrCorrupted) {
			e.failEngine("flush", err)
		}
		return fmt.Errorf("engine %s: %w: %w", e.shardID, ErrFlushFailed, err)
	}
	if err := e.translog.TrimBelow(seq); err != nil {
		return fmt.Errorf("engine %s: %w: translog trim: %w", e.shardID, ErrFlushFailed, err)
	}
	if _, err := e.view.Refresh(); err != nil {
		return e.refreshFailed("post-flush", err)
	}
	return nil
}

// ForceMerge rewrites all live documents into a single segment.
func (e *InternalEngine) ForceMerge() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}

	if err := e.writer.Merge(model.SeqNo(e.seqNo.Load())); err != nil {
		if errors.Is(err, index.ErrCorrupted) {
			e.failEngine("merge", err)
		}
		return fmt.Errorf("engine %s: merge: %w", e.shardID, err)
	}
	if _, err := e.view.Refresh(); err != nil {
		return e.refreshFailed("post-merge", err)
	}
	return nil
}

// Segments reports the searchable segments, flagging those referenced by
// the last durable manifest as committed.
func (e *InternalEngine) Segments() ([]model.SegmentDescriptor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	committed := make(map[string]bool)
	for _, seg := range e.writer.CommittedManifest().Segments {
		committed[seg.Name] = true
	}

	snap, err := e.acquireSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	segs := snap.Reader().Segments()
	for i := range segs {
		segs[i].Committed = committed[segs[i].Name]
	}
	return segs, nil
}

// SnapshotIndex pins the last durable commit. While the handle is held its
// files are protected from merge cleanup; callers must Release it.
func (e *InternalEngine) SnapshotIndex(flushFirst bool) (*index.PinnedCommit, error) {
	if flushFirst {
		if err := e.Flush(false, true); err != nil {
			return nil, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}

	pinned, err := e.writer.PinCommit()
	if err != nil {
		return nil, fmt.Errorf("engine %s: snapshot: %w", e.shardID, err)
	}
	return pinned, nil
}

// Recover runs both recovery stages under the exclusive lock: handler
// copies segment files into the shard directory, the writer is reopened
// over the result, and translog operations past the committed sequence
// number are replayed and committed.
func (e *InternalEngine) Recover(handler RecoveryHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureOpen(); err != nil {
		return err
	}

	if handler != nil {
		if err := handler.CopyFiles(e.store.Directory()); err != nil {
			return fmt.Errorf("engine %s: recovery file copy: %w", e.shardID, err)
		}
		// Copied files may include a newer manifest; reopen over it.
		if err := e.writer.Close(); err != nil {
			return err
		}
		w, err := index.OpenWriter(e.store.FS(), e.store.Directory())
		if err != nil {
			e.failRecovery("recovery", err)
			return fmt.Errorf("engine %s: recovery reopen: %w", e.shardID, err)
		}
		e.writer = w
	}

	committed := e.writer.CommittedManifest()
	from := model.SeqNo(committed.MaxSeqNo)
	if uint64(from) > e.seqNo.Load() {
		e.seqNo.Store(uint64(from))
	}

	err := e.translog.Replay(from, func(op Operation) error {
		if uint64(op.SeqNo) > e.seqNo.Load() {
			e.seqNo.Store(uint64(op.SeqNo))
		}
		switch op.Type {
		case OpDelete:
			return e.writer.DeleteDocument(op.ID, op.SeqNo)
		default:
			return e.writer.AddDocument(model.Document{ID: op.ID, Fields: op.Fields, Version: op.SeqNo})
		}
	})
	if err != nil {
		e.failRecovery("recovery replay", err)
		return fmt.Errorf("engine %s: recovery replay: %w", e.shardID, err)
	}

	if err := e.writer.Commit(model.SeqNo(e.seqNo.Load())); err != nil {
		e.failRecovery("recovery commit", err)
		return fmt.Errorf("engine %s: recovery commit: %w", e.shardID, err)
	}
	if _, err := e.view.Refresh(); err != nil {
		return fmt.Errorf("engine %s: %w (recovery): %w", e.shardID, ErrRefreshFailed, err)
	}
	return nil
}

// AcquireSnapshot hands out the current searcher snapshot.
func (e *InternalEngine) AcquireSnapshot() (*searcher.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.acquireSnapshot()
}

func (e *InternalEngine) mutationFailed(op string, err error) error {
	if errors.Is(err, index.ErrCorrupted) {
		e.failEngine(op, err)
	}
	if errors.Is(err, store.ErrAlreadyClosed) || errors.Is(err, index.ErrWriterClosed) {
		return e.closedErr()
	}
	return fmt.Errorf("engine %s: %s: %w", e.shardID, op, err)
}

// Close transitions to Closed exactly once, waiting for in-flight
// operations on the shared lock side.
func (e *InternalEngine) Close(reason string) error {
	return e.closeOnce(reason, func() error {
		err := e.writer.Close()
		if terr := e.translog.Close(); err == nil {
			err = terr
		}
		return err
	})
}

// failRecovery is the failure path for callers already holding the
// exclusive lock: resources are released inline, without re-locking.
func (e *InternalEngine) failRecovery(reason string, cause error) {
	if !e.markFailed(reason, cause) {
		return
	}
	if !e.closing.CompareAndSwap(false, true) {
		return
	}
	e.view.Close()
	e.writer.Close()
	e.translog.Close()
	e.store.Release()
}
