package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quarrydb/quarry/index"
	"github.com/quarrydb/quarry/model"
	"github.com/quarrydb/quarry/searcher"
	"github.com/quarrydb/quarry/store"
)

// Engine mediates all reads and writes against a single shard's index.
//
// Two variants implement it: InternalEngine owns an index writer and a
// translog and accepts mutations; ShadowEngine only observes committed
// state produced elsewhere and rejects every mutation with ErrUnsupported.
type Engine interface {
	// ShardID returns the shard this engine serves.
	ShardID() model.ShardID

	// Create indexes a new document, failing with ErrDocExists when the id
	// is already present.
	Create(doc model.Document) error
	// Index upserts a document.
	Index(doc model.Document) error
	// Delete tombstones a document by id.
	Delete(id model.DocID) error
	// DeleteByQuery deletes every document whose field equals value and
	// returns the number of deletions.
	DeleteByQuery(field, value string) (int, error)

	// Get resolves a document against the current searcher snapshot.
	// A missing document is reported via GetResult.Found, not an error.
	Get(id model.DocID) (GetResult, error)

	// Refresh makes recently written (or externally copied) segments
	// visible to snapshots acquired afterwards.
	Refresh(reason string) error
	// Flush durably commits outstanding writes. With force, a commit is
	// made even when nothing changed. With waitIfOngoing=false a flush
	// already in progress yields ErrFlushOngoing instead of blocking.
	Flush(force, waitIfOngoing bool) error
	// ForceMerge consolidates segments. Best effort, never required for
	// correctness.
	ForceMerge() error

	// Segments returns descriptors of the currently known segments.
	Segments() ([]model.SegmentDescriptor, error)

	// SnapshotIndex pins the last durable commit for backup and returns
	// its handle. With flushFirst, outstanding writes are committed before
	// pinning.
	SnapshotIndex(flushFirst bool) (*index.PinnedCommit, error)
	// Recover runs the two-stage recovery protocol: copy files from a
	// source, then replay the outstanding translog.
	Recover(handler RecoveryHandler) error

	// AcquireSnapshot hands out the current searcher snapshot. The caller
	// must release it.
	AcquireSnapshot() (*searcher.Snapshot, error)

	// Failure returns the preserved failure cause, or nil while healthy.
	Failure() error
	// Closed reports whether the engine has been closed or failed.
	Closed() bool
	// Close releases the searcher view and the store reference. Safe to
	// call more than once.
	Close(reason string) error
}

// GetResult is the outcome of Engine.Get.
type GetResult struct {
	Found    bool
	Document model.Document
}

// RecoveryHandler supplies stage one of recovery: materializing segment
// files into the shard directory before the translog replay.
type RecoveryHandler interface {
	CopyFiles(dir string) error
}

// Options configure an engine.
type Options struct {
	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the structured logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func applyOptions(opts []Option) *Options {
	o := &Options{Logger: slog.New(slog.DiscardHandler)}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// engineBase carries the state machine both variants share: the store
// reference held for the engine's lifetime, the searcher view, the
// read/write lock that makes close exclusive with everything else, and the
// one-way failure latch.
type engineBase struct {
	shardID model.ShardID
	store   *store.Store
	view    *searcher.View
	logger  *slog.Logger

	// mu's shared side is held by refresh/get/flush; the exclusive side
	// only by close and recovery, so close waits for in-flight operations.
	mu      sync.RWMutex
	closed  atomic.Bool
	closing atomic.Bool
	failure atomic.Pointer[FailedError]
}

func (e *engineBase) ShardID() model.ShardID { return e.shardID }

// Closed reports whether the engine no longer accepts operations.
func (e *engineBase) Closed() bool { return e.closed.Load() }

// Failure returns the first failure cause, or nil.
func (e *engineBase) Failure() error {
	if f := e.failure.Load(); f != nil {
		return f
	}
	return nil
}

// closedErr builds the error returned for operations against a closed
// engine. After a failure it embeds the original cause.
func (e *engineBase) closedErr() error {
	if f := e.failure.Load(); f != nil {
		return fmt.Errorf("engine %s: %w: %w", e.shardID, ErrClosed, f)
	}
	return fmt.Errorf("engine %s: %w", e.shardID, ErrClosed)
}

// ensureOpen must be called with mu held (either side).
func (e *engineBase) ensureOpen() error {
	if e.closed.Load() {
		return e.closedErr()
	}
	return nil
}

// markFailed latches the first failure cause and flips the closed flag so
// new operations fail fast. It reports whether this call won the latch;
// the winner is responsible for running the close transition. Subsequent
// failures keep the original cause.
func (e *engineBase) markFailed(reason string, cause error) bool {
	if !e.failure.CompareAndSwap(nil, &FailedError{Reason: reason, Cause: cause}) {
		return false
	}
	e.closed.Store(true)
	e.logger.Error("failing engine",
		slog.String("shard", e.shardID.String()),
		slog.String("reason", reason),
		slog.Any("cause", cause))
	return true
}

// closeOnce runs the close transition exactly once: concurrent closers
// converge on the first call, later calls return immediately.
func (e *engineBase) closeOnce(reason string, fn func() error) error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed.Store(true)
	e.logger.Info("closing engine",
		slog.String("shard", e.shardID.String()),
		slog.String("reason", reason))

	err := e.view.Close()
	if fn != nil {
		if ferr := fn(); err == nil {
			err = ferr
		}
	}
	e.store.Release()
	return err
}

// acquireSnapshot maps view errors to the engine's closed error.
func (e *engineBase) acquireSnapshot() (*searcher.Snapshot, error) {
	snap, err := e.view.Acquire()
	if err != nil {
		return nil, e.closedErr()
	}
	return snap, nil
}
