package quarry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/model"
	"github.com/quarrydb/quarry/searcher"
	"github.com/quarrydb/quarry/store"
)

// Node manages the shards under one data directory.
type Node struct {
	dir  string
	opts options

	mu     sync.Mutex
	shards map[model.ShardID]*Shard
	closed bool
}

// Open creates a node rooted at dir. The directory is created if missing.
func Open(dir string, opts ...Option) (*Node, error) {
	o := options{
		fsys:    fs.Default,
		logger:  slog.New(slog.DiscardHandler),
		metrics: NoopMetricsCollector{},
		translog: func(_ model.ShardID, shardDir string) (engine.Translog, error) {
			return engine.NewFileTranslog(nil, filepath.Join(shardDir, "translog.log"))
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Node{
		dir:    dir,
		opts:   o,
		shards: make(map[model.ShardID]*Shard),
	}, nil
}

// ShardDir returns the data directory of a shard, whether or not it is
// open.
func (n *Node) ShardDir(id model.ShardID) string {
	return filepath.Join(n.dir, id.Index, strconv.Itoa(id.ID))
}

// OpenShard opens the read-write engine for a shard. The shard's previous
// on-disk state, if any, is picked up; uncommitted translog records are
// replayed before the shard is returned.
func (n *Node) OpenShard(id model.ShardID) (*Shard, error) {
	return n.openShard(id, false)
}

// OpenShadowShard opens a read-only shard over the same directory layout.
// Shadow shards reject every mutation and follow external commits via
// Refresh.
func (n *Node) OpenShadowShard(id model.ShardID) (*Shard, error) {
	return n.openShard(id, true)
}

func (n *Node) openShard(id model.ShardID, shadow bool) (*Shard, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	if _, ok := n.shards[id]; ok {
		return nil, fmt.Errorf("shard %s: %w", id, ErrShardExists)
	}

	st, err := store.New(id, n.opts.fsys, n.ShardDir(id))
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", id, err)
	}

	var (
		eng engine.Engine
		tl  engine.Translog
	)
	if shadow {
		eng, err = engine.NewShadowEngine(st, engine.WithLogger(n.opts.logger))
	} else {
		tl, err = n.opts.translog(id, st.Directory())
		if err != nil {
			return nil, fmt.Errorf("shard %s: translog: %w", id, err)
		}
		eng, err = engine.NewInternalEngine(st, tl, engine.WithLogger(n.opts.logger))
		if err != nil {
			tl.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", id, err)
	}

	if !shadow {
		if err := eng.Recover(nil); err != nil {
			eng.Close("open failed")
			return nil, fmt.Errorf("shard %s: recovery: %w", id, err)
		}
	}

	s := &Shard{id: id, eng: eng, store: st, metrics: n.opts.metrics}
	n.shards[id] = s
	n.opts.logger.Info("shard opened",
		slog.String("shard", id.String()),
		slog.Bool("shadow", shadow))
	return s, nil
}

// Shard returns an open shard.
func (n *Node) Shard(id model.ShardID) (*Shard, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.shards[id]
	if !ok {
		return nil, fmt.Errorf("shard %s: %w", id, ErrShardNotFound)
	}
	return s, nil
}

// CloseShard closes one shard and forgets it.
func (n *Node) CloseShard(id model.ShardID, reason string) error {
	n.mu.Lock()
	s, ok := n.shards[id]
	delete(n.shards, id)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("shard %s: %w", id, ErrShardNotFound)
	}
	return s.eng.Close(reason)
}

// Close closes every open shard. The first error wins; remaining shards
// are still closed.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	shards := make([]*Shard, 0, len(n.shards))
	for _, s := range n.shards {
		shards = append(shards, s)
	}
	n.shards = nil
	n.mu.Unlock()

	var firstErr error
	for _, s := range shards {
		if err := s.eng.Close("node closed"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shard is one open shard on a node. It delegates to the underlying engine
// and feeds the node's metrics collector.
type Shard struct {
	id      model.ShardID
	eng     engine.Engine
	store   *store.Store
	metrics MetricsCollector
}

// ID returns the shard's identity.
func (s *Shard) ID() model.ShardID { return s.id }

// Engine exposes the underlying engine for operations the facade does not
// wrap, e.g. SnapshotIndex or Recover.
func (s *Shard) Engine() engine.Engine { return s.eng }

// Store exposes the shard's ref-counted directory owner, e.g. for the
// snapshot repository.
func (s *Shard) Store() *store.Store { return s.store }

// Create indexes a document only if its id is not already present.
func (s *Shard) Create(doc model.Document) error {
	start := time.Now()
	err := s.eng.Create(doc)
	s.metrics.RecordIndex(time.Since(start), err)
	return err
}

// Index upserts a document.
func (s *Shard) Index(doc model.Document) error {
	start := time.Now()
	err := s.eng.Index(doc)
	s.metrics.RecordIndex(time.Since(start), err)
	return err
}

// Delete writes a tombstone for id.
func (s *Shard) Delete(id model.DocID) error {
	start := time.Now()
	err := s.eng.Delete(id)
	s.metrics.RecordIndex(time.Since(start), err)
	return err
}

// DeleteByQuery deletes every visible document whose field equals value
// and returns how many were deleted.
func (s *Shard) DeleteByQuery(field, value string) (int, error) {
	start := time.Now()
	n, err := s.eng.DeleteByQuery(field, value)
	s.metrics.RecordIndex(time.Since(start), err)
	return n, err
}

// Get fetches a document from the current searcher snapshot. Documents
// become visible after a refresh, not immediately on write.
func (s *Shard) Get(id model.DocID) (engine.GetResult, error) {
	start := time.Now()
	res, err := s.eng.Get(id)
	s.metrics.RecordGet(time.Since(start), res.Found, err)
	return res, err
}

// Refresh makes buffered writes searchable.
func (s *Shard) Refresh(reason string) error {
	start := time.Now()
	err := s.eng.Refresh(reason)
	s.metrics.RecordRefresh(time.Since(start), err)
	return err
}

// Flush commits buffered writes durably and trims the translog.
func (s *Shard) Flush(force, waitIfOngoing bool) error {
	start := time.Now()
	err := s.eng.Flush(force, waitIfOngoing)
	s.metrics.RecordFlush(time.Since(start), err)
	return err
}

// ForceMerge rewrites the live documents into a single segment.
func (s *Shard) ForceMerge() error {
	return s.eng.ForceMerge()
}

// Segments describes the shard's on-disk segments.
func (s *Shard) Segments() ([]model.SegmentDescriptor, error) {
	return s.eng.Segments()
}

// AcquireSnapshot pins the current point-in-time view. The caller must
// release it.
func (s *Shard) AcquireSnapshot() (*searcher.Snapshot, error) {
	return s.eng.AcquireSnapshot()
}
