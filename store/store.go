// Package store owns the on-disk directory of a single shard and arbitrates
// its destruction through reference counting.
//
// Every operation that touches the directory must hold a reference for its
// entire duration: Acquire before use, Release on every exit path. The
// directory is destroyed exactly once, when the count returns to zero; any
// Acquire after that fails with [ErrAlreadyClosed].
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/manifest"
	"github.com/quarrydb/quarry/model"
)

// ErrAlreadyClosed is returned by Acquire after the store has been destroyed.
var ErrAlreadyClosed = errors.New("store is already closed")

// Store is the reference-counted owner of a shard directory.
//
// The counter encodes the destroyed state: refs < 0 means the store has
// been destroyed and can never be acquired again. The transition 0 -> -1 is
// a CAS, so a racing Acquire either wins the slot back to 1 (keeping the
// store alive) or observes the negative count and fails.
type Store struct {
	shardID model.ShardID
	fsys    fs.FileSystem
	dir     string

	manifests *manifest.Store
	refs      atomic.Int64

	disableDestructiveClose bool
	onClose                 func()
}

// Option configures a Store.
type Option func(*Store)

// WithOnClose sets a callback invoked once, after the directory has been
// destroyed.
func WithOnClose(f func()) Option {
	return func(s *Store) {
		s.onClose = f
	}
}

// WithDisableDestructiveClose keeps temp files in place on destroy.
// Useful when an operator wants to inspect the directory post mortem.
func WithDisableDestructiveClose() Option {
	return func(s *Store) {
		s.disableDestructiveClose = true
	}
}

// New creates a store for the shard directory. The reference count starts
// at zero; the first holder (normally the engine) acquires it.
func New(shardID model.ShardID, fsys fs.FileSystem, dir string, opts ...Option) (*Store, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		shardID:   shardID,
		fsys:      fsys,
		dir:       dir,
		manifests: manifest.NewStore(fsys, dir),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ShardID returns the owning shard's identity.
func (s *Store) ShardID() model.ShardID { return s.shardID }

// Directory returns the shard directory path.
func (s *Store) Directory() string { return s.dir }

// FS returns the filesystem the directory lives on.
func (s *Store) FS() fs.FileSystem { return s.fsys }

// Acquire increments the reference count. It fails with ErrAlreadyClosed
// once the store has been destroyed.
func (s *Store) Acquire() error {
	for {
		r := s.refs.Load()
		if r < 0 {
			return fmt.Errorf("%w: shard %s", ErrAlreadyClosed, s.shardID)
		}
		if s.refs.CompareAndSwap(r, r+1) {
			return nil
		}
	}
}

// Release decrements the reference count. When it reaches zero the
// directory is destroyed synchronously on the calling goroutine. Every
// Release must pair with exactly one earlier Acquire.
func (s *Store) Release() {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("store %s: release without matching acquire", s.shardID))
	}
	if n == 0 && s.refs.CompareAndSwap(0, -1) {
		s.destroy()
	}
}

// With runs fn while holding a reference. The reference is released on
// every exit path, including panics.
func (s *Store) With(fn func() error) error {
	if err := s.Acquire(); err != nil {
		return err
	}
	defer s.Release()
	return fn()
}

// RefCount returns the current number of holders. Diagnostics only.
func (s *Store) RefCount() int64 {
	r := s.refs.Load()
	if r < 0 {
		return 0
	}
	return r
}

// Closed reports whether the store has been destroyed.
func (s *Store) Closed() bool {
	return s.refs.Load() < 0
}

// ReadLastCommittedManifest returns the most recent committed segment
// manifest. It acquires its own reference for the duration of the read, so
// the result is internally consistent even while a writer commits.
func (s *Store) ReadLastCommittedManifest() (*manifest.Manifest, error) {
	if err := s.Acquire(); err != nil {
		return nil, err
	}
	defer s.Release()
	return s.manifests.Load()
}

func (s *Store) destroy() {
	if !s.disableDestructiveClose {
		s.removeTempFiles()
	}
	if s.onClose != nil {
		s.onClose()
	}
}

// removeTempFiles drops leftover temp files from interrupted atomic writes.
// Segment and manifest files are never touched here.
func (s *Store) removeTempFiles() {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		s.fsys.Remove(filepath.Join(s.dir, e.Name()))
	}
}
