// Package snapshot copies durable shard commits into a blob container and
// restores them into a shard directory.
//
// A snapshot is the pinned commit's manifest plus every segment file it
// references, uploaded blob-for-file, with a CURRENT blob written last that
// names the manifest. Restore mirrors this: segments first, manifest next,
// the local CURRENT file last, so a reader of the target directory sees
// either the previous commit or the restored one, never a mix. Blobs named
// like local files are reused when their sizes match, so repeated snapshots
// of a mostly unchanged shard transfer only new segments.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/quarrydb/quarry/blobstore"
	"github.com/quarrydb/quarry/index"
	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/manifest"
	"github.com/quarrydb/quarry/resource"
	"github.com/quarrydb/quarry/store"
)

const tmpSuffix = ".tmp"

// CommitSource pins a durable commit for transfer. Both engine variants
// that support backups satisfy it.
type CommitSource interface {
	SnapshotIndex(flushFirst bool) (*index.PinnedCommit, error)
}

// Info summarizes a completed snapshot or restore.
type Info struct {
	Generation uint64
	TotalFiles int // files referenced by the commit
	Copied     int // files actually transferred
	Bytes      int64
}

// Repository moves commits between a shard store and one blob container.
// Reuse of already-present blobs compares sizes, so a container that
// compresses blobs transfers every file on every snapshot.
type Repository struct {
	container blobstore.Container
	ctrl      *resource.Controller
	logger    *slog.Logger
}

// Option configures a Repository.
type Option func(*Repository)

// WithController throttles transfers through c. Nil means unlimited.
func WithController(c *resource.Controller) Option {
	return func(r *Repository) { r.ctrl = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// NewRepository creates a repository backed by container.
func NewRepository(container blobstore.Container, opts ...Option) *Repository {
	r := &Repository{
		container: container,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot uploads src's last durable commit from st's directory into the
// container. The commit stays pinned for the duration, so merges cannot
// remove its files mid-transfer. The CURRENT blob is repointed only after
// every referenced blob is durable; a failed snapshot leaves the previous
// one intact.
func (r *Repository) Snapshot(ctx context.Context, src CommitSource, st *store.Store) (*Info, error) {
	pinned, err := src.SnapshotIndex(true)
	if err != nil {
		return nil, fmt.Errorf("snapshot: pin commit: %w", err)
	}
	defer pinned.Release()

	existing, err := r.container.ListBlobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list blobs: %w", err)
	}

	info := &Info{Generation: pinned.Generation, TotalFiles: len(pinned.Files)}
	var copied, bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range pinned.Files {
		size, err := r.localSize(st, name)
		if err != nil {
			return nil, fmt.Errorf("snapshot: stat %s: %w", name, err)
		}
		if existing[name] == size {
			continue
		}
		g.Go(func() error {
			if err := r.ctrl.AcquireWorker(gctx); err != nil {
				return err
			}
			defer r.ctrl.ReleaseWorker()
			if err := r.upload(gctx, st, name); err != nil {
				return fmt.Errorf("snapshot: upload %s: %w", name, err)
			}
			copied.Add(1)
			bytes.Add(size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifestName := manifest.FileName(pinned.Generation)
	if err := blobstore.WriteBlob(ctx, r.container, manifest.CurrentFileName, []byte(manifestName)); err != nil {
		return nil, fmt.Errorf("snapshot: write %s: %w", manifest.CurrentFileName, err)
	}

	info.Copied = int(copied.Load())
	info.Bytes = bytes.Load()
	r.logger.Info("snapshot complete",
		slog.Uint64("generation", info.Generation),
		slog.Int("files", info.TotalFiles),
		slog.Int("copied", info.Copied),
		slog.Int64("bytes", info.Bytes))

	r.prune(ctx, pinned.Files, existing)
	return info, nil
}

// prune deletes blobs no longer referenced by the snapshot just written.
// Best effort: a blob that survives pruning costs space, not correctness.
func (r *Repository) prune(ctx context.Context, live []string, existing map[string]int64) {
	keep := make(map[string]struct{}, len(live)+1)
	keep[manifest.CurrentFileName] = struct{}{}
	for _, name := range live {
		keep[name] = struct{}{}
	}
	for name := range existing {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := r.container.DeleteBlob(ctx, name); err != nil {
			r.logger.Warn("prune failed", slog.String("blob", name), slog.Any("error", err))
		}
	}
}

// Restore copies the container's snapshot into st's directory. Segment
// blobs land first, the manifest next and the local CURRENT file last, each
// durably, so a crash mid-restore never leaves CURRENT pointing at missing
// files. A shadow engine on st picks the commit up on its next refresh.
func (r *Repository) Restore(ctx context.Context, st *store.Store) (*Info, error) {
	current, err := blobstore.ReadBlob(ctx, r.container, manifest.CurrentFileName)
	if err != nil {
		return nil, fmt.Errorf("restore: read %s: %w", manifest.CurrentFileName, err)
	}
	manifestName := string(current)

	data, err := blobstore.ReadBlob(ctx, r.container, manifestName)
	if err != nil {
		return nil, fmt.Errorf("restore: read %s: %w", manifestName, err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("restore: manifest %s is unreadable: %w", manifestName, err)
	}

	info := &Info{Generation: m.Generation, TotalFiles: len(m.Segments) + 1}
	var copied, bytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range m.Segments {
		if size, err := r.localSize(st, seg.Path); err == nil && size == seg.SizeBytes {
			continue
		}
		g.Go(func() error {
			if err := r.ctrl.AcquireWorker(gctx); err != nil {
				return err
			}
			defer r.ctrl.ReleaseWorker()
			n, err := r.download(gctx, st, seg.Path)
			if err != nil {
				return fmt.Errorf("restore: download %s: %w", seg.Path, err)
			}
			copied.Add(1)
			bytes.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := r.writeFileDurable(st, manifestName, data); err != nil {
		return nil, fmt.Errorf("restore: write %s: %w", manifestName, err)
	}
	if err := r.writeFileDurable(st, manifest.CurrentFileName, current); err != nil {
		return nil, fmt.Errorf("restore: write %s: %w", manifest.CurrentFileName, err)
	}

	info.Copied = int(copied.Load()) + 1
	info.Bytes = bytes.Load() + int64(len(data))
	r.logger.Info("restore complete",
		slog.Uint64("generation", info.Generation),
		slog.Int("files", info.TotalFiles),
		slog.Int("copied", info.Copied),
		slog.Int64("bytes", info.Bytes))
	return info, nil
}

func (r *Repository) localSize(st *store.Store, name string) (int64, error) {
	fi, err := st.FS().Stat(filepath.Join(st.Directory(), name))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (r *Repository) upload(ctx context.Context, st *store.Store, name string) error {
	f, err := st.FS().OpenFile(filepath.Join(st.Directory(), name), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := r.container.CreateOutput(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resource.NewThrottledReader(ctx, f, r.ctrl)); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (r *Repository) download(ctx context.Context, st *store.Store, name string) (int64, error) {
	in, err := r.container.OpenInput(ctx, name)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	fsys := st.FS()
	tmp := filepath.Join(st.Directory(), name+tmpSuffix)
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	finish := func() (int64, error) {
		n, err := io.Copy(f, resource.NewThrottledReader(ctx, in, r.ctrl))
		if err != nil {
			f.Close()
			return n, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return n, err
		}
		if err := f.Close(); err != nil {
			return n, err
		}
		if err := fsys.Rename(tmp, filepath.Join(st.Directory(), name)); err != nil {
			return n, err
		}
		return n, fs.SyncDir(fsys, st.Directory())
	}
	n, err := finish()
	if err != nil {
		fsys.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func (r *Repository) writeFileDurable(st *store.Store, name string, data []byte) error {
	fsys := st.FS()
	tmp := filepath.Join(st.Directory(), name+tmpSuffix)
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	finish := func() error {
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := fsys.Rename(tmp, filepath.Join(st.Directory(), name)); err != nil {
			return err
		}
		return fs.SyncDir(fsys, st.Directory())
	}
	if err := finish(); err != nil {
		fsys.Remove(tmp)
		return err
	}
	return nil
}
