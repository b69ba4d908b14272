package blobstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/quarrydb/quarry/internal/fs"
)

const defaultBufferSize = 64 * 1024

// tmpSuffix marks outputs that have not been durably closed yet. They are
// invisible to ListBlobs and OpenInput.
const tmpSuffix = ".tmp"

// FsStore is a filesystem-backed blob store.
type FsStore struct {
	fsys       fs.FileSystem
	root       string
	bufferSize int
	codec      Codec
}

// FsOption configures an FsStore.
type FsOption func(*FsStore)

// WithBufferSize sets the read/write buffer size in bytes.
func WithBufferSize(n int) FsOption {
	return func(s *FsStore) {
		s.bufferSize = n
	}
}

// WithCodec compresses blob contents with the given codec. Readers and
// writers of a container must agree on it.
func WithCodec(c Codec) FsOption {
	return func(s *FsStore) {
		s.codec = c
	}
}

// NewFsStore creates a blob store rooted at dir. A nil fsys uses the local
// filesystem.
func NewFsStore(fsys fs.FileSystem, dir string, opts ...FsOption) (*FsStore, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	s := &FsStore{
		fsys:       fsys,
		root:       dir,
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return s, nil
}

// Container returns the container at path, creating its directory.
func (s *FsStore) Container(path string) (Container, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(path))
	if err := s.fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FsContainer{store: s, path: path, dir: dir}, nil
}

// FsContainer is one directory of blobs. CreateOutput writes through a
// temporary file and makes the blob visible only after both the file data
// and the directory entry are fsynced.
type FsContainer struct {
	store *FsStore
	path  string
	dir   string
}

func (c *FsContainer) Path() string { return c.path }

func (c *FsContainer) ListBlobs(_ context.Context) (map[string]int64, error) {
	entries, err := c.store.fsys.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	blobs := make(map[string]int64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		blobs[entry.Name()] = info.Size()
	}
	return blobs, nil
}

func (c *FsContainer) BlobExists(_ context.Context, name string) (bool, error) {
	_, err := c.store.fsys.Stat(filepath.Join(c.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *FsContainer) DeleteBlob(_ context.Context, name string) error {
	err := c.store.fsys.Remove(filepath.Join(c.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *FsContainer) OpenInput(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := c.store.fsys.OpenFile(filepath.Join(c.dir, name), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	var r io.Reader = bufio.NewReaderSize(f, c.store.bufferSize)
	closer := io.Closer(f)
	if c.store.codec != nil {
		cr, err := c.store.codec.NewReader(r)
		if err != nil {
			f.Close()
			return nil, err
		}
		r = cr
		closer = multiCloser{cr, f}
	}
	return readCloser{Reader: r, Closer: closer}, nil
}

func (c *FsContainer) CreateOutput(_ context.Context, name string) (io.WriteCloser, error) {
	tmp := name + tmpSuffix
	f, err := c.store.fsys.OpenFile(filepath.Join(c.dir, tmp), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	out := &fsOutput{
		container: c,
		name:      name,
		tmp:       tmp,
		file:      f,
		buf:       bufio.NewWriterSize(f, c.store.bufferSize),
	}
	out.w = io.Writer(out.buf)
	if c.store.codec != nil {
		cw, err := c.store.codec.NewWriter(out.buf)
		if err != nil {
			f.Close()
			c.store.fsys.Remove(filepath.Join(c.dir, tmp))
			return nil, err
		}
		out.codecW = cw
		out.w = cw
	}
	return out, nil
}

// fsOutput stages a blob in a temporary file. Close flushes, fsyncs the
// data, renames into place and fsyncs the directory, in that order. On any
// failure the temporary file is removed and the blob never appears.
type fsOutput struct {
	container *FsContainer
	name      string
	tmp       string
	file      fs.File
	buf       *bufio.Writer
	codecW    io.WriteCloser
	w         io.Writer
	closed    bool
}

func (o *fsOutput) Write(p []byte) (int, error) {
	if o.closed {
		return 0, os.ErrClosed
	}
	return o.w.Write(p)
}

func (o *fsOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	err := o.finish()
	if err != nil {
		o.file.Close()
		o.container.store.fsys.Remove(filepath.Join(o.container.dir, o.tmp))
		return fmt.Errorf("blob %s/%s: %w", o.container.path, o.name, err)
	}
	return nil
}

func (o *fsOutput) finish() error {
	if o.codecW != nil {
		if err := o.codecW.Close(); err != nil {
			return err
		}
	}
	if err := o.buf.Flush(); err != nil {
		return err
	}
	if err := o.file.Sync(); err != nil {
		return err
	}
	if err := o.file.Close(); err != nil {
		return err
	}
	fsys := o.container.store.fsys
	if err := fsys.Rename(
		filepath.Join(o.container.dir, o.tmp),
		filepath.Join(o.container.dir, o.name),
	); err != nil {
		return err
	}
	return fs.SyncDir(fsys, o.container.dir)
}

type readCloser struct {
	io.Reader
	io.Closer
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var err error
	for _, c := range m {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
