package blobstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/fs"
)

func newTestContainer(t *testing.T, opts ...FsOption) Container {
	t.Helper()
	s, err := NewFsStore(nil, t.TempDir(), opts...)
	require.NoError(t, err)
	c, err := s.Container("indices/articles/0")
	require.NoError(t, err)
	return c
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)

	content := bytes.Repeat([]byte("segment data "), 1000)
	require.NoError(t, WriteBlob(ctx, c, "seg-000001.dat", content))

	got, err := ReadBlob(ctx, c, "seg-000001.dat")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	exists, err := c.BlobExists(ctx, "seg-000001.dat")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = c.BlobExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListBlobs(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)

	require.NoError(t, WriteBlob(ctx, c, "a", []byte("xx")))
	require.NoError(t, WriteBlob(ctx, c, "b", []byte("xxxx")))

	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 2, "b": 4}, blobs)
}

func TestListSkipsInFlightOutputs(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)

	out, err := c.CreateOutput(ctx, "pending")
	require.NoError(t, err)
	_, err = out.Write([]byte("half written"))
	require.NoError(t, err)

	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, blobs, "unclosed output must not be listed")

	require.NoError(t, out.Close())
	blobs, err = c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestDeleteMissingBlobIsNotAnError(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)

	require.NoError(t, WriteBlob(ctx, c, "a", []byte("x")))
	require.NoError(t, c.DeleteBlob(ctx, "a"))
	require.NoError(t, c.DeleteBlob(ctx, "a"))
	require.NoError(t, c.DeleteBlob(ctx, "never existed"))
}

func TestCloseSyncsDataAndDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.LocalFS{})
	s, err := NewFsStore(faulty, dir, WithBufferSize(8))
	require.NoError(t, err)
	c, err := s.Container("shard")
	require.NoError(t, err)

	require.NoError(t, WriteBlob(ctx, c, "blob", []byte("durable bytes")))

	// One fsync for the temporary file's data, one for the directory.
	assert.Equal(t, 1, faulty.CountSyncs(".tmp"))
	assert.Equal(t, 2, faulty.CountSyncs(""))
}

func TestFailedSyncSurfacesAndRemovesBlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.LocalFS{})
	faulty.AddRule("broken", fs.Fault{FailOnSync: true})

	s, err := NewFsStore(faulty, dir)
	require.NoError(t, err)
	c, err := s.Container("shard")
	require.NoError(t, err)

	out, err := c.CreateOutput(ctx, "broken")
	require.NoError(t, err)
	_, err = out.Write([]byte("data"))
	require.NoError(t, err)
	require.Error(t, out.Close())

	// The failed blob never becomes visible.
	exists, err := c.BlobExists(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, exists)
	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestTruncatedWriteNeverVisible(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.LocalFS{})
	faulty.AddRule("short", fs.Fault{FailAfterBytes: 4})

	s, err := NewFsStore(faulty, dir)
	require.NoError(t, err)
	c, err := s.Container("shard")
	require.NoError(t, err)

	err = WriteBlob(ctx, c, "short", bytes.Repeat([]byte("x"), 1<<20))
	require.Error(t, err)

	exists, err := c.BlobExists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSeparateContainersAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, err := NewFsStore(nil, t.TempDir())
	require.NoError(t, err)

	c0, err := s.Container("indices/articles/0")
	require.NoError(t, err)
	c1, err := s.Container("indices/articles/1")
	require.NoError(t, err)

	require.NoError(t, WriteBlob(ctx, c0, "seg", []byte("zero")))

	exists, err := c1.BlobExists(ctx, "seg")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReopenedStoreSeesBlobs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFsStore(nil, dir)
	require.NoError(t, err)
	c, err := s.Container("shard")
	require.NoError(t, err)
	require.NoError(t, WriteBlob(ctx, c, "seg", []byte("persisted")))

	// A fresh store over the same directory observes the same blobs.
	s2, err := NewFsStore(nil, dir)
	require.NoError(t, err)
	c2, err := s2.Container("shard")
	require.NoError(t, err)
	got, err := ReadBlob(ctx, c2, "seg")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestCodecRoundTrip(t *testing.T) {
	codecs := map[string]Codec{
		"zstd": ZstdCodec{},
		"lz4":  Lz4Codec{},
	}
	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s, err := NewFsStore(nil, dir, WithCodec(codec))
			require.NoError(t, err)
			c, err := s.Container("shard")
			require.NoError(t, err)

			content := bytes.Repeat([]byte("compressible segment content "), 2000)
			require.NoError(t, WriteBlob(ctx, c, "seg", content))

			got, err := ReadBlob(ctx, c, "seg")
			require.NoError(t, err)
			assert.Equal(t, content, got)

			// The on-disk representation is actually compressed.
			info, err := os.Stat(filepath.Join(dir, "shard", "seg"))
			require.NoError(t, err)
			assert.Less(t, info.Size(), int64(len(content)))
		})
	}
}

func TestMemoryContainer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.Container("shard")
	require.NoError(t, err)

	require.NoError(t, WriteBlob(ctx, c, "a", []byte("mem")))
	got, err := ReadBlob(ctx, c, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("mem"), got)

	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 3}, blobs)

	require.NoError(t, c.DeleteBlob(ctx, "a"))
	require.NoError(t, c.DeleteBlob(ctx, "a"))
	_, err = ReadBlob(ctx, c, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
