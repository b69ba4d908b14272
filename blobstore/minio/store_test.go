package minio

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/blobstore"
)

// TestContainer_Integration requires a running MinIO instance.
// Skip if not available.
func TestContainer_Integration(t *testing.T) {
	endpoint := "localhost:9000"
	bucket := "test-quarry"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix")
	c, err := store.Container("indices/articles/0")
	require.NoError(t, err)

	content := bytes.Repeat([]byte("segment data "), 100)
	out, err := c.CreateOutput(ctx, "seg-000001.dat")
	require.NoError(t, err)
	_, err = out.Write(content)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	found, err := c.BlobExists(ctx, "seg-000001.dat")
	require.NoError(t, err)
	assert.True(t, found)

	in, err := c.OpenInput(ctx, "seg-000001.dat")
	require.NoError(t, err)
	got, err := io.ReadAll(in)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	assert.Equal(t, content, got)

	blobs, err := c.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), blobs["seg-000001.dat"])

	_, err = c.OpenInput(ctx, "missing")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	require.NoError(t, c.DeleteBlob(ctx, "seg-000001.dat"))
	require.NoError(t, c.DeleteBlob(ctx, "seg-000001.dat"))
	found, err = c.BlobExists(ctx, "seg-000001.dat")
	require.NoError(t, err)
	assert.False(t, found)
}
