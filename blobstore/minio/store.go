// Package minio provides a blob container over MinIO and other
// S3-compatible object stores using the native MinIO client.
package minio

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/quarrydb/quarry/blobstore"
)

// Store scopes blob containers inside one MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a blob store over bucket. rootPrefix is prepended to
// every key.
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

// Container returns the container scoped at p.
func (s *Store) Container(p string) (blobstore.Container, error) {
	return &Container{store: s, path: p}, nil
}

// Container is one key prefix of blobs in the bucket.
type Container struct {
	store *Store
	path  string
}

func (c *Container) Path() string { return c.path }

func (c *Container) key(name string) string {
	return path.Join(c.store.prefix, c.path, name)
}

func (c *Container) ListBlobs(ctx context.Context) (map[string]int64, error) {
	prefix := c.key("") + "/"
	blobs := make(map[string]int64)

	for obj := range c.store.client.ListObjects(ctx, c.store.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if len(obj.Key) <= len(prefix) {
			continue
		}
		blobs[obj.Key[len(prefix):]] = obj.Size
	}
	return blobs, nil
}

func (c *Container) BlobExists(ctx context.Context, name string) (bool, error) {
	_, err := c.store.client.StatObject(ctx, c.store.bucket, c.key(name), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Container) DeleteBlob(ctx context.Context, name string) error {
	err := c.store.client.RemoveObject(ctx, c.store.bucket, c.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (c *Container) OpenInput(ctx context.Context, name string) (io.ReadCloser, error) {
	// StatObject first: GetObject defers the existence check to the first
	// read, which would surface not-found as a read error instead.
	if _, err := c.store.client.StatObject(ctx, c.store.bucket, c.key(name), minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return c.store.client.GetObject(ctx, c.store.bucket, c.key(name), minio.GetObjectOptions{})
}

func (c *Container) CreateOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	out := &minioOutput{
		pw:   pw,
		done: make(chan error, 1),
	}

	go func() {
		_, err := c.store.client.PutObject(ctx, c.store.bucket, c.key(name), pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		out.done <- err
	}()
	return out, nil
}

type minioOutput struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
}

func (o *minioOutput) Write(p []byte) (int, error) {
	if o.closed {
		return 0, io.ErrClosedPipe
	}
	return o.pw.Write(p)
}

func (o *minioOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.pw.Close(); err != nil {
		return err
	}
	return <-o.done
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
