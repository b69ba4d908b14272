// Package s3 provides an S3-backed blob container and a DynamoDB-backed
// generation pointer for atomic manifest commits over S3.
package s3

import (
	"context"
	"errors"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/quarrydb/quarry/blobstore"
)

// Client is the subset of the S3 API the store uses. *s3.Client satisfies
// it; tests substitute a fake.
type Client interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store scopes blob containers inside one S3 bucket.
type Store struct {
	client Client
	bucket string
	prefix string
}

// NewStore creates a blob store over bucket. rootPrefix is prepended to
// every key (e.g. "snapshots/").
func NewStore(client Client, bucket, rootPrefix string) *Store {
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

// Container is one key prefix of blobs in S3. Objects are durable once the
// PUT succeeds, so CreateOutput's close-means-durable contract maps
// directly onto upload completion.
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

	paginator := s3.NewListObjectsV2Paginator(c.store.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.store.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if len(key) <= len(prefix) {
				continue
			}
			blobs[key[len(prefix):]] = aws.ToInt64(obj.Size)
		}
	}
	return blobs, nil
}

func (c *Container) BlobExists(ctx context.Context, name string) (bool, error) {
	_, err := c.store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.store.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Container) DeleteBlob(ctx context.Context, name string) error {
	// S3 deletes are idempotent; a missing key is already satisfied.
	_, err := c.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.store.bucket),
		Key:    aws.String(c.key(name)),
	})
	return err
}

func (c *Container) OpenInput(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := c.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.store.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blobstore.ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (c *Container) CreateOutput(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	out := &s3Output{
		pw:   pw,
		done: make(chan error, 1),
	}

	uploader := manager.NewUploader(c.store.client)
	go func() {
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(c.store.bucket),
			Key:    aws.String(c.key(name)),
			Body:   pr,
		})
		_ = pr.CloseWithError(err)
		out.done <- err
	}()
	return out, nil
}

// s3Output streams writes into a background upload. Close finalizes the
// upload and reports its outcome; a failed upload never leaves a visible
// object.
type s3Output struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
}

func (o *s3Output) Write(p []byte) (int, error) {
	if o.closed {
		return 0, io.ErrClosedPipe
	}
	return o.pw.Write(p)
}

func (o *s3Output) Close() error {
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
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
