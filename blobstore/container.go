package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Container is a durable, name-addressed scope of byte blobs. The
// snapshot/restore subsystem moves segment data through it; nothing is
// cached between calls.
type Container interface {
	// Path returns the container's scope within its store.
	Path() string

	// ListBlobs maps every blob name in the container to its length.
	// Duplicate entries from the underlying listing collapse to one.
	ListBlobs(ctx context.Context) (map[string]int64, error)

	// BlobExists reports whether the named blob is present.
	BlobExists(ctx context.Context, name string) (bool, error)

	// DeleteBlob removes the named blob. Deleting a missing blob is not
	// an error.
	DeleteBlob(ctx context.Context, name string) error

	// OpenInput opens the named blob for reading.
	OpenInput(ctx context.Context, name string) (io.ReadCloser, error)

	// CreateOutput opens a new blob for writing. Once Close returns nil
	// the blob's bytes and its directory entry are durable: a crash
	// immediately after never yields a missing or truncated blob. A blob
	// is never readable in a partially written state.
	CreateOutput(ctx context.Context, name string) (io.WriteCloser, error)
}

// Store scopes containers by hierarchical path.
type Store interface {
	// Container returns the container at path, creating its scope if
	// needed.
	Container(path string) (Container, error)
}

// WriteBlob writes data as one blob through c.
func WriteBlob(ctx context.Context, c Container, name string, data []byte) error {
	out, err := c.CreateOutput(ctx, name)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ReadBlob reads the whole named blob through c.
func ReadBlob(ctx context.Context, c Container, name string) ([]byte, error) {
	in, err := c.OpenInput(ctx, name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return io.ReadAll(in)
}
