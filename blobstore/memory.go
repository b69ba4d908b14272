package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is an in-memory blob store for tests. Thread-safe.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{containers: make(map[string]map[string][]byte)}
}

// Container returns the container at path, creating it if needed.
func (m *MemoryStore) Container(path string) (Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[path]; !ok {
		m.containers[path] = make(map[string][]byte)
	}
	return &MemoryContainer{store: m, path: path}, nil
}

// MemoryContainer is one scope inside a MemoryStore. Writes become visible
// atomically on Close, mirroring the durability contract of the
// filesystem container.
type MemoryContainer struct {
	store *MemoryStore
	path  string
}

func (c *MemoryContainer) Path() string { return c.path }

func (c *MemoryContainer) ListBlobs(_ context.Context) (map[string]int64, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	blobs := make(map[string]int64, len(c.store.containers[c.path]))
	for name, data := range c.store.containers[c.path] {
		blobs[name] = int64(len(data))
	}
	return blobs, nil
}

func (c *MemoryContainer) BlobExists(_ context.Context, name string) (bool, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	_, ok := c.store.containers[c.path][name]
	return ok, nil
}

func (c *MemoryContainer) DeleteBlob(_ context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.containers[c.path], name)
	return nil
}

func (c *MemoryContainer) OpenInput(_ context.Context, name string) (io.ReadCloser, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	data, ok := c.store.containers[c.path][name]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return io.NopCloser(bytes.NewReader(copied)), nil
}

func (c *MemoryContainer) CreateOutput(_ context.Context, name string) (io.WriteCloser, error) {
	return &memoryOutput{container: c, name: name}, nil
}

type memoryOutput struct {
	container *MemoryContainer
	name      string
	buf       bytes.Buffer
	closed    bool
}

func (o *memoryOutput) Write(p []byte) (int, error) {
	return o.buf.Write(p)
}

func (o *memoryOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	c := o.container
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	data := make([]byte, o.buf.Len())
	copy(data, o.buf.Bytes())
	c.store.containers[c.path][o.name] = data
	return nil
}
