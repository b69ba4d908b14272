// Package manifest manages the committed segment manifest of a shard.
//
// The manifest is the ordered, versioned list of live segments. Each save
// writes an immutable MANIFEST-%06d.json file and then atomically repoints
// the CURRENT file at it, so a concurrent load either sees the previous
// manifest or the new one, never a mix.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarrydb/quarry/internal/fs"
)

const (
	ManifestPrefix  = "MANIFEST"
	CurrentFileName = "CURRENT"
	FormatVersion   = 1
)

// Manifest describes the committed state of a shard at a point in time.
// Generation advances by one on every save and never moves backwards.
type Manifest struct {
	Version     int       `json:"version"`
	Generation  uint64    `json:"generation"`
	NextSegment uint64    `json:"next_segment"`
	MaxSeqNo    uint64    `json:"max_seq_no"`
	Segments    []Segment `json:"segments"`
}

// Segment describes a single immutable segment file.
type Segment struct {
	Name      string `json:"name"`
	Path      string `json:"path"` // relative to the shard directory
	DocCount  int    `json:"doc_count"`
	SizeBytes int64  `json:"size_bytes"`
	// Generation is the manifest generation that first referenced the
	// segment. Zero for segments that have only been refreshed, never
	// committed.
	Generation uint64 `json:"generation,omitempty"`
}

// FileName returns the manifest file name for a generation.
func FileName(generation uint64) string {
	return fmt.Sprintf("%s-%06d.json", ManifestPrefix, generation)
}

// Clone returns a deep copy. Savers mutate their copy, never a loaded one.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = make([]Segment, len(m.Segments))
	copy(c.Segments, m.Segments)
	return &c
}

// Store manages the manifest files and atomic updates within one directory.
type Store struct {
	fs  fs.FileSystem
	dir string
	mu  sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(fsys fs.FileSystem, dir string) *Store {
	return &Store{fs: fsys, dir: dir}
}

// Load loads the manifest currently pointed at by CURRENT. A directory with
// no CURRENT file yields an empty manifest at generation zero.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readFile := func(path string) ([]byte, error) {
		f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := readFile(filepath.Join(s.dir, CurrentFileName))
	if os.IsNotExist(err) {
		return &Manifest{Version: FormatVersion}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := readFile(filepath.Join(s.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %q is unreadable: %w", string(content), err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, FormatVersion)
	}
	return &m, nil
}

// Save durably persists m under the next generation and repoints CURRENT.
// On return m.Generation has been advanced.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = FormatVersion
	m.Generation++

	filename := FileName(m.Generation)
	path := filepath.Join(s.dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writeFileSynced(path, data); err != nil {
		return err
	}
	if err := fs.SyncDir(s.fs, s.dir); err != nil {
		return err
	}

	// Repoint CURRENT only after the manifest file itself is durable.
	currentPath := filepath.Join(s.dir, CurrentFileName)
	if err := s.writeFileSynced(currentPath, []byte(filename)); err != nil {
		return err
	}
	return fs.SyncDir(s.fs, s.dir)
}

// writeFileSynced writes data to path via a temp file, fsyncs it and renames
// it into place. The rename makes the update atomic for concurrent readers.
func (s *Store) writeFileSynced(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := s.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	return nil
}
