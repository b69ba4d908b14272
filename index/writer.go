package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/manifest"
	"github.com/quarrydb/quarry/model"
)

// Writer is the single mutator of a shard directory. It buffers operations
// in memory, folds them into immutable segment files on refresh, and makes
// them durable on commit (fsync of every new segment plus a manifest save).
//
// Refresh gives visibility without durability: refreshed segments are
// written but not fsynced and are not referenced by the durable manifest,
// so a crash between refresh and commit loses nothing that a translog
// replay cannot restore.
type Writer struct {
	mu        sync.Mutex
	fsys      fs.FileSystem
	dir       string
	manifests *manifest.Store

	committed *manifest.Manifest // last durable manifest
	visible   *manifest.Manifest // committed plus refreshed segments

	visibleGen uint64   // bumped on every visibility change
	unsynced   []string // segment paths written since the last commit

	pending []entry

	pins          map[string]int
	removeOnUnpin map[string]bool

	closed bool
}

// OpenWriter opens (or creates) the shard directory's writer.
func OpenWriter(fsys fs.FileSystem, dir string) (*Writer, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	manifests := manifest.NewStore(fsys, dir)
	m, err := manifests.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return &Writer{
		fsys:          fsys,
		dir:           dir,
		manifests:     manifests,
		committed:     m,
		visible:       m.Clone(),
		visibleGen:    m.Generation,
		pins:          make(map[string]int),
		removeOnUnpin: make(map[string]bool),
	}, nil
}

// AddDocument buffers an upsert. doc.Version must already be assigned.
func (w *Writer) AddDocument(doc model.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	var fields []byte
	if doc.Fields != nil {
		var err error
		fields, err = json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal document %q: %w", doc.ID, err)
		}
	}
	w.pending = append(w.pending, entry{kind: entryDocument, seqNo: doc.Version, id: doc.ID, fields: fields})
	return nil
}

// DeleteDocument buffers a tombstone.
func (w *Writer) DeleteDocument(id model.DocID, seqNo model.SeqNo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, entry{kind: entryTombstone, seqNo: seqNo, id: id})
	return nil
}

// PendingDoc returns the buffered (not yet refreshed) state of id: the last
// pending operation wins. ok is false when no pending operation touches id.
func (w *Writer) PendingDoc(id model.DocID) (doc model.Document, deleted bool, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.pending) - 1; i >= 0; i-- {
		e := w.pending[i]
		if e.id != id {
			continue
		}
		if e.kind == entryTombstone {
			return model.Document{}, true, true
		}
		d, err := e.document()
		if err != nil {
			// pending entries were marshaled by AddDocument, so this
			// cannot happen; treat as absent.
			return model.Document{}, false, false
		}
		return d, false, true
	}
	return model.Document{}, false, false
}

// HasUncommitted reports whether a commit would change durable state.
func (w *Writer) HasUncommitted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) > 0 || len(w.unsynced) > 0
}

// VisibleGen returns the current visibility generation.
func (w *Writer) VisibleGen() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visibleGen
}

// VisibleManifest returns a copy of the manifest describing everything a
// new reader should see, and the matching visibility generation.
func (w *Writer) VisibleManifest() (*manifest.Manifest, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible.Clone(), w.visibleGen
}

// CommittedManifest returns a copy of the last durable manifest.
func (w *Writer) CommittedManifest() *manifest.Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed.Clone()
}

// Refresh folds pending operations into a new visible segment without
// fsyncing anything. It reports whether visibility changed.
func (w *Writer) Refresh() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false, ErrWriterClosed
	}
	return w.refreshLocked()
}

func (w *Writer) refreshLocked() (bool, error) {
	if len(w.pending) == 0 {
		return false, nil
	}

	num := w.visible.NextSegment
	name := segmentName(num)
	fileName := segmentFileName(num)

	data, err := encodeSegment(w.pending)
	if err != nil {
		return false, err
	}
	if err := w.writeFile(fileName, data, false); err != nil {
		return false, err
	}

	w.visible.NextSegment = num + 1
	w.visible.Segments = append(w.visible.Segments, manifest.Segment{
		Name:      name,
		Path:      fileName,
		DocCount:  len(w.pending),
		SizeBytes: int64(len(data)),
	})
	w.unsynced = append(w.unsynced, fileName)
	w.pending = nil
	w.visibleGen++
	return true, nil
}

// Commit makes all visible segments durable: every unsynced segment file is
// fsynced, the directory entry is fsynced, and a new manifest generation is
// saved. maxSeqNo records the translog position covered by this commit.
func (w *Writer) Commit(maxSeqNo model.SeqNo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}

	if _, err := w.refreshLocked(); err != nil {
		return err
	}
	if len(w.unsynced) == 0 && w.visible.MaxSeqNo == uint64(maxSeqNo) {
		return nil
	}

	for _, fileName := range w.unsynced {
		if err := w.syncFile(fileName); err != nil {
			return fmt.Errorf("failed to sync segment %s: %w", fileName, err)
		}
	}
	if err := fs.SyncDir(w.fsys, w.dir); err != nil {
		return err
	}

	m := w.visible.Clone()
	m.MaxSeqNo = uint64(maxSeqNo)
	// Stamp newly committed segments with the generation about to be saved.
	for i := range m.Segments {
		if m.Segments[i].Generation == 0 {
			m.Segments[i].Generation = m.Generation + 1
		}
	}
	if err := w.manifests.Save(m); err != nil {
		return err
	}

	w.committed = m
	w.visible = m.Clone()
	w.unsynced = nil
	w.visibleGen++
	return nil
}

// Merge rewrites all live documents into a single segment and commits a
// manifest referencing only it. Replaced segment files are removed unless a
// pinned commit still needs them.
func (w *Writer) Merge(maxSeqNo model.SeqNo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}

	if _, err := w.refreshLocked(); err != nil {
		return err
	}
	if len(w.visible.Segments) <= 1 {
		return nil
	}

	r, err := OpenReader(w.dir, w.visible, w.visibleGen)
	if err != nil {
		return err
	}
	live := r.liveEntries()
	// Entries alias the reader's mappings; detach before closing it.
	merged := make([]entry, len(live))
	for i, e := range live {
		merged[i] = entry{kind: e.kind, seqNo: e.seqNo, id: e.id, fields: append([]byte(nil), e.fields...)}
	}
	if err := r.Close(); err != nil {
		return err
	}

	num := w.visible.NextSegment
	name := segmentName(num)
	fileName := segmentFileName(num)
	data, err := encodeSegment(merged)
	if err != nil {
		return err
	}
	if err := w.writeFile(fileName, data, true); err != nil {
		return err
	}
	if err := fs.SyncDir(w.fsys, w.dir); err != nil {
		return err
	}

	old := w.visible.Segments
	m := w.visible.Clone()
	m.NextSegment = num + 1
	m.MaxSeqNo = uint64(maxSeqNo)
	m.Segments = []manifest.Segment{{
		Name:       name,
		Path:       fileName,
		DocCount:   len(merged),
		SizeBytes:  int64(len(data)),
		Generation: m.Generation + 1,
	}}
	if err := w.manifests.Save(m); err != nil {
		return err
	}

	w.committed = m
	w.visible = m.Clone()
	w.unsynced = nil
	w.visibleGen++

	for _, seg := range old {
		w.removeIfUnpinnedLocked(seg.Path)
	}
	return nil
}

// PinnedCommit is a point-in-time handle on a durable commit for backup.
// While a commit is pinned its files are protected from merge cleanup.
type PinnedCommit struct {
	Generation uint64
	Files      []string // manifest file plus every segment file

	writer *Writer
	once   sync.Once
}

// Release unpins the commit. Idempotent.
func (p *PinnedCommit) Release() {
	p.once.Do(func() {
		p.writer.unpin(p.Files)
	})
}

// PinCommit pins the last committed manifest and returns its handle.
func (w *Writer) PinCommit() (*PinnedCommit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWriterClosed
	}

	files := []string{manifest.FileName(w.committed.Generation)}
	for _, seg := range w.committed.Segments {
		files = append(files, seg.Path)
	}
	for _, f := range files {
		w.pins[f]++
	}
	return &PinnedCommit{Generation: w.committed.Generation, Files: files, writer: w}, nil
}

func (w *Writer) unpin(files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range files {
		if w.pins[f]--; w.pins[f] <= 0 {
			delete(w.pins, f)
			if w.removeOnUnpin[f] {
				delete(w.removeOnUnpin, f)
				w.fsys.Remove(filepath.Join(w.dir, f))
			}
		}
	}
}

func (w *Writer) removeIfUnpinnedLocked(fileName string) {
	if w.pins[fileName] > 0 {
		w.removeOnUnpin[fileName] = true
		return
	}
	w.fsys.Remove(filepath.Join(w.dir, fileName))
}

func (w *Writer) writeFile(fileName string, data []byte, sync bool) error {
	f, err := w.fsys.OpenFile(filepath.Join(w.dir, fileName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func (w *Writer) syncFile(fileName string) error {
	f, err := w.fsys.OpenFile(filepath.Join(w.dir, fileName), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Close discards buffered operations. Refreshed-but-uncommitted segments
// stay on disk; they are unreachable without a manifest reference and are
// reclaimed by the next merge.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.pending = nil
	return nil
}
