package index

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quarrydb/quarry/internal/mmap"
	"github.com/quarrydb/quarry/manifest"
	"github.com/quarrydb/quarry/model"
)

// segmentView is one opened segment: its mapping, decoded entries and the
// set of entries shadowed by newer segments.
type segmentView struct {
	name       string
	generation uint64
	mapping    *mmap.File
	entries    []entry
	deleted    *roaring.Bitmap
}

// docRef locates the live entry for a document id.
type docRef struct {
	seg   int
	entry int
}

// Reader is an immutable point-in-time view over the segments listed in one
// manifest. Segment files are memory mapped and stay open until Close, so a
// Reader remains self-consistent even if the directory gains new segments
// or a merge replaces old ones.
type Reader struct {
	generation uint64
	segments   []*segmentView
	byID       map[model.DocID]docRef
	closed     atomic.Bool
}

// OpenReader opens every segment named by m (paths relative to dir) and
// resolves newest-wins visibility: a document or tombstone in a later
// segment shadows any earlier entry with the same id. generation tags the
// resulting view; callers use it to detect stale snapshots.
func OpenReader(dir string, m *manifest.Manifest, generation uint64) (*Reader, error) {
	r := &Reader{
		generation: generation,
		byID:       make(map[model.DocID]docRef),
	}

	for _, seg := range m.Segments {
		path := filepath.Join(dir, seg.Path)
		mapping, err := mmap.Open(path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open segment %s: %w", seg.Name, err)
		}
		entries, err := decodeSegment(seg.Path, mapping.Bytes())
		if err != nil {
			mapping.Close()
			r.Close()
			return nil, err
		}
		r.segments = append(r.segments, &segmentView{
			name:       seg.Name,
			generation: seg.Generation,
			mapping:    mapping,
			entries:    entries,
			deleted:    roaring.New(),
		})
	}

	// Segments are listed oldest first; replay them in order.
	for si, sv := range r.segments {
		for ei, e := range sv.entries {
			if old, ok := r.byID[e.id]; ok {
				r.segments[old.seg].deleted.Add(uint32(old.entry))
			}
			switch e.kind {
			case entryDocument:
				r.byID[e.id] = docRef{seg: si, entry: ei}
			case entryTombstone:
				delete(r.byID, e.id)
				sv.deleted.Add(uint32(ei))
			}
		}
	}
	return r, nil
}

// Generation returns the view's generation tag.
func (r *Reader) Generation() uint64 {
	return r.generation
}

// Get returns the live document with the given id, if any.
func (r *Reader) Get(id model.DocID) (model.Document, bool, error) {
	ref, ok := r.byID[id]
	if !ok {
		return model.Document{}, false, nil
	}
	doc, err := r.segments[ref.seg].entries[ref.entry].document()
	if err != nil {
		return model.Document{}, false, err
	}
	return doc, true, nil
}

// Match returns every live document whose field equals value. A linear scan
// is sufficient at this layer; query execution proper sits above the engine.
func (r *Reader) Match(field, value string) ([]model.Document, error) {
	var out []model.Document
	for _, sv := range r.segments {
		for ei, e := range sv.entries {
			if e.kind != entryDocument || sv.deleted.Contains(uint32(ei)) {
				continue
			}
			doc, err := e.document()
			if err != nil {
				return nil, err
			}
			if doc.Fields[field] == value {
				out = append(out, doc)
			}
		}
	}
	return out, nil
}

// LiveCount returns the number of visible documents.
func (r *Reader) LiveCount() int {
	return len(r.byID)
}

// Segments returns per-segment statistics for this view. Committed flags
// are left to the caller, which knows the durable manifest.
func (r *Reader) Segments() []model.SegmentDescriptor {
	out := make([]model.SegmentDescriptor, 0, len(r.segments))
	for _, sv := range r.segments {
		out = append(out, model.SegmentDescriptor{
			Name:       sv.name,
			Generation: sv.generation,
			DocCount:   len(sv.entries),
			DelCount:   int(sv.deleted.GetCardinality()),
			SizeBytes:  sv.mapping.Size(),
			Searchable: true,
		})
	}
	return out
}

// liveEntries returns all visible entries oldest first. Used by merges.
func (r *Reader) liveEntries() []entry {
	var out []entry
	for _, sv := range r.segments {
		for ei, e := range sv.entries {
			if e.kind == entryDocument && !sv.deleted.Contains(uint32(ei)) {
				out = append(out, e)
			}
		}
	}
	return out
}

// Close unmaps all segments. Safe to call more than once.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, sv := range r.segments {
		if cerr := sv.mapping.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
