package model

import (
	"fmt"
)

// ShardID identifies a single shard of an index.
type ShardID struct {
	Index string
	ID    int
}

// String returns a string representation of the ShardID.
func (s ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index, s.ID)
}

// DocID is the user-facing stable identifier of a document.
type DocID string

// SeqNo is a shard-local, monotonically increasing operation number.
// It doubles as the document version: the last operation that touched a
// document determines its visible version.
type SeqNo uint64

// Document is a stored document. Fields is a flat field->value mapping;
// the engine treats field contents as opaque.
type Document struct {
	ID      DocID             `json:"id"`
	Fields  map[string]string `json:"fields,omitempty"`
	Version SeqNo             `json:"version"`
}

// SegmentDescriptor describes a single on-disk segment as seen by a reader
// or reported by Engine.Segments.
type SegmentDescriptor struct {
	// Name is the segment name, e.g. "seg-000004".
	Name string
	// Generation is the manifest generation that introduced the segment.
	Generation uint64
	// DocCount is the number of documents written into the segment,
	// including ones later deleted.
	DocCount int
	// DelCount is the number of documents in the segment shadowed by
	// newer writes or tombstones.
	DelCount int
	// SizeBytes is the on-disk size of the segment file.
	SizeBytes int64
	// Committed reports whether the segment is referenced by the last
	// durably committed manifest (as opposed to only a refresh).
	Committed bool
	// Searchable reports whether the segment is visible to searches.
	Searchable bool
}

// String returns a short diagnostic representation of the descriptor.
func (s SegmentDescriptor) String() string {
	return fmt.Sprintf("%s(docs=%d deleted=%d committed=%t)", s.Name, s.DocCount, s.DelCount, s.Committed)
}
