// Package index provides the segment writer/reader primitives underneath
// the engine: durable commits, point-in-time readers and segment
// enumeration over a directory of immutable segment files.
//
// A segment file is an append-only batch of documents and tombstones with a
// CRC32 footer. Visibility is newest-wins across segments in manifest
// order. The [Writer] is the only mutator; [Reader] views are immutable and
// safe for concurrent use.
package index
