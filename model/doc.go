// Package model defines core types shared across the storage engine.
//
//   - ShardID: index name plus shard number
//   - DocID: user-facing stable document identifier
//   - SeqNo: shard-local operation number, doubles as document version
//   - Document: a stored document with opaque field values
//   - SegmentDescriptor: diagnostic view of one on-disk segment
package model
