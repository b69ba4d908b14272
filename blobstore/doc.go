// Package blobstore provides durable, name-addressed byte-blob persistence
// used to externalize and restore index state.
//
// A Store scopes blobs into Containers by hierarchical path. The
// filesystem implementation gives the crash-consistency contract the
// snapshot subsystem relies on: a successfully closed output is fully
// fsynced, data first and directory entry second, so a crash right after
// Close never leaves a missing or truncated blob. Object-store backends
// (s3, minio) live in subpackages.
package blobstore
