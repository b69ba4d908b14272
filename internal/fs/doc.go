// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with read/write/sync capabilities
//   - [FileSystem]: filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: production implementation using the standard os package
//   - [FaultyFS]: test utility for fault injection (simulate I/O errors)
//
// Production code uses fs.Default (which is [LocalFS]). Tests inject
// [FaultyFS] to simulate write limits, failing fsyncs, or failing closes,
// and to observe sync calls on paths that must never be synced.
//
// This package intentionally does NOT take context.Context parameters.
// Local filesystem operations are fast and non-interruptible at the syscall
// level; cancellation belongs to the blob layer, which can actually block.
package fs
