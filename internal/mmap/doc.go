// Package mmap provides read-only memory mapping of segment files.
//
// Mappings are used by segment readers for random access without per-read
// syscalls. A mapping stays valid until Close; closing while readers hold
// slices into it is a caller bug, which is why the engine layer reference
// counts everything above this package.
package mmap
