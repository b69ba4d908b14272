// Package engine implements the per-shard storage engine: the component
// mediating all reads and writes against a shard's on-disk index segments.
//
// The read-write InternalEngine composes an index writer, a translog and a
// searcher view; the read-only ShadowEngine serves state produced
// elsewhere and advances purely by re-reading the store's committed
// manifest. Both share one state machine: Open, then Closing, then Closed,
// with a one-way Failed latch that preserves the first unrecoverable error
// for diagnostics.
package engine
