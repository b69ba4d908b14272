package quarry

import "errors"

var (
	// ErrNodeClosed is returned by node operations after Close.
	ErrNodeClosed = errors.New("node is closed")

	// ErrShardExists is returned by OpenShard and OpenShadowShard when
	// the shard is already open on this node.
	ErrShardExists = errors.New("shard is already open")

	// ErrShardNotFound is returned when the shard is not open on this
	// node.
	ErrShardNotFound = errors.New("shard not found")
)
