package quarry

import (
	"log/slog"

	"github.com/quarrydb/quarry/engine"
	"github.com/quarrydb/quarry/internal/fs"
	"github.com/quarrydb/quarry/model"
)

// TranslogFactory opens the write-ahead translog for a read-write shard.
// shardDir is the shard's data directory.
type TranslogFactory func(id model.ShardID, shardDir string) (engine.Translog, error)

type options struct {
	fsys     fs.FileSystem
	logger   *slog.Logger
	metrics  MetricsCollector
	translog TranslogFactory
}

// Option configures a Node.
type Option func(*options)

// WithFileSystem overrides the file system, e.g. for fault injection in
// tests. Default is the local file system.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		if fsys != nil {
			o.fsys = fsys
		}
	}
}

// WithLogger sets the structured logger. Default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsCollector sets the metrics sink. Default is a no-op.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTranslogFactory overrides how read-write shards open their translog.
// The default opens a durable file translog inside the shard directory;
// engine.NewMemoryTranslog suits tests that do not care about crashes.
func WithTranslogFactory(f TranslogFactory) Option {
	return func(o *options) {
		if f != nil {
			o.translog = f
		}
	}
}
