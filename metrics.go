package quarry

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives per-operation measurements from shards.
// Implement it to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordIndex is called after each index, create or delete
	// operation. err is nil on success.
	RecordIndex(duration time.Duration, err error)

	// RecordGet is called after each get. found reports whether the
	// document existed.
	RecordGet(duration time.Duration, found bool, err error)

	// RecordRefresh is called after each refresh.
	RecordRefresh(duration time.Duration, err error)

	// RecordFlush is called after each flush, including ones skipped
	// because nothing was uncommitted.
	RecordFlush(duration time.Duration, err error)
}

// NoopMetricsCollector discards every measurement.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIndex(time.Duration, error)     {}
func (NoopMetricsCollector) RecordGet(time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordRefresh(time.Duration, error)   {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)     {}

// BasicMetricsCollector counts operations in memory. Useful for debugging
// and tests without an external monitoring system.
type BasicMetricsCollector struct {
	IndexCount    atomic.Int64
	IndexErrors   atomic.Int64
	GetCount      atomic.Int64
	GetMisses     atomic.Int64
	RefreshCount  atomic.Int64
	FlushCount    atomic.Int64
	FlushErrors   atomic.Int64
	RefreshErrors atomic.Int64
}

func (m *BasicMetricsCollector) RecordIndex(_ time.Duration, err error) {
	m.IndexCount.Add(1)
	if err != nil {
		m.IndexErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordGet(_ time.Duration, found bool, err error) {
	m.GetCount.Add(1)
	if err == nil && !found {
		m.GetMisses.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordRefresh(_ time.Duration, err error) {
	m.RefreshCount.Add(1)
	if err != nil {
		m.RefreshErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordFlush(_ time.Duration, err error) {
	m.FlushCount.Add(1)
	if err != nil {
		m.FlushErrors.Add(1)
	}
}
