package aspectstore

import (
	"sync/atomic"
)

// Metrics is a point-in-time snapshot of store activity, exposed through
// the service metrics endpoint.
type Metrics struct {
	Writes                          uint64
	Conflicts                       uint64
	Reads                           uint64
	TimeseriesReceived              uint64
	TimeseriesInserted              uint64
	RetentionDeleted                uint64
	RestoreRowsEmitted              uint64
	TimeseriesChannelFillPercentage float64
}

type storeMetrics struct {
	writes             atomic.Uint64
	conflicts          atomic.Uint64
	reads              atomic.Uint64
	timeseriesReceived atomic.Uint64
	timeseriesInserted atomic.Uint64
	retentionDeleted   atomic.Uint64
	restoreRowsEmitted atomic.Uint64
}

func newStoreMetrics() *storeMetrics {
	return &storeMetrics{}
}

// GetMetrics returns a snapshot of the store counters.
func (s *Store) GetMetrics() Metrics {
	fill := float64(0)
	if cap(s.tsChannel) > 0 {
		fill = float64(len(s.tsChannel)) / float64(cap(s.tsChannel)) * 100
	}
	return Metrics{
		Writes:                          s.metrics.writes.Load(),
		Conflicts:                       s.metrics.conflicts.Load(),
		Reads:                           s.metrics.reads.Load(),
		TimeseriesReceived:              s.metrics.timeseriesReceived.Load(),
		TimeseriesInserted:              s.metrics.timeseriesInserted.Load(),
		RetentionDeleted:                s.metrics.retentionDeleted.Load(),
		RestoreRowsEmitted:              s.metrics.restoreRowsEmitted.Load(),
		TimeseriesChannelFillPercentage: fill,
	}
}
