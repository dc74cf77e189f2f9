package processor

import "sync/atomic"

// Metrics is a point-in-time snapshot of processor activity.
type Metrics struct {
	Received        uint64
	Rejected        uint64
	Denied          uint64
	Committed       uint64
	Conflicts       uint64
	Deduplicated    uint64
	Published       uint64
	PublishFailures uint64
	RetryQueueDepth uint64
}

type processorMetrics struct {
	received        atomic.Uint64
	rejected        atomic.Uint64
	denied          atomic.Uint64
	committed       atomic.Uint64
	conflicts       atomic.Uint64
	deduplicated    atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
}

func newProcessorMetrics() *processorMetrics {
	return &processorMetrics{}
}

func (p *Processor) GetMetrics() Metrics {
	m := Metrics{
		Received:        p.metrics.received.Load(),
		Rejected:        p.metrics.rejected.Load(),
		Denied:          p.metrics.denied.Load(),
		Committed:       p.metrics.committed.Load(),
		Conflicts:       p.metrics.conflicts.Load(),
		Deduplicated:    p.metrics.deduplicated.Load(),
		Published:       p.metrics.published.Load(),
		PublishFailures: p.metrics.publishFailures.Load(),
	}
	if p.retryQueue != nil {
		m.RetryQueueDepth = p.retryQueue.length()
	}
	return m
}
