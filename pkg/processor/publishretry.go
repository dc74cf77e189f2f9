package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beeker1121/goque"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/eventbus"
)

// publishRetryQueue persists events whose publish did not go through, so
// a crash between commit and publish does not lose the change-log entry.
// Ordering across the queue is best-effort only; consumers order on the
// event sequence anyway.
type publishRetryQueue struct {
	mu sync.Mutex
	pq *goque.PriorityQueue
}

func openPublishRetryQueue(path string) (*publishRetryQueue, error) {
	pq, err := goque.OpenPriorityQueue(path, goque.ASC)
	if err != nil {
		return nil, fmt.Errorf("failed to open publish retry queue at %s: %w", path, err)
	}
	return &publishRetryQueue{pq: pq}, nil
}

func (q *publishRetryQueue) enqueue(event *datamodel.MetadataChangeLog) error {
	value, err := eventbus.EncodeEvent(event)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err = q.pq.Enqueue(0, value)
	return err
}

func (q *publishRetryQueue) dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pq.Length() == 0 {
		return nil, false
	}
	item, err := q.pq.Dequeue()
	if err != nil {
		return nil, false
	}
	return item.Value, true
}

func (q *publishRetryQueue) length() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Length()
}

func (q *publishRetryQueue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Close()
}

// StartPublishRetryWorker drains the retry queue in the background. Call
// once from the owning service when a retry queue is configured.
func (p *Processor) StartPublishRetryWorker(ctx context.Context) {
	if p.retryQueue == nil {
		return
	}
	go p.publishRetryWorker(ctx)
}

func (p *Processor) publishRetryWorker(ctx context.Context) {
	zap.S().Debugf("Starting publish retry worker")
	var failures int64

	for {
		select {
		case <-ctx.Done():
			zap.S().Debugf("Publish retry worker shutting down")
			return
		case <-time.After(internal.GetBackoffTime(failures, 100*time.Millisecond, 10*time.Second) + 100*time.Millisecond):
		}

		value, ok := p.retryQueue.dequeue()
		if !ok {
			failures = 0
			continue
		}

		event, err := eventbus.DecodeEvent(value)
		if err != nil {
			zap.S().Errorf("Dropping undecodable event from retry queue: %s", err)
			continue
		}
		if err := p.publisher.Publish(ctx, event); err != nil {
			failures++
			p.metrics.publishFailures.Add(1)
			zap.S().Warnf("Retried publish of %s/%s seq %d failed: %s", event.Urn, event.Aspect, event.Sequence, err)
			if qErr := p.retryQueue.enqueue(event); qErr != nil {
				zap.S().Errorf("Failed to re-enqueue event, index gap until restore: %s", qErr)
			}
			continue
		}
		failures = 0
		p.metrics.published.Add(1)
	}
}

// Close releases the retry queue. The processor itself holds no other
// resources.
func (p *Processor) Close() error {
	if p.retryQueue != nil {
		return p.retryQueue.close()
	}
	return nil
}
