package eventbus

import (
	"context"
	"sync"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

// MemoryBus is an in-process Publisher and Subscriber. Publish delivers
// synchronously to every matching subscription in subscription order, so
// per-urn ordering holds trivially. Used in tests and single-binary
// deployments without a broker.
type MemoryBus struct {
	mu        sync.Mutex
	subs      []*memorySub
	published []*datamodel.MetadataChangeLog
}

type memorySub struct {
	entityTypes map[string]bool
	handler     Handler
	ctx         context.Context
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, event *datamodel.MetadataChangeLog) error {
	if _, err := EncodeEvent(event); err != nil {
		return err
	}

	b.mu.Lock()
	b.published = append(b.published, event)
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil || !sub.entityTypes[event.EntityType] {
			continue
		}
		if err := sub.handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers the handler and blocks until ctx is cancelled,
// matching the broker-backed subscriber's contract.
func (b *MemoryBus) Subscribe(ctx context.Context, entityTypes []string, handler Handler) error {
	b.Register(ctx, entityTypes, handler)
	<-ctx.Done()
	return ctx.Err()
}

// Register is the non-blocking form of Subscribe.
func (b *MemoryBus) Register(ctx context.Context, entityTypes []string, handler Handler) {
	types := make(map[string]bool, len(entityTypes))
	for _, entityType := range entityTypes {
		types[entityType] = true
	}

	b.mu.Lock()
	b.subs = append(b.subs, &memorySub{entityTypes: types, handler: handler, ctx: ctx})
	b.mu.Unlock()
}

// Published returns a snapshot of every event published so far.
func (b *MemoryBus) Published() []*datamodel.MetadataChangeLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*datamodel.MetadataChangeLog, len(b.published))
	copy(out, b.published)
	return out
}

func (b *MemoryBus) Close() error {
	return nil
}
