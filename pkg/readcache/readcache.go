// Package readcache fronts the aspect store with a bounded in-process
// cache for hot read paths. Entries expire by TTL only; writes do not
// invalidate remote instances, so per-aspect TTLs bound the staleness a
// reader can observe.
package readcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"github.com/rung/go-safecast"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/registry"
)

const defaultSizeBytes = 64 * 1024 * 1024

// Reader is the read slice of the aspect store.
type Reader interface {
	GetLatest(ctx context.Context, urn datamodel.Urn, aspect string) (*datamodel.AspectRecord, error)
	BatchGetLatest(ctx context.Context, urns []datamodel.Urn, aspects []string) (map[datamodel.Urn]map[string]*datamodel.AspectRecord, error)
}

// Cache is a read-through cache over the latest aspect versions. Aspects
// with a zero CacheTTL in the registry bypass it entirely.
type Cache struct {
	reader   Reader
	registry *registry.Registry
	cache    *freecache.Cache

	hits     atomic.Uint64
	misses   atomic.Uint64
	bypassed atomic.Uint64
}

// Metrics is a point-in-time snapshot of cache effectiveness.
type Metrics struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Bypassed uint64 `json:"bypassed"`
	Evacuate int64  `json:"evacuate"`
}

func New(reader Reader, reg *registry.Registry, sizeBytes int) *Cache {
	if sizeBytes <= 0 {
		sizeBytes = defaultSizeBytes
	}
	return &Cache{
		reader:   reader,
		registry: reg,
		cache:    freecache.NewCache(sizeBytes),
	}
}

// NewFromEnv sizes the cache from READ_CACHE_SIZE_BYTES.
func NewFromEnv(reader Reader, reg *registry.Registry) (*Cache, error) {
	sizeBytes, err := env.GetAsInt("READ_CACHE_SIZE_BYTES", false, defaultSizeBytes)
	if err != nil {
		return nil, err
	}
	return New(reader, reg, sizeBytes), nil
}

// GetLatest is the cache-aside read. Absence is cached too, so repeated
// misses on never-written aspects stay off the store.
func (c *Cache) GetLatest(ctx context.Context, urn datamodel.Urn, aspect string) (*datamodel.AspectRecord, error) {
	ttlSeconds := c.ttlSeconds(urn.EntityType, aspect)
	if ttlSeconds <= 0 {
		c.bypassed.Add(1)
		return c.reader.GetLatest(ctx, urn, aspect)
	}

	key := cacheKey(urn, aspect)
	if cached, err := c.cache.Get(key); err == nil {
		c.hits.Add(1)
		return decodeRecord(cached)
	}
	c.misses.Add(1)

	record, err := c.reader.GetLatest(ctx, urn, aspect)
	if err != nil {
		return nil, err
	}
	c.fill(key, record, ttlSeconds)
	return record, nil
}

// BatchGetLatest serves cacheable pairs from memory and fetches the rest
// in one store round trip.
func (c *Cache) BatchGetLatest(ctx context.Context, urns []datamodel.Urn, aspects []string) (map[datamodel.Urn]map[string]*datamodel.AspectRecord, error) {
	result := make(map[datamodel.Urn]map[string]*datamodel.AspectRecord, len(urns))

	missUrns := make(map[datamodel.Urn]bool)
	missAspects := make(map[string]bool)
	for _, urn := range urns {
		for _, aspect := range aspects {
			ttlSeconds := c.ttlSeconds(urn.EntityType, aspect)
			if ttlSeconds > 0 {
				if cached, err := c.cache.Get(cacheKey(urn, aspect)); err == nil {
					c.hits.Add(1)
					record, decodeErr := decodeRecord(cached)
					if decodeErr == nil {
						if record != nil {
							putRecord(result, urn, aspect, record)
						}
						continue
					}
				}
				c.misses.Add(1)
			} else {
				c.bypassed.Add(1)
			}
			missUrns[urn] = true
			missAspects[aspect] = true
		}
	}
	if len(missUrns) == 0 {
		return result, nil
	}

	fetched, err := c.reader.BatchGetLatest(ctx, maps.Keys(missUrns), maps.Keys(missAspects))
	if err != nil {
		return nil, err
	}
	for urn := range missUrns {
		for aspect := range missAspects {
			record := fetched[urn][aspect]
			if ttlSeconds := c.ttlSeconds(urn.EntityType, aspect); ttlSeconds > 0 {
				c.fill(cacheKey(urn, aspect), record, ttlSeconds)
			}
			if record != nil {
				putRecord(result, urn, aspect, record)
			}
		}
	}
	return result, nil
}

// Invalidate drops the local entry after a write through this instance.
func (c *Cache) Invalidate(urn datamodel.Urn, aspect string) {
	c.cache.Del(cacheKey(urn, aspect))
}

func (c *Cache) GetMetrics() Metrics {
	return Metrics{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Bypassed: c.bypassed.Load(),
		Evacuate: c.cache.EvacuateCount(),
	}
}

func (c *Cache) ttlSeconds(entityType, aspect string) int32 {
	spec, err := c.registry.AspectSpec(entityType, aspect)
	if err != nil || spec.CacheTTL <= 0 {
		return 0
	}
	seconds, err := safecast.Int32(int(spec.CacheTTL / time.Second))
	if err != nil {
		return 1<<31 - 1
	}
	return seconds
}

func (c *Cache) fill(key []byte, record *datamodel.AspectRecord, ttlSeconds int32) {
	var value []byte
	if record != nil {
		encoded, err := json.Marshal(record)
		if err != nil {
			zap.S().Warnf("Failed to encode record for cache: %s", err)
			return
		}
		value = encoded
	}
	if err := c.cache.Set(key, value, int(ttlSeconds)); err != nil {
		zap.S().Debugf("Failed to cache record: %s", err)
	}
}

func cacheKey(urn datamodel.Urn, aspect string) []byte {
	return internal.AsXXHash([]byte(urn.String()), []byte(aspect))
}

// decodeRecord maps the cached-absence marker (empty value) back to nil.
func decodeRecord(cached []byte) (*datamodel.AspectRecord, error) {
	if len(cached) == 0 {
		return nil, nil
	}
	var record datamodel.AspectRecord
	if err := json.Unmarshal(cached, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func putRecord(result map[datamodel.Urn]map[string]*datamodel.AspectRecord, urn datamodel.Urn, aspect string, record *datamodel.AspectRecord) {
	byAspect, ok := result[urn]
	if !ok {
		byAspect = make(map[string]*datamodel.AspectRecord)
		result[urn] = byAspect
	}
	byAspect[aspect] = record
}
