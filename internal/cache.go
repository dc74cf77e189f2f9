package internal

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// TieredCache layers a short-lived in-process cache over redis. Reads
// check memory first, then redis, writing redis hits back to memory.
// Redis may be nil, leaving a memory-only cache.
type TieredCache struct {
	rdb      *redis.Client
	memCache *cache.Cache

	memoryExpiration time.Duration
	redisExpiration  time.Duration
}

func NewTieredCache(rdb *redis.Client, memoryExpiration, redisExpiration time.Duration) *TieredCache {
	if memoryExpiration <= 0 {
		memoryExpiration = 10 * time.Second
	}
	if redisExpiration <= 0 {
		redisExpiration = 12 * time.Hour
	}
	return &TieredCache{
		rdb:              rdb,
		memCache:         cache.New(memoryExpiration, 2*memoryExpiration),
		memoryExpiration: memoryExpiration,
		redisExpiration:  redisExpiration,
	}
}

// GetTiered attempts to get key from the memory cache, falling back to
// redis.
func (t *TieredCache) GetTiered(ctx context.Context, key string) (cached bool, value []byte) {
	if raw, found := t.memCache.Get(key); found {
		if bytes, ok := raw.([]byte); ok {
			return true, bytes
		}
	}
	if t.rdb == nil {
		return false, nil
	}

	redisCtx, cancel := context.WithTimeout(ctx, t.memoryExpiration)
	defer cancel()

	value, err := t.rdb.Get(redisCtx, key).Bytes()
	if err != nil {
		return false, nil
	}

	t.memCache.SetDefault(key, value)
	return true, value
}

// SetTiered sets both tiers.
func (t *TieredCache) SetTiered(ctx context.Context, key string, value []byte) {
	t.memCache.SetDefault(key, value)
	if t.rdb == nil {
		return
	}
	if err := t.rdb.Set(ctx, key, value, t.redisExpiration).Err(); err != nil {
		zap.S().Debugf("Failed to write %s to redis tier: %s", key, err)
	}
}

// DeleteTiered drops the key from both tiers.
func (t *TieredCache) DeleteTiered(ctx context.Context, key string) {
	t.memCache.Delete(key)
	if t.rdb == nil {
		return
	}
	if err := t.rdb.Del(ctx, key).Err(); err != nil {
		zap.S().Debugf("Failed to delete %s from redis tier: %s", key, err)
	}
}

// IsRedisAvailable pings the redis tier.
func (t *TieredCache) IsRedisAvailable(ctx context.Context) bool {
	if t.rdb == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, TenSeconds)
	defer cancel()
	return t.rdb.Ping(pingCtx).Val() == "PONG"
}
