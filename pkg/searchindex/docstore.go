package searchindex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

const (
	docKeyPrefix   = "mh:doc:"
	urnSetPrefix   = "mh:urns:"
	facetKeyPrefix = "mh:facet:"
)

// DocStore is the slice of the search backend the indexer needs. The
// production implementation is redis; tests use an in-memory fake.
type DocStore interface {
	// GetDoc returns the document fields of one urn, nil if absent.
	GetDoc(ctx context.Context, urn string) (map[string]string, error)
	// SetDoc applies field updates and deletions to one document and
	// registers the urn under its entity type.
	SetDoc(ctx context.Context, urn, entityType string, set map[string]string, del []string) error
	// DeleteDoc removes the document and its entity-type registration.
	DeleteDoc(ctx context.Context, urn, entityType string) error
	AddFacet(ctx context.Context, facetKey, urn string) error
	RemoveFacet(ctx context.Context, facetKey, urn string) error
	// Urns lists every registered urn of one entity type.
	Urns(ctx context.Context, entityType string) ([]string, error)
	// FacetMembers lists the urns in one facet set, for query serving.
	FacetMembers(ctx context.Context, facetKey string) ([]string, error)
	Ping(ctx context.Context) error
}

// FacetKey builds the set key for one (entityType, field, value) facet.
func FacetKey(entityType, field, value string) string {
	return facetKeyPrefix + entityType + ":" + field + ":" + value
}

// RedisDocStore stores documents as hashes and facets as sets.
type RedisDocStore struct {
	rdb *redis.Client
}

func NewRedisDocStore(rdb *redis.Client) *RedisDocStore {
	return &RedisDocStore{rdb: rdb}
}

// Client exposes the underlying connection for components that share it,
// e.g. a response cache living in the same redis.
func (s *RedisDocStore) Client() *redis.Client {
	return s.rdb
}

// ConnectRedis builds a client from REDIS_URI / REDIS_PASSWORD / REDIS_DB.
func ConnectRedis(ctx context.Context) (*RedisDocStore, error) {
	uri, err := env.GetAsString("REDIS_URI", true, "")
	if err != nil {
		return nil, err
	}
	password, err := env.GetAsString("REDIS_PASSWORD", false, "")
	if err != nil {
		return nil, err
	}
	db, err := env.GetAsInt("REDIS_DB", false, 0)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: uri, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if statusCmd := rdb.Ping(pingCtx); statusCmd.Val() != "PONG" {
		return nil, fmt.Errorf("failed to reach redis at %s: %s", uri, statusCmd.Err())
	}
	zap.S().Infof("Connected to redis at %s [db %d]", uri, db)
	return NewRedisDocStore(rdb), nil
}

func (s *RedisDocStore) GetDoc(ctx context.Context, urn string) (map[string]string, error) {
	doc, err := s.rdb.HGetAll(ctx, docKeyPrefix+urn).Result()
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, nil
	}
	return doc, nil
}

func (s *RedisDocStore) SetDoc(ctx context.Context, urn, entityType string, set map[string]string, del []string) error {
	pipe := s.rdb.TxPipeline()
	if len(set) > 0 {
		fields := make([]interface{}, 0, len(set)*2)
		for k, v := range set {
			fields = append(fields, k, v)
		}
		pipe.HSet(ctx, docKeyPrefix+urn, fields...)
	}
	if len(del) > 0 {
		pipe.HDel(ctx, docKeyPrefix+urn, del...)
	}
	pipe.SAdd(ctx, urnSetPrefix+entityType, urn)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisDocStore) DeleteDoc(ctx context.Context, urn, entityType string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, docKeyPrefix+urn)
	pipe.SRem(ctx, urnSetPrefix+entityType, urn)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisDocStore) AddFacet(ctx context.Context, facetKey, urn string) error {
	return s.rdb.SAdd(ctx, facetKey, urn).Err()
}

func (s *RedisDocStore) RemoveFacet(ctx context.Context, facetKey, urn string) error {
	return s.rdb.SRem(ctx, facetKey, urn).Err()
}

func (s *RedisDocStore) Urns(ctx context.Context, entityType string) ([]string, error) {
	return s.rdb.SMembers(ctx, urnSetPrefix+entityType).Result()
}

func (s *RedisDocStore) FacetMembers(ctx context.Context, facetKey string) ([]string, error) {
	if !strings.HasPrefix(facetKey, facetKeyPrefix) {
		return nil, fmt.Errorf("not a facet key: %q", facetKey)
	}
	return s.rdb.SMembers(ctx, facetKey).Result()
}

func (s *RedisDocStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
