package readcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/umh-utils/logger"

	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/registry"
)

const testRegistryYaml = `
entities:
  - name: dataset
    aspects:
      - name: datasetKey
        key: true
      - name: datasetProperties
        cacheTTLSeconds: 300
      - name: status
`

// countingReader serves canned records and counts store round trips.
type countingReader struct {
	records map[string]*datamodel.AspectRecord
	gets    int
	batches int
}

func (r *countingReader) GetLatest(_ context.Context, urn datamodel.Urn, aspect string) (*datamodel.AspectRecord, error) {
	r.gets++
	return r.records[urn.String()+"|"+aspect], nil
}

func (r *countingReader) BatchGetLatest(_ context.Context, urns []datamodel.Urn, aspects []string) (map[datamodel.Urn]map[string]*datamodel.AspectRecord, error) {
	r.batches++
	result := make(map[datamodel.Urn]map[string]*datamodel.AspectRecord)
	for _, urn := range urns {
		for _, aspect := range aspects {
			if record := r.records[urn.String()+"|"+aspect]; record != nil {
				if result[urn] == nil {
					result[urn] = make(map[string]*datamodel.AspectRecord)
				}
				result[urn][aspect] = record
			}
		}
	}
	return result, nil
}

func testRecord(urn datamodel.Urn, aspect, payload string) *datamodel.AspectRecord {
	return &datamodel.AspectRecord{
		Urn:         urn,
		Aspect:      aspect,
		Payload:     []byte(payload),
		ContentType: datamodel.ContentTypeJSON,
		Audit:       datamodel.AuditStamp{Actor: "urn:mh:corpuser:jane", Time: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		Fingerprint: "abc",
	}
}

func createCache(t *testing.T) (*Cache, *countingReader) {
	_ = logger.New("DEVELOPMENT")
	reg, err := registry.Load([]byte(testRegistryYaml))
	require.NoError(t, err)
	reader := &countingReader{records: make(map[string]*datamodel.AspectRecord)}
	return New(reader, reg, 1024*1024), reader
}

func TestGetLatestCachesHotReads(t *testing.T) {
	cache, reader := createCache(t)
	ctx := context.Background()

	urn := datamodel.Urn{EntityType: "dataset", Key: "orders"}
	reader.records[urn.String()+"|datasetProperties"] = testRecord(urn, "datasetProperties", `{"description":"orders"}`)

	first, err := cache.GetLatest(ctx, urn, "datasetProperties")
	require.NoError(t, err)
	second, err := cache.GetLatest(ctx, urn, "datasetProperties")
	require.NoError(t, err)

	assert.Equal(t, 1, reader.gets)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, first.Urn, second.Urn)
	assert.Equal(t, uint64(1), cache.GetMetrics().Hits)
	assert.Equal(t, uint64(1), cache.GetMetrics().Misses)
}

func TestGetLatestBypassesUncachedAspects(t *testing.T) {
	cache, reader := createCache(t)
	ctx := context.Background()

	urn := datamodel.Urn{EntityType: "dataset", Key: "orders"}
	reader.records[urn.String()+"|status"] = testRecord(urn, "status", `{}`)

	_, err := cache.GetLatest(ctx, urn, "status")
	require.NoError(t, err)
	_, err = cache.GetLatest(ctx, urn, "status")
	require.NoError(t, err)

	assert.Equal(t, 2, reader.gets)
	assert.Equal(t, uint64(2), cache.GetMetrics().Bypassed)
}

func TestGetLatestCachesAbsence(t *testing.T) {
	cache, reader := createCache(t)
	ctx := context.Background()

	urn := datamodel.Urn{EntityType: "dataset", Key: "nope"}
	record, err := cache.GetLatest(ctx, urn, "datasetProperties")
	require.NoError(t, err)
	assert.Nil(t, record)

	record, err = cache.GetLatest(ctx, urn, "datasetProperties")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, 1, reader.gets)
}

func TestInvalidate(t *testing.T) {
	cache, reader := createCache(t)
	ctx := context.Background()

	urn := datamodel.Urn{EntityType: "dataset", Key: "orders"}
	reader.records[urn.String()+"|datasetProperties"] = testRecord(urn, "datasetProperties", `{"description":"v1"}`)

	_, err := cache.GetLatest(ctx, urn, "datasetProperties")
	require.NoError(t, err)

	reader.records[urn.String()+"|datasetProperties"] = testRecord(urn, "datasetProperties", `{"description":"v2"}`)
	cache.Invalidate(urn, "datasetProperties")

	record, err := cache.GetLatest(ctx, urn, "datasetProperties")
	require.NoError(t, err)
	assert.JSONEq(t, `{"description":"v2"}`, string(record.Payload))
	assert.Equal(t, 2, reader.gets)
}

func TestBatchGetLatestMixesCacheAndStore(t *testing.T) {
	cache, reader := createCache(t)
	ctx := context.Background()

	orders := datamodel.Urn{EntityType: "dataset", Key: "orders"}
	users := datamodel.Urn{EntityType: "dataset", Key: "users"}
	reader.records[orders.String()+"|datasetProperties"] = testRecord(orders, "datasetProperties", `{"description":"orders"}`)
	reader.records[users.String()+"|datasetProperties"] = testRecord(users, "datasetProperties", `{"description":"users"}`)

	// Warm one pair, then batch across both.
	_, err := cache.GetLatest(ctx, orders, "datasetProperties")
	require.NoError(t, err)

	result, err := cache.BatchGetLatest(ctx, []datamodel.Urn{orders, users}, []string{"datasetProperties"})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, 1, reader.batches)

	// A second batch is served entirely from cache.
	result, err = cache.BatchGetLatest(ctx, []datamodel.Urn{orders, users}, []string{"datasetProperties"})
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, 1, reader.batches)
}

func TestBatchGetLatestBypassesUncachedAspects(t *testing.T) {
	cache, reader := createCache(t)
	ctx := context.Background()

	orders := datamodel.Urn{EntityType: "dataset", Key: "orders"}
	reader.records[orders.String()+"|status"] = testRecord(orders, "status", `{}`)

	for range [2]int{} {
		result, err := cache.BatchGetLatest(ctx, []datamodel.Urn{orders}, []string{"status"})
		require.NoError(t, err)
		require.Len(t, result, 1)
	}
	assert.Equal(t, 2, reader.batches)
}
