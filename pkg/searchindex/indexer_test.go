package searchindex

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
        searchable:
          - path: description
          - path: platform
            facet: true
        browsePath: "/dataset/{key}"
      - name: usageStats
        timeseries: true
      - name: status
`

// fakeDocStore is an in-memory DocStore mirroring the redis layout.
type fakeDocStore struct {
	docs   map[string]map[string]string
	urns   map[string]map[string]bool
	facets map[string]map[string]bool
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		docs:   make(map[string]map[string]string),
		urns:   make(map[string]map[string]bool),
		facets: make(map[string]map[string]bool),
	}
}

func (f *fakeDocStore) GetDoc(_ context.Context, urn string) (map[string]string, error) {
	doc, ok := f.docs[urn]
	if !ok {
		return nil, nil
	}
	copied := make(map[string]string, len(doc))
	for k, v := range doc {
		copied[k] = v
	}
	return copied, nil
}

func (f *fakeDocStore) SetDoc(_ context.Context, urn, entityType string, set map[string]string, del []string) error {
	doc, ok := f.docs[urn]
	if !ok {
		doc = make(map[string]string)
		f.docs[urn] = doc
	}
	for k, v := range set {
		doc[k] = v
	}
	for _, k := range del {
		delete(doc, k)
	}
	if f.urns[entityType] == nil {
		f.urns[entityType] = make(map[string]bool)
	}
	f.urns[entityType][urn] = true
	return nil
}

func (f *fakeDocStore) DeleteDoc(_ context.Context, urn, entityType string) error {
	delete(f.docs, urn)
	if f.urns[entityType] != nil {
		delete(f.urns[entityType], urn)
	}
	return nil
}

func (f *fakeDocStore) AddFacet(_ context.Context, facetKey, urn string) error {
	if f.facets[facetKey] == nil {
		f.facets[facetKey] = make(map[string]bool)
	}
	f.facets[facetKey][urn] = true
	return nil
}

func (f *fakeDocStore) RemoveFacet(_ context.Context, facetKey, urn string) error {
	if f.facets[facetKey] != nil {
		delete(f.facets[facetKey], urn)
	}
	return nil
}

func (f *fakeDocStore) Urns(_ context.Context, entityType string) ([]string, error) {
	var out []string
	for urn := range f.urns[entityType] {
		out = append(out, urn)
	}
	return out, nil
}

func (f *fakeDocStore) FacetMembers(_ context.Context, facetKey string) ([]string, error) {
	var out []string
	for urn := range f.facets[facetKey] {
		out = append(out, urn)
	}
	return out, nil
}

func (f *fakeDocStore) Ping(context.Context) error { return nil }

func createIndexer(t *testing.T) (*Indexer, *fakeDocStore) {
	_ = logger.New("DEVELOPMENT")
	reg, err := registry.Load([]byte(testRegistryYaml))
	require.NoError(t, err)
	docs := newFakeDocStore()
	return NewIndexer(docs, reg), docs
}

func propertiesEvent(key string, sequence int64, payload string) *datamodel.MetadataChangeLog {
	return &datamodel.MetadataChangeLog{
		Urn:        datamodel.Urn{EntityType: "dataset", Key: key},
		EntityType: "dataset",
		Aspect:     "datasetProperties",
		ChangeType: datamodel.ChangeTypeUpsert,
		Sequence:   sequence,
		NewPayload: []byte(payload),
		Audit:      datamodel.AuditStamp{Actor: "urn:mh:corpuser:jane", Time: time.Now().UTC()},
		System:     datamodel.SystemMetadata{RunID: "run-1"},
	}
}

func TestIndexerEligible(t *testing.T) {
	indexer, _ := createIndexer(t)

	assert.True(t, indexer.Eligible(propertiesEvent("a", 0, `{}`)))

	keyEvent := propertiesEvent("a", 0, `{}`)
	keyEvent.Aspect = "datasetKey"
	assert.True(t, indexer.Eligible(keyEvent))

	plain := propertiesEvent("a", 0, `{}`)
	plain.Aspect = "status"
	assert.False(t, indexer.Eligible(plain))

	timeseries := propertiesEvent("a", 0, `{}`)
	timeseries.Aspect = "usageStats"
	assert.False(t, indexer.Eligible(timeseries))

	unknown := propertiesEvent("a", 0, `{}`)
	unknown.EntityType = "nope"
	assert.False(t, indexer.Eligible(unknown))
}

func TestIndexerApply(t *testing.T) {
	indexer, docs := createIndexer(t)
	ctx := context.Background()

	event := propertiesEvent("kafka,orders,PROD", 0, `{"description":"orders","platform":"kafka"}`)
	require.NoError(t, indexer.Apply(ctx, event))

	urn := event.Urn.String()
	doc := docs.docs[urn]
	require.NotNil(t, doc)
	assert.Equal(t, "orders", doc["datasetProperties:description"])
	assert.Equal(t, "kafka", doc["datasetProperties:platform"])
	assert.Equal(t, "0", doc["datasetProperties:seq"])
	assert.Equal(t, "/dataset/kafka,orders,PROD", doc["datasetProperties:browsePath"])
	assert.True(t, docs.facets[FacetKey("dataset", "platform", "kafka")][urn])

	// Facet membership moves when the value changes.
	update := propertiesEvent("kafka,orders,PROD", 1, `{"description":"orders","platform":"s3"}`)
	require.NoError(t, indexer.Apply(ctx, update))
	assert.False(t, docs.facets[FacetKey("dataset", "platform", "kafka")][urn])
	assert.True(t, docs.facets[FacetKey("dataset", "platform", "s3")][urn])
}

func TestIndexerApplyIsIdempotent(t *testing.T) {
	indexer, docs := createIndexer(t)
	ctx := context.Background()

	event := propertiesEvent("kafka,orders,PROD", 3, `{"description":"orders","platform":"kafka"}`)
	require.NoError(t, indexer.Apply(ctx, event))
	before, err := docs.GetDoc(ctx, event.Urn.String())
	require.NoError(t, err)

	// Same event again, and a stale predecessor: both are no-ops.
	require.NoError(t, indexer.Apply(ctx, event))
	stale := propertiesEvent("kafka,orders,PROD", 1, `{"description":"old","platform":"mysql"}`)
	require.NoError(t, indexer.Apply(ctx, stale))

	assert.Equal(t, before, docs.docs[event.Urn.String()])
	assert.False(t, docs.facets[FacetKey("dataset", "platform", "mysql")][event.Urn.String()])
}

func TestIndexerApplyDelete(t *testing.T) {
	indexer, docs := createIndexer(t)
	ctx := context.Background()

	event := propertiesEvent("kafka,orders,PROD", 0, `{"description":"orders","platform":"kafka"}`)
	require.NoError(t, indexer.Apply(ctx, event))
	urn := event.Urn.String()

	tombstone := propertiesEvent("kafka,orders,PROD", 1, "")
	tombstone.ChangeType = datamodel.ChangeTypeDelete
	tombstone.NewPayload = nil
	require.NoError(t, indexer.Apply(ctx, tombstone))

	doc := docs.docs[urn]
	assert.NotContains(t, doc, "datasetProperties:description")
	assert.NotContains(t, doc, "datasetProperties:browsePath")
	assert.Equal(t, "1", doc["datasetProperties:seq"])
	assert.False(t, docs.facets[FacetKey("dataset", "platform", "kafka")][urn])

	// A redelivered pre-delete event cannot resurrect the fields.
	require.NoError(t, indexer.Apply(ctx, event))
	assert.NotContains(t, docs.docs[urn], "datasetProperties:description")
}

func TestIndexerRebuild(t *testing.T) {
	indexer, docs := createIndexer(t)
	ctx := context.Background()

	require.NoError(t, indexer.Apply(ctx, propertiesEvent("a", 0, `{"description":"a","platform":"kafka"}`)))
	require.NoError(t, indexer.Apply(ctx, propertiesEvent("b", 2, `{"description":"b","platform":"s3"}`)))

	require.NoError(t, indexer.Rebuild(ctx, "dataset", "datasetProperties"))

	for _, doc := range docs.docs {
		for field := range doc {
			assert.NotContains(t, field, "datasetProperties:")
		}
	}
	assert.Empty(t, docs.facets[FacetKey("dataset", "platform", "kafka")])

	// Replay restores the documents, seq markers included.
	require.NoError(t, indexer.Apply(ctx, propertiesEvent("a", 0, `{"description":"a","platform":"kafka"}`)))
	assert.Equal(t, "a", docs.docs["urn:mh:dataset:a"]["datasetProperties:description"])
}
