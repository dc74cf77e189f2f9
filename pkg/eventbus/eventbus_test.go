package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

func testEvent(key string, sequence int64) *datamodel.MetadataChangeLog {
	return &datamodel.MetadataChangeLog{
		Urn:        datamodel.Urn{EntityType: "dataset", Key: key},
		EntityType: "dataset",
		Aspect:     "datasetProperties",
		ChangeType: datamodel.ChangeTypeUpsert,
		Sequence:   sequence,
		NewPayload: []byte(`{"description":"x"}`),
		Audit:      datamodel.AuditStamp{Actor: "urn:mh:corpuser:jane", Time: time.Now().UTC()},
		System:     datamodel.SystemMetadata{RunID: "run-1"},
	}
}

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "mh.v1.mcl.dataset", TopicForEntity("dataset"))

	entityType, err := EntityFromTopic("mh.v1.mcl.dataset")
	require.NoError(t, err)
	assert.Equal(t, "dataset", entityType)

	_, err = EntityFromTopic("mh.v1.mcl.")
	assert.Error(t, err)
	_, err = EntityFromTopic("umh.v1.some.other.topic")
	assert.Error(t, err)
}

func TestEncodeDecodeEvent(t *testing.T) {
	event := testEvent("kafka,orders,PROD", 7)

	value, err := EncodeEvent(event)
	require.NoError(t, err)

	decoded, err := DecodeEvent(value)
	require.NoError(t, err)
	assert.Equal(t, event.Urn, decoded.Urn)
	assert.Equal(t, int64(7), decoded.Sequence)
	assert.Equal(t, datamodel.ChangeTypeUpsert, decoded.ChangeType)

	_, err = DecodeEvent([]byte(`{"changeType":"EXPLODE"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestMemoryBusRouting(t *testing.T) {
	bus := NewMemoryBus()

	var datasets, incidents []*datamodel.MetadataChangeLog
	bus.Register(context.Background(), []string{"dataset"}, func(_ context.Context, e *datamodel.MetadataChangeLog) error {
		datasets = append(datasets, e)
		return nil
	})
	bus.Register(context.Background(), []string{"incident"}, func(_ context.Context, e *datamodel.MetadataChangeLog) error {
		incidents = append(incidents, e)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), testEvent("a", 0)))
	require.NoError(t, bus.Publish(context.Background(), testEvent("a", 1)))
	require.NoError(t, bus.Publish(context.Background(), testEvent("b", 0)))

	assert.Len(t, datasets, 3)
	assert.Empty(t, incidents)
	assert.Len(t, bus.Published(), 3)

	// Per-urn ordering: events of one urn arrive in publish order.
	assert.Equal(t, int64(0), datasets[0].Sequence)
	assert.Equal(t, int64(1), datasets[1].Sequence)
}

func TestMemoryBusHandlerErrorPropagates(t *testing.T) {
	bus := NewMemoryBus()
	boom := errors.New("index unavailable")
	bus.Register(context.Background(), []string{"dataset"}, func(context.Context, *datamodel.MetadataChangeLog) error {
		return boom
	})

	err := bus.Publish(context.Background(), testEvent("a", 0))
	assert.ErrorIs(t, err, boom)
}

func TestMemoryBusCancelledSubscriptionIsSkipped(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	bus.Register(ctx, []string{"dataset"}, func(context.Context, *datamodel.MetadataChangeLog) error {
		calls++
		return nil
	})
	cancel()

	require.NoError(t, bus.Publish(context.Background(), testEvent("a", 0)))
	assert.Zero(t, calls)
}
