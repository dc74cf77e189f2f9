package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/umh-utils/logger"

	"github.com/metahub-platform/metahub/pkg/datamodel"
	"github.com/metahub-platform/metahub/pkg/processor"
	"github.com/metahub-platform/metahub/pkg/registry"
)

const testRegistryYaml = `
entities:
  - name: dataset
    aspects:
      - name: datasetKey
        key: true
      - name: incidentsSummary
  - name: incident
    aspects:
      - name: incidentKey
        key: true
      - name: incidentProperties
`

// fakeCatalog is both the AspectReader and the Submitter: submitted
// proposals become the latest record, like the real processor+store.
type fakeCatalog struct {
	records   map[string]*datamodel.AspectRecord
	submitted []datamodel.MetadataChangeProposal
	seenRuns  map[string]bool
	fail      error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		records:  make(map[string]*datamodel.AspectRecord),
		seenRuns: make(map[string]bool),
	}
}

func (f *fakeCatalog) GetLatest(_ context.Context, urn datamodel.Urn, aspect string) (*datamodel.AspectRecord, error) {
	return f.records[urn.String()+"|"+aspect], nil
}

func (f *fakeCatalog) SubmitProposal(_ context.Context, proposal datamodel.MetadataChangeProposal) (processor.Result, error) {
	if f.fail != nil {
		return processor.Result{}, f.fail
	}
	runID := proposal.System.RunID
	if f.seenRuns[runID] {
		return processor.Result{State: processor.StateDone, Deduplicated: true}, nil
	}
	f.seenRuns[runID] = true
	f.submitted = append(f.submitted, proposal)
	f.records[proposal.Urn.String()+"|"+proposal.Aspect] = &datamodel.AspectRecord{
		Urn:         proposal.Urn,
		Aspect:      proposal.Aspect,
		Payload:     proposal.Payload,
		ContentType: proposal.ContentType,
	}
	return processor.Result{State: processor.StateDone}, nil
}

func createRollup(t *testing.T) (*Dispatcher, *fakeCatalog) {
	_ = logger.New("DEVELOPMENT")
	reg, err := registry.Load([]byte(testRegistryYaml))
	require.NoError(t, err)
	catalog := newFakeCatalog()
	return NewDispatcher(catalog, NewIncidentRollup(catalog, reg)), catalog
}

func incidentEvent(key string, sequence int64, payload, previous string) *datamodel.MetadataChangeLog {
	event := &datamodel.MetadataChangeLog{
		Urn:        datamodel.Urn{EntityType: "incident", Key: key},
		EntityType: "incident",
		Aspect:     "incidentProperties",
		ChangeType: datamodel.ChangeTypeUpsert,
		Sequence:   sequence,
		Audit:      datamodel.AuditStamp{Actor: "urn:mh:corpuser:jane", Time: time.Now().UTC()},
		System:     datamodel.SystemMetadata{RunID: "run-1"},
	}
	if payload != "" {
		event.NewPayload = []byte(payload)
	} else {
		event.ChangeType = datamodel.ChangeTypeDelete
	}
	if previous != "" {
		event.PreviousPayload = []byte(previous)
	}
	return event
}

func TestIncidentRollupAddsEntry(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	ctx := context.Background()

	event := incidentEvent("inc-1", 0,
		`{"title":"disk full","severity":"CRITICAL","state":"ACTIVE","resources":["urn:mh:dataset:orders","urn:mh:dataset:users"]}`, "")
	require.True(t, dispatcher.Eligible(event))
	require.NoError(t, dispatcher.Apply(ctx, event))

	require.Len(t, catalog.submitted, 2)
	summary := catalog.records["urn:mh:dataset:orders|incidentsSummary"]
	require.NotNil(t, summary)
	assert.JSONEq(t,
		`{"activeCount":1,"incidents":[{"urn":"urn:mh:incident:inc-1","severity":"CRITICAL","title":"disk full"}]}`,
		string(summary.Payload))
	for _, proposal := range catalog.submitted {
		assert.Contains(t, proposal.System.RunID, "rollup-")
		assert.Equal(t, datamodel.ChangeTypeUpsert, proposal.ChangeType)
	}
}

func TestIncidentRollupDoubleApplyIsByteIdentical(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	ctx := context.Background()

	event := incidentEvent("inc-1", 0,
		`{"severity":"MAJOR","state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`, "")
	require.NoError(t, dispatcher.Apply(ctx, event))
	first := string(catalog.records["urn:mh:dataset:orders|incidentsSummary"].Payload)

	require.NoError(t, dispatcher.Apply(ctx, event))
	assert.Equal(t, first, string(catalog.records["urn:mh:dataset:orders|incidentsSummary"].Payload))
	// The recompute sees its own prior output and proposes nothing.
	assert.Len(t, catalog.submitted, 1)
}

func TestIncidentRollupRemovesResolvedIncident(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	ctx := context.Background()

	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 0,
		`{"severity":"MAJOR","state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`, "")))

	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 1,
		`{"severity":"MAJOR","state":"RESOLVED","resources":["urn:mh:dataset:orders"]}`,
		`{"severity":"MAJOR","state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`)))

	summary := catalog.records["urn:mh:dataset:orders|incidentsSummary"]
	assert.JSONEq(t, `{"activeCount":0,"incidents":[]}`, string(summary.Payload))
}

func TestIncidentRollupCleansDroppedResources(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	ctx := context.Background()

	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 0,
		`{"state":"ACTIVE","resources":["urn:mh:dataset:orders","urn:mh:dataset:users"]}`, "")))

	// The incident no longer references users: its summary empties out.
	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 1,
		`{"state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`,
		`{"state":"ACTIVE","resources":["urn:mh:dataset:orders","urn:mh:dataset:users"]}`)))

	users := catalog.records["urn:mh:dataset:users|incidentsSummary"]
	assert.JSONEq(t, `{"activeCount":0,"incidents":[]}`, string(users.Payload))
	orders := catalog.records["urn:mh:dataset:orders|incidentsSummary"]
	assert.Contains(t, string(orders.Payload), "urn:mh:incident:inc-1")
}

func TestIncidentRollupDeleteEventRemovesEntry(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	ctx := context.Background()

	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 0,
		`{"state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`, "")))

	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 1, "",
		`{"state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`)))

	summary := catalog.records["urn:mh:dataset:orders|incidentsSummary"]
	assert.JSONEq(t, `{"activeCount":0,"incidents":[]}`, string(summary.Payload))
}

func TestIncidentRollupSkipsUnrollableTargets(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	ctx := context.Background()

	// incident entities carry no incidentsSummary aspect themselves, and
	// the garbage reference is not a urn at all.
	require.NoError(t, dispatcher.Apply(ctx, incidentEvent("inc-1", 0,
		`{"state":"ACTIVE","resources":["urn:mh:incident:other","not-a-urn"]}`, "")))
	assert.Empty(t, catalog.submitted)
}

func TestDispatcherPropagatesSubmitFailure(t *testing.T) {
	dispatcher, catalog := createRollup(t)
	catalog.fail = errors.New("store down")

	err := dispatcher.Apply(context.Background(), incidentEvent("inc-1", 0,
		`{"state":"ACTIVE","resources":["urn:mh:dataset:orders"]}`, ""))
	assert.Error(t, err)
}
