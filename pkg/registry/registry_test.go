package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
entities:
  - name: dataset
    aspects:
      - name: datasetKey
        key: true
        schema:
          type: object
          required: [platform, name]
          properties:
            platform: {type: string}
            name: {type: string}
      - name: datasetProperties
        cacheTTLSeconds: 300
        schema:
          type: object
          properties:
            description: {type: string}
        searchable:
          - path: description
        relationships:
          - name: DownstreamOf
            path: upstreams
        browsePath: "/dataset/{key}"
      - name: usageStats
        timeseries: true
      - name: status
  - name: incident
    keyAspect: incidentKey
    aspects:
      - name: incidentKey
        key: true
      - name: incidentInfo
`

func TestLoad(t *testing.T) {
	reg, err := Load([]byte(testRegistry))
	require.NoError(t, err)

	dataset, err := reg.EntitySpec("dataset")
	require.NoError(t, err)
	assert.Equal(t, "datasetKey", dataset.KeyAspect)
	assert.Len(t, dataset.Aspects, 4)

	props, err := reg.AspectSpec("dataset", "datasetProperties")
	require.NoError(t, err)
	assert.NotNil(t, props.Schema)
	assert.False(t, props.Timeseries)
	assert.Equal(t, "/dataset/{key}", props.BrowsePathTemplate)
	assert.Len(t, props.Relationships, 1)

	usage, err := reg.AspectSpec("dataset", "usageStats")
	require.NoError(t, err)
	assert.True(t, usage.Timeseries)
	assert.Nil(t, usage.Schema)

	assert.ElementsMatch(t, []string{"dataset", "incident"}, reg.EntityTypes())
}

func TestLoadUnknownLookups(t *testing.T) {
	reg, err := Load([]byte(testRegistry))
	require.NoError(t, err)

	_, err = reg.EntitySpec("nope")
	assert.ErrorIs(t, err, ErrUnknownEntityType)

	_, err = reg.AspectSpec("dataset", "nope")
	assert.ErrorIs(t, err, ErrUnknownAspect)

	_, err = reg.AspectSpec("nope", "datasetKey")
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestLoadRejectsBrokenDefinitions(t *testing.T) {
	_, err := Load([]byte("entities: []"))
	assert.Error(t, err)

	// no key aspect anywhere
	_, err = Load([]byte(`
entities:
  - name: dataset
    aspects:
      - name: datasetProperties
`))
	assert.Error(t, err)

	// invalid schema
	_, err = Load([]byte(`
entities:
  - name: dataset
    aspects:
      - name: datasetKey
        key: true
        schema:
          type: 42
`))
	assert.Error(t, err)
}

func TestSchemaValidatesPayloads(t *testing.T) {
	reg, err := Load([]byte(testRegistry))
	require.NoError(t, err)

	spec, err := reg.AspectSpec("dataset", "datasetKey")
	require.NoError(t, err)
	require.NotNil(t, spec.Schema)

	assert.NoError(t, spec.Schema.Validate(map[string]any{"platform": "postgres", "name": "orders"}))
	assert.Error(t, spec.Schema.Validate(map[string]any{"platform": "postgres"}))
	assert.Error(t, spec.Schema.Validate(map[string]any{"platform": 7, "name": "orders"}))
}
