package aspectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

var recordColumnNames = []string{
	"urn", "aspect", "version", "payload", "content_type",
	"created_by", "created_at", "message", "run_id", "fingerprint",
}

func TestGetVersion(t *testing.T) {
	s, mock := CreateMockStore(t)
	defer mock.Close()

	urn := datamodel.Urn{EntityType: "dataset", Key: "kafka,orders,PROD"}
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("latest", func(t *testing.T) {
		mock.ExpectQuery(`SELECT urn, aspect, version, payload, content_type, created_by, created_at, message, run_id, fingerprint FROM metadata_aspects WHERE urn = \$1 AND aspect = \$2 AND version = \$3`).
			WithArgs(urn.String(), "datasetProperties", int64(0)).
			WillReturnRows(mock.NewRows(recordColumnNames).
				AddRow(urn.String(), "datasetProperties", int64(0), []byte(`{"description":"orders"}`), datamodel.ContentTypeJSON,
					"urn:mh:corpuser:jane", createdAt, "", "run-1", "fp-1"))

		rec, err := s.GetLatest(context.Background(), urn, "datasetProperties")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, urn, rec.Urn)
		assert.Equal(t, int64(0), rec.Version)
		assert.Equal(t, "fp-1", rec.Fingerprint)
		assert.False(t, rec.IsTombstone())
	})

	t.Run("absent aspect yields nil without error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM metadata_aspects WHERE urn = \$1 AND aspect = \$2 AND version = \$3`).
			WithArgs(urn.String(), "datasetProperties", int64(7)).
			WillReturnRows(mock.NewRows(recordColumnNames))

		rec, err := s.GetVersion(context.Background(), urn, "datasetProperties", 7)
		assert.NoError(t, err)
		assert.Nil(t, rec)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListVersions(t *testing.T) {
	s, mock := CreateMockStore(t)
	defer mock.Close()

	urn := datamodel.Urn{EntityType: "dataset", Key: "kafka,orders,PROD"}
	createdAt := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM metadata_aspects WHERE urn = \$1 AND aspect = \$2 ORDER BY version ASC`).
		WithArgs(urn.String(), "datasetProperties").
		WillReturnRows(mock.NewRows(recordColumnNames).
			AddRow(urn.String(), "datasetProperties", int64(0), []byte(`{"v":3}`), datamodel.ContentTypeJSON, "a", createdAt, "", "run-3", "fp-3").
			AddRow(urn.String(), "datasetProperties", int64(1), []byte(`{"v":1}`), datamodel.ContentTypeJSON, "a", createdAt, "", "run-1", "fp-1").
			AddRow(urn.String(), "datasetProperties", int64(2), []byte(`{"v":2}`), datamodel.ContentTypeJSON, "a", createdAt, "", "run-2", "fp-2"))

	records, err := s.ListVersions(context.Background(), urn, "datasetProperties")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(0), records[0].Version)
	assert.Equal(t, int64(2), records[2].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchGetLatest(t *testing.T) {
	s, mock := CreateMockStore(t)
	defer mock.Close()

	orders := datamodel.Urn{EntityType: "dataset", Key: "kafka,orders,PROD"}
	users := datamodel.Urn{EntityType: "dataset", Key: "kafka,users,PROD"}
	createdAt := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM metadata_aspects WHERE version = 0 AND urn = ANY\(\$1\) AND aspect = ANY\(\$2\)`).
		WithArgs([]string{orders.String(), users.String()}, []string{"datasetKey", "datasetProperties"}).
		WillReturnRows(mock.NewRows(recordColumnNames).
			AddRow(orders.String(), "datasetKey", int64(0), []byte(`{}`), datamodel.ContentTypeJSON, "a", createdAt, "", "r", "f1").
			AddRow(orders.String(), "datasetProperties", int64(0), []byte(`{}`), datamodel.ContentTypeJSON, "a", createdAt, "", "r", "f2").
			AddRow(users.String(), "datasetKey", int64(0), []byte(`{}`), datamodel.ContentTypeJSON, "a", createdAt, "", "r", "f3"))

	result, err := s.BatchGetLatest(context.Background(), []datamodel.Urn{orders, users}, []string{"datasetKey", "datasetProperties"})
	require.NoError(t, err)
	assert.Len(t, result[orders], 2)
	assert.Len(t, result[users], 1)
	assert.Nil(t, result[users]["datasetProperties"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchGetLatestEmptyInput(t *testing.T) {
	s, mock := CreateMockStore(t)
	defer mock.Close()

	result, err := s.BatchGetLatest(context.Background(), nil, []string{"datasetKey"})
	assert.NoError(t, err)
	assert.Empty(t, result)
}
