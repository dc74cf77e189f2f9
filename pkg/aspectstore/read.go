package aspectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

const recordColumns = `urn, aspect, version, payload, content_type, created_by, created_at, message, run_id, fingerprint`

func scanRecord(row pgx.Row) (*datamodel.AspectRecord, error) {
	var rec datamodel.AspectRecord
	var rawUrn string
	err := row.Scan(&rawUrn, &rec.Aspect, &rec.Version, &rec.Payload, &rec.ContentType,
		&rec.Audit.Actor, &rec.Audit.Time, &rec.Audit.Message, &rec.System.RunID, &rec.Fingerprint)
	if err != nil {
		return nil, err
	}
	rec.Urn, err = datamodel.ParseUrn(rawUrn)
	if err != nil {
		return nil, fmt.Errorf("stored record has unparseable urn %q: %w", rawUrn, err)
	}
	return &rec, nil
}

// GetLatest returns version 0 of the aspect, or (nil, nil) if the aspect
// has never been written.
func (s *Store) GetLatest(ctx context.Context, urn datamodel.Urn, aspect string) (*datamodel.AspectRecord, error) {
	return s.GetVersion(ctx, urn, aspect, datamodel.LatestVersion)
}

// GetVersion returns one specific version, or (nil, nil) if absent.
func (s *Store) GetVersion(ctx context.Context, urn datamodel.Urn, aspect string, version int64) (*datamodel.AspectRecord, error) {
	queryCtx, cancel := get5SecondContext(ctx)
	defer cancel()

	s.metrics.reads.Add(1)
	query := `SELECT ` + recordColumns + ` FROM metadata_aspects WHERE urn = $1 AND aspect = $2 AND version = $3`
	rec, err := scanRecord(s.db.QueryRow(queryCtx, query, urn.String(), aspect, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListVersions returns all stored versions of an aspect, latest first.
func (s *Store) ListVersions(ctx context.Context, urn datamodel.Urn, aspect string) ([]*datamodel.AspectRecord, error) {
	queryCtx, cancel := get5SecondContext(ctx)
	defer cancel()

	s.metrics.reads.Add(1)
	query := `SELECT ` + recordColumns + ` FROM metadata_aspects WHERE urn = $1 AND aspect = $2 ORDER BY version ASC`
	rows, err := s.db.Query(queryCtx, query, urn.String(), aspect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*datamodel.AspectRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// BatchGetLatest fetches the latest version of every requested
// (urn, aspect) combination in a single round trip. Absent combinations
// are simply missing from the result map.
func (s *Store) BatchGetLatest(ctx context.Context, urns []datamodel.Urn, aspects []string) (map[datamodel.Urn]map[string]*datamodel.AspectRecord, error) {
	result := make(map[datamodel.Urn]map[string]*datamodel.AspectRecord, len(urns))
	if len(urns) == 0 || len(aspects) == 0 {
		return result, nil
	}

	rawUrns := make([]string, len(urns))
	for i, u := range urns {
		rawUrns[i] = u.String()
	}

	queryCtx, cancel := get1MinuteContext(ctx)
	defer cancel()

	s.metrics.reads.Add(1)
	query := `SELECT ` + recordColumns + ` FROM metadata_aspects WHERE version = 0 AND urn = ANY($1) AND aspect = ANY($2)`
	rows, err := s.db.Query(queryCtx, query, rawUrns, aspects)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byAspect, ok := result[rec.Urn]
		if !ok {
			byAspect = make(map[string]*datamodel.AspectRecord)
			result[rec.Urn] = byAspect
		}
		byAspect[rec.Aspect] = rec
	}
	return result, rows.Err()
}
