package aspectstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

// RestoreOptions scope one restore scan.
type RestoreOptions struct {
	Aspect string
	// UrnLike is a SQL LIKE pattern restricting the urns to scan,
	// e.g. "urn:mh:dataset:%". Empty means all urns.
	UrnLike  string
	PageSize int
}

// RestoreResult reports operator-visible counts of a restore run.
type RestoreResult struct {
	RowsMigrated int64 `json:"rowsMigrated"`
	RowsIgnored  int64 `json:"rowsIgnored"`
}

// RestoreIndices scans the latest version of every stored aspect in scope
// and emits a synthetic change-log event per row. It is the backstop used
// to repair or seed a derived index without resubmitting proposals: the
// versioned store is canonical, derived indices are rebuildable from it
// at any time.
func (s *Store) RestoreIndices(ctx context.Context, opts RestoreOptions, emit func(*datamodel.MetadataChangeLog) error) (RestoreResult, error) {
	var result RestoreResult
	if opts.Aspect == "" {
		return result, fmt.Errorf("restore requires an aspect name")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	urnLike := opts.UrnLike
	if urnLike == "" {
		urnLike = "%"
	}

	runID := fmt.Sprintf("restore-%d", time.Now().UnixMilli())
	lastUrn := ""
	for {
		page, err := s.restorePage(ctx, opts.Aspect, urnLike, lastUrn, opts.PageSize)
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}
		lastUrn = page[len(page)-1].rawUrn

		for _, row := range page {
			event, ok := s.syntheticEvent(opts.Aspect, row, runID)
			if !ok {
				result.RowsIgnored++
				continue
			}
			if err := emit(event); err != nil {
				return result, fmt.Errorf("restore emit failed at %s: %w", row.rawUrn, err)
			}
			result.RowsMigrated++
			s.metrics.restoreRowsEmitted.Add(1)
		}
		zap.S().Infof("Restore of %s: %d rows migrated, %d ignored (at %s)",
			opts.Aspect, result.RowsMigrated, result.RowsIgnored, lastUrn)
	}
	return result, nil
}

type restoreRow struct {
	rawUrn      string
	payload     []byte
	contentType string
	actor       string
	createdAt   time.Time
	message     string
	runID       string
	sequence    int64
}

func (s *Store) restorePage(ctx context.Context, aspect, urnLike, afterUrn string, pageSize int) ([]restoreRow, error) {
	queryCtx, cancel := get1MinuteContext(ctx)
	defer cancel()

	query := `
		SELECT m.urn, m.payload, m.content_type, m.created_by, m.created_at, m.message, m.run_id, m.sequence
		FROM metadata_aspects m
		WHERE m.aspect = $1 AND m.version = 0 AND m.urn LIKE $2 AND m.urn > $3
		ORDER BY m.urn ASC
		LIMIT $4`
	rows, err := s.db.Query(queryCtx, query, aspect, urnLike, afterUrn, pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []restoreRow
	for rows.Next() {
		var r restoreRow
		if err := rows.Scan(&r.rawUrn, &r.payload, &r.contentType, &r.actor, &r.createdAt, &r.message, &r.runID, &r.sequence); err != nil {
			return nil, err
		}
		page = append(page, r)
	}
	return page, rows.Err()
}

func (s *Store) syntheticEvent(aspect string, row restoreRow, runID string) (*datamodel.MetadataChangeLog, bool) {
	urn, err := datamodel.ParseUrn(row.rawUrn)
	if err != nil {
		zap.S().Warnf("Skipping restore row with unparseable urn %q: %s", row.rawUrn, err)
		return nil, false
	}
	if _, err := s.registry.EntitySpec(urn.EntityType); err != nil {
		zap.S().Warnf("Skipping restore row %s: %s", row.rawUrn, err)
		return nil, false
	}

	changeType := datamodel.ChangeTypeUpsert
	newPayload := row.payload
	if row.contentType == datamodel.ContentTypeTombstone {
		changeType = datamodel.ChangeTypeDelete
		newPayload = nil
	}
	return &datamodel.MetadataChangeLog{
		Urn:        urn,
		EntityType: urn.EntityType,
		Aspect:     aspect,
		ChangeType: changeType,
		Sequence:   row.sequence,
		NewPayload: newPayload,
		Audit: datamodel.AuditStamp{
			Actor:   row.actor,
			Time:    row.createdAt,
			Message: row.message,
		},
		System: datamodel.SystemMetadata{RunID: runID},
	}, true
}
