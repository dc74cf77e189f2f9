package aspectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

// WriteRequest describes one new aspect version to commit.
type WriteRequest struct {
	Urn         datamodel.Urn
	Aspect      string
	Payload     []byte
	ContentType string
	Audit       datamodel.AuditStamp
	System      datamodel.SystemMetadata
}

// WriteNewVersion commits a new latest version with a compare-and-swap
// against the backing store.
//
// expected is the record the caller read as current; nil means the caller
// expects the aspect to not exist yet. Exactly one writer wins under
// concurrency: the loser gets ErrConcurrentModification and must re-read
// and retry.
//
// The version sequence stays dense: the previous latest is copied to the
// next free history version inside the same transaction, then version 0
// is overwritten in place. The returned sequence number is a monotonic
// per-(urn, aspect) counter carried on the version 0 row (0 for the first
// write of an aspect) and is what consumers order and deduplicate on. It
// is deliberately not derived from the version numbers: retention may
// delete history rows, and the published sequence must never regress.
func (s *Store) WriteNewVersion(ctx context.Context, req WriteRequest, expected *datamodel.AspectRecord) (*datamodel.AspectRecord, int64, error) {
	if req.Urn.Validate() != nil || req.Aspect == "" {
		return nil, 0, fmt.Errorf("write request with invalid key: urn=%q aspect=%q", req.Urn, req.Aspect)
	}

	newFingerprint := fingerprint(req.Payload, req.System.RunID, req.Audit.Time)
	rec := &datamodel.AspectRecord{
		Urn:         req.Urn,
		Aspect:      req.Aspect,
		Version:     datamodel.LatestVersion,
		Payload:     req.Payload,
		ContentType: req.ContentType,
		Audit:       req.Audit,
		System:      req.System,
		Fingerprint: newFingerprint,
	}

	txCtx, cancel := get1MinuteContext(ctx)
	defer cancel()

	tx, err := s.db.Begin(txCtx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(txCtx, tx)

	var sequence int64
	if expected == nil {
		sequence, err = s.insertFirstVersion(txCtx, tx, rec)
	} else {
		sequence, err = s.swapLatestVersion(txCtx, tx, rec, expected.Fingerprint)
	}
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.metrics.conflicts.Add(1)
		}
		return nil, 0, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, 0, classifyError(err)
	}
	s.metrics.writes.Add(1)
	zap.S().Debugf("Committed %s/%s sequence %d (run %s)", req.Urn, req.Aspect, sequence, req.System.RunID)
	return rec, sequence, nil
}

func (s *Store) insertFirstVersion(ctx context.Context, tx pgx.Tx, rec *datamodel.AspectRecord) (int64, error) {
	query := `
		INSERT INTO metadata_aspects (urn, aspect, version, payload, content_type, created_by, created_at, message, run_id, fingerprint, sequence)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8, $9, 0)`
	_, err := tx.Exec(ctx, query,
		rec.Urn.String(), rec.Aspect, rec.Payload, rec.ContentType,
		rec.Audit.Actor, rec.Audit.Time, rec.Audit.Message, rec.System.RunID, rec.Fingerprint)
	if err != nil {
		// A unique violation here means another writer created the
		// aspect between our read and this insert.
		return 0, classifyError(err)
	}
	return 0, nil
}

func (s *Store) swapLatestVersion(ctx context.Context, tx pgx.Tx, rec *datamodel.AspectRecord, expectedFingerprint string) (int64, error) {
	// Copy the current latest to the next free history version, sequence
	// included: the history row keeps the sequence it was published with.
	// The fingerprint condition is the compare-and-swap: zero rows means
	// another writer got here first.
	copyQuery := `
		INSERT INTO metadata_aspects (urn, aspect, version, payload, content_type, created_by, created_at, message, run_id, fingerprint, sequence)
		SELECT urn, aspect,
		       (SELECT COALESCE(MAX(version), 0) + 1 FROM metadata_aspects WHERE urn = $1 AND aspect = $2),
		       payload, content_type, created_by, created_at, message, run_id, fingerprint, sequence
		FROM metadata_aspects
		WHERE urn = $1 AND aspect = $2 AND version = 0 AND fingerprint = $3`
	tag, err := tx.Exec(ctx, copyQuery, rec.Urn.String(), rec.Aspect, expectedFingerprint)
	if err != nil {
		return 0, classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: latest version of %s/%s changed underneath us", ErrConcurrentModification, rec.Urn, rec.Aspect)
	}

	// The counter on the version 0 row only ever increments, so the
	// returned sequence stays monotonic even after retention pruned
	// history versions.
	updateQuery := `
		UPDATE metadata_aspects
		SET payload = $4, content_type = $5, created_by = $6, created_at = $7, message = $8, run_id = $9, fingerprint = $10, sequence = sequence + 1
		WHERE urn = $1 AND aspect = $2 AND version = 0 AND fingerprint = $3
		RETURNING sequence`
	var sequence int64
	err = tx.QueryRow(ctx, updateQuery,
		rec.Urn.String(), rec.Aspect, expectedFingerprint,
		rec.Payload, rec.ContentType, rec.Audit.Actor, rec.Audit.Time, rec.Audit.Message, rec.System.RunID, rec.Fingerprint).Scan(&sequence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: latest version of %s/%s changed underneath us", ErrConcurrentModification, rec.Urn, rec.Aspect)
		}
		return 0, classifyError(err)
	}
	return sequence, nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		zap.S().Errorf("Failed to rollback transaction: %s", err)
	}
}
