package aspectstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetentionPolicy prunes historical versions of an aspect. Version 0 is
// never touched: retention only ever deletes history rows, so the latest
// state and the dense sequence of future writes are unaffected.
type RetentionPolicy struct {
	Aspect string
	// UrnLike restricts the urns the policy applies to, e.g.
	// "urn:mh:dataset:%". Empty means all urns.
	UrnLike string
	// MaxVersions keeps at most this many versions per (urn, aspect),
	// counting version 0. Zero or negative disables the version limit.
	MaxVersions int64
	// MaxAge deletes history rows written longer than this ago. Zero
	// disables the age limit.
	MaxAge time.Duration
	// BatchSize bounds the rows deleted per statement so a large backlog
	// does not hold row locks for minutes. Defaults to 1000.
	BatchSize int
}

// RetentionResult reports what one ApplyRetention run did.
type RetentionResult struct {
	RowsDeleted int64 `json:"rowsDeleted"`
	Batches     int64 `json:"batches"`
}

// ApplyRetention deletes history rows that fall outside the policy, in
// batches, until nothing in scope is left. It is safe to re-run at any
// time; a run that finds nothing to delete is a no-op.
func (s *Store) ApplyRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
	var result RetentionResult
	if policy.Aspect == "" {
		return result, fmt.Errorf("retention requires an aspect name")
	}
	if policy.MaxVersions <= 0 && policy.MaxAge <= 0 {
		return result, fmt.Errorf("retention policy for %s has no limits set", policy.Aspect)
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = 1000
	}
	urnLike := policy.UrnLike
	if urnLike == "" {
		urnLike = "%"
	}

	for {
		deleted, err := s.retentionBatch(ctx, policy, urnLike)
		if err != nil {
			return result, err
		}
		if deleted == 0 {
			break
		}
		result.RowsDeleted += deleted
		result.Batches++
		s.metrics.retentionDeleted.Add(uint64(deleted))
		zap.S().Debugf("Retention of %s: deleted %d rows in batch %d", policy.Aspect, deleted, result.Batches)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
	}
	zap.S().Infof("Retention of %s done: %d rows deleted in %d batches", policy.Aspect, result.RowsDeleted, result.Batches)
	return result, nil
}

// retentionBatch deletes one batch of out-of-policy history rows. A row
// is out of policy when it is older than MaxAge, or when more than
// MaxVersions newer versions of the same (urn, aspect) exist. The
// version > 0 guard keeps the latest row out of scope regardless of the
// policy values.
func (s *Store) retentionBatch(ctx context.Context, policy RetentionPolicy, urnLike string) (int64, error) {
	deleteCtx, cancel := get1MinuteContext(ctx)
	defer cancel()

	maxVersions := policy.MaxVersions
	if maxVersions <= 0 {
		maxVersions = int64(1) << 62
	}
	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	query := `
		DELETE FROM metadata_aspects
		WHERE ctid IN (
			SELECT m.ctid
			FROM metadata_aspects m
			WHERE m.aspect = $1 AND m.version > 0 AND m.urn LIKE $2
			  AND (
			        ($4::timestamptz IS NOT NULL AND m.created_at < $4)
			     OR (SELECT COUNT(*) FROM metadata_aspects n
			         WHERE n.urn = m.urn AND n.aspect = m.aspect AND (n.version > m.version OR n.version = 0)) >= $3
			  )
			LIMIT $5
		)`
	var cutoffArg any
	if !cutoff.IsZero() {
		cutoffArg = cutoff
	}
	tag, err := s.db.Exec(deleteCtx, query, policy.Aspect, urnLike, maxVersions, cutoffArg, policy.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("retention delete failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
