package aspectstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/pkg/datamodel"
)

const defaultTimeseriesChannelSize = 10000

type tsRow struct {
	urn        string
	aspect     string
	observedAt time.Time
	payload    []byte
	runID      string
}

// AppendTimeseries queues one observation of a timeseries aspect.
// Timeseries aspects are append-only and bypass versioning entirely;
// writes are batched into the store by the timeseries worker. Blocks when
// the channel is full.
func (s *Store) AppendTimeseries(urn datamodel.Urn, aspect string, observedAt time.Time, payload []byte, runID string) {
	s.tsChannel <- tsRow{
		urn:        urn.String(),
		aspect:     aspect,
		observedAt: observedAt,
		payload:    payload,
		runID:      runID,
	}
	s.metrics.timeseriesReceived.Add(1)
}

// StartTimeseriesWorker starts the batching worker. Call once from the
// owning service; the worker exits when ctx is cancelled.
func (s *Store) StartTimeseriesWorker(ctx context.Context) {
	go s.timeseriesWorker(ctx)
}

func (s *Store) timeseriesWorker(ctx context.Context) {
	zap.S().Debugf("Starting timeseries worker")
	var copiedIn int64

	for {
		sleepTime := calculateSleepTime(copiedIn, uint64(cap(s.tsChannel)))
		select {
		case <-ctx.Done():
			zap.S().Debugf("Timeseries worker shutting down")
			return
		case <-time.After(sleepTime):
		}

		batch := s.drainTimeseriesChannel()
		if len(batch) == 0 {
			copiedIn = 0
			continue
		}

		var err error
		copiedIn, err = s.appendTimeseriesBatch(ctx, batch)
		if err != nil {
			zap.S().Errorf("Failed to insert timeseries batch of %d rows: %s", len(batch), err)
			continue
		}
		s.metrics.timeseriesInserted.Add(uint64(copiedIn))
	}
}

func (s *Store) drainTimeseriesChannel() []tsRow {
	var batch []tsRow
	for {
		select {
		case row := <-s.tsChannel:
			batch = append(batch, row)
		default:
			return batch
		}
	}
}

// appendTimeseriesBatch copies the batch into a temp table and inserts
// with ON CONFLICT DO NOTHING, so replayed run ids are idempotent.
func (s *Store) appendTimeseriesBatch(ctx context.Context, batch []tsRow) (int64, error) {
	txCtx, cancel := get1MinuteContext(ctx)
	defer cancel()

	tx, err := s.db.Begin(txCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to create transaction: %w", err)
	}
	defer rollback(txCtx, tx)

	_, err = tx.Exec(txCtx, `
		CREATE TEMP TABLE tmp_metadata_aspects_ts
		       ( LIKE metadata_aspects_ts INCLUDING DEFAULTS )
		       ON COMMIT DROP;`)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp table: %w", err)
	}

	rows := make([][]any, len(batch))
	for i, r := range batch {
		rows[i] = []any{r.urn, r.aspect, r.observedAt, r.payload, r.runID}
	}
	copiedIn, err := tx.CopyFrom(txCtx, pgx.Identifier{"tmp_metadata_aspects_ts"},
		[]string{"urn", "aspect", "observed_at", "payload", "run_id"}, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy batch: %w", err)
	}

	_, err = tx.Exec(txCtx, `
		INSERT INTO metadata_aspects_ts (SELECT * FROM tmp_metadata_aspects_ts) ON CONFLICT DO NOTHING;`)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}

	now := time.Now()
	if err := tx.Commit(txCtx); err != nil {
		return 0, err
	}
	zap.S().Debugf("Inserted %d timeseries rows in %s", copiedIn, time.Since(now))
	return copiedIn, nil
}

// calculateSleepTime scales the worker's sleep inversely with the size of
// the last batch. Empty batches back off to the maximum sleep.
func calculateSleepTime(rowsInserted int64, capacity uint64) time.Duration {
	const maxSleepTime = 5 * time.Second
	const minSleepTime = 10 * time.Millisecond

	if rowsInserted <= 0 {
		return maxSleepTime
	}
	if float64(rowsInserted) >= float64(capacity)*0.5 {
		return minSleepTime
	}

	factor := math.Log(float64(rowsInserted))
	if factor <= 0 {
		return maxSleepTime
	}
	sleepTime := time.Duration(float64(maxSleepTime) / factor)
	if sleepTime < minSleepTime {
		sleepTime = minSleepTime
	} else if sleepTime > maxSleepTime {
		sleepTime = maxSleepTime
	}
	return sleepTime
}
