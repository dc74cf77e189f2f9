package aspectstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/metahub-platform/metahub/internal"
	"github.com/metahub-platform/metahub/pkg/registry"
)

var (
	// ErrConcurrentModification is returned when the compare-and-swap on
	// the latest version lost a race. The caller may retry with fresh
	// state.
	ErrConcurrentModification = errors.New("concurrent modification of latest aspect version")
	// ErrNotFound is returned by point reads for absent records.
	ErrNotFound = errors.New("aspect record not found")
)

// DB is the slice of pgxpool.Pool the store needs. Tests substitute a
// pgxmock pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
}

// Store is the system of record: it maps (urn, aspect, version) to a
// serialized payload plus audit metadata, and is the only component that
// mutates "current version" state.
type Store struct {
	db       DB
	registry *registry.Registry

	tsChannel chan tsRow
	metrics   *storeMetrics
}

// DB exposes the underlying connection for components that share it,
// e.g. the graph index living in the same database.
func (s *Store) DB() DB {
	return s.db
}

// New wires a store onto an existing connection. The timeseries worker is
// not started; call StartTimeseriesWorker from the owning service.
func New(db DB, reg *registry.Registry) *Store {
	return &Store{
		db:        db,
		registry:  reg,
		tsChannel: make(chan tsRow, defaultTimeseriesChannelSize),
		metrics:   newStoreMetrics(),
	}
}

// Connect builds a pgx pool from POSTGRES_* environment variables,
// validates that the expected tables exist and returns a ready store.
func Connect(ctx context.Context, reg *registry.Registry) (*Store, error) {
	host, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		return nil, err
	}
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return nil, err
	}
	user, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		return nil, err
	}
	password, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		return nil, err
	}
	dbName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		return nil, err
	}
	sslMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		return nil, err
	}

	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", user, host, port, dbName, sslMode)
	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", host, port, user, password, dbName, sslMode)

	connectCtx, cancel := get5SecondContext(ctx)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, conString)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres: %w", err)
	}

	store := New(pool, reg)
	if err := store.validateTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// validateTables checks that the schema has been migrated. The store never
// creates its own tables; migrations/ ships the DDL.
func (s *Store) validateTables(ctx context.Context) error {
	checkCtx, cancel := get5SecondContext(ctx)
	defer cancel()

	for _, table := range []string{"metadata_aspects", "metadata_aspects_ts", "metadata_edges", "metadata_index_state"} {
		var name string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err := s.db.QueryRow(checkCtx, query, table).Scan(&name)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("table %s does not exist in the database, run the migrations first", table)
			}
			return fmt.Errorf("failed to check for table %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) IsAvailable() bool {
	if s.db == nil {
		return false
	}
	ctx, cancel := get5SecondContext(context.Background())
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

// Registry exposes the schema catalog the store was built with.
func (s *Store) Registry() *registry.Registry {
	return s.registry
}

// classifyError maps postgres errors onto the store's error taxonomy.
// Unique violations and serialization failures both mean our conditional
// write lost a race.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

// fingerprint computes the unique token a committed write is identified by.
// It must differ between any two writes, including writes of an identical
// payload, so the write time and run id are mixed in.
func fingerprint(payload []byte, runID string, at time.Time) string {
	stamp := at.UTC().Format(time.RFC3339Nano)
	return hex.EncodeToString(internal.AsXXHash(payload, []byte(runID), []byte(stamp)))
}

func get5SecondContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}

func get1MinuteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 1*time.Minute)
}
