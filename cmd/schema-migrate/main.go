// schema-migrate applies the embedded schema migrations in order and
// records them in schema_migrations. Re-running is a no-op.
package main

import (
	"context"
	"embed"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func main() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)

	ctx := context.Background()
	conn, err := connect(ctx)
	if err != nil {
		zap.S().Fatalf("Failed to connect to the database: %s", err)
	}
	defer func() {
		_ = conn.Close(ctx)
	}()

	if err := migrate(ctx, conn); err != nil {
		zap.S().Fatalf("Migration failed: %s", err)
	}
	zap.S().Infof("Schema is up to date")
}

func connect(ctx context.Context) (*pgx.Conn, error) {
	host, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		return nil, err
	}
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		return nil, err
	}
	user, err := env.GetAsString("POSTGRES_USER", false, "postgres")
	if err != nil {
		return nil, err
	}
	password, err := env.GetAsString("POSTGRES_PASSWORD", false, "")
	if err != nil {
		return nil, err
	}
	database, err := env.GetAsString("POSTGRES_DATABASE", false, "metahub")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s", host, port, user, password, database)
	return pgx.Connect(ctx, dsn)
}

func migrate(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		applied, err := isApplied(ctx, conn, name)
		if err != nil {
			return err
		}
		if applied {
			zap.S().Debugf("Skipping already applied migration %s", name)
			continue
		}

		ddl, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(ddl)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		zap.S().Infof("Applied migration %s", name)
	}
	return nil
}

func isApplied(ctx context.Context, conn *pgx.Conn, name string) (bool, error) {
	var found string
	err := conn.QueryRow(ctx, `SELECT name FROM schema_migrations WHERE name = $1`, name).Scan(&found)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
