package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readMigration(t *testing.T, name string) string {
	ddl, err := migrationFiles.ReadFile("migrations/" + name)
	require.NoError(t, err)
	return string(ddl)
}

// The swap in the aspect store copies the current version 0 row, its
// fingerprint included, to the next history version before version 0 is
// updated. A fingerprint index covering history rows would reject that
// copy on every write, so the unique index must be scoped to version 0.
func TestFingerprintIndexCoversOnlyLatestRows(t *testing.T) {
	ddl := readMigration(t, "0001_metadata_aspects.sql")

	idx := strings.Index(ddl, "metadata_aspects_fingerprint_key")
	require.GreaterOrEqual(t, idx, 0)
	assert.Contains(t, ddl[idx:], "WHERE version = 0")
}

// The store publishes the sequence counter of the version 0 row, so the
// column must exist with a default for rows predating the counter.
func TestAspectTableCarriesSequenceCounter(t *testing.T) {
	ddl := readMigration(t, "0001_metadata_aspects.sql")
	assert.Contains(t, ddl, "sequence     BIGINT      NOT NULL DEFAULT 0")
}

func TestMigrationsAreOrdered(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	previous := ""
	for _, entry := range entries {
		name := entry.Name()
		assert.True(t, strings.HasSuffix(name, ".sql"), "unexpected file %s", name)
		assert.Greater(t, name, previous)
		previous = name
	}
}
