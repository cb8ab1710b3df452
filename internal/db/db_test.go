package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)
	return database
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	database, err := OpenInMemory()
	require.NoError(t, err)
	defer database.Close()

	ctx := context.Background()
	applied, err := database.MigrateUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), applied)

	applied, err = database.MigrateUp(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "flock.db")
	database, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	defer database.Close()

	assert.Equal(t, path, database.Path())
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}
