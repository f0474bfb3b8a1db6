package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations_Idempotent(t *testing.T) {
	db, err := openDatabase(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, db))
	require.NoError(t, ApplyMigrations(ctx, db))

	v, err := currentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestRollbackMigration(t *testing.T) {
	db, err := openDatabase(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	require.NoError(t, ApplyMigrations(ctx, db))

	require.NoError(t, RollbackMigration(ctx, db))
	v, err := currentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.String())

	require.NoError(t, RollbackMigration(ctx, db))
	v, err = currentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", v.String())

	assert.Error(t, RollbackMigration(ctx, db))

	// reapply from scratch
	require.NoError(t, ApplyMigrations(ctx, db))
}

func TestApplyMigrations_RejectsNewerSchema(t *testing.T) {
	db, err := openDatabase(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()
	require.NoError(t, ApplyMigrations(ctx, db))

	_, err = db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ('9.0.0')")
	require.NoError(t, err)

	assert.Error(t, ApplyMigrations(ctx, db))
}
