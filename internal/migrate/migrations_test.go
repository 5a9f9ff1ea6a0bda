package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kendra/internal/db"
	"kendra/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(ctx, conn))
	first, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, 1)

	require.NoError(t, migrate.Migrate(ctx, conn))
	second, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = conn.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES ('k','v','now')`)
	require.NoError(t, err)
}
