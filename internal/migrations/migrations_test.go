package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun/migrate"

	"github.com/unioslo/spine/internal/db/bunx"
)

func TestMigrateUpAndDown(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, "file:migrations_test?mode=memory&cache=shared", 0)
	require.NoError(t, err)
	defer bunx.Close(db)

	assert.True(t, IsSQLite(db))
	assert.False(t, IsPostgreSQL(db))

	migrator := migrate.NewMigrator(db, Migrations)
	require.NoError(t, migrator.Init(ctx))

	group, err := migrator.Migrate(ctx)
	require.NoError(t, err)
	assert.NotZero(t, group.ID)

	for _, table := range []string{"entities", "accounts", "persons", "groups", "group_members", "ous", "quarantines", "sessions"} {
		var n int
		err := db.NewRaw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(ctx, &n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}

	// Applying again is a no-op.
	group, err = migrator.Migrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, group.ID)

	_, err = migrator.Rollback(ctx)
	require.NoError(t, err)

	var n int
	require.NoError(t, db.NewRaw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'sessions'").Scan(ctx, &n))
	assert.Zero(t, n)
}
