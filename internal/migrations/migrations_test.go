package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpAppliesSQLiteSchemaOnce(t *testing.T) {
	t.Parallel()

	db := openSQLite(t)
	ctx := context.Background()

	applied, err := Up(ctx, db, SQLite)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4}, applied)

	again, err := Up(ctx, db, SQLite)
	require.NoError(t, err)
	require.Empty(t, again)

	version, err := Version(ctx, db, SQLite)
	require.NoError(t, err)
	require.Equal(t, int64(4), version)

	for _, table := range []string{"targets", "status_latest", "status_events", "notification_ledger", "subscriptions", "notification_claims"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestUnsupportedDialect(t *testing.T) {
	t.Parallel()

	_, err := Up(context.Background(), openSQLite(t), Dialect("oracle"))
	require.ErrorContains(t, err, "unsupported")
}

func TestEmbeddedDialectsHaveSameVersions(t *testing.T) {
	t.Parallel()

	pg, err := embedded.ReadDir("postgres")
	require.NoError(t, err)
	lite, err := embedded.ReadDir("sqlite")
	require.NoError(t, err)
	require.Equal(t, len(pg), len(lite))
	for i := range pg {
		require.Equal(t, pg[i].Name(), lite[i].Name())
	}
}
