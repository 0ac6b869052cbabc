package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestApplyMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := Open(ctx, filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	migrations := fstest.MapFS{
		"001_items.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
		"002_more.sql":  &fstest.MapFile{Data: []byte("ALTER TABLE items ADD COLUMN n INTEGER NOT NULL DEFAULT 0;")},
		"README.md":     &fstest.MapFile{Data: []byte("ignored")},
	}

	logger := zaptest.NewLogger(t)
	require.NoError(t, ApplyMigrations(ctx, logger, sqlDB, migrations))
	require.NoError(t, ApplyMigrations(ctx, logger, sqlDB, migrations))

	var applied int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)

	_, err = sqlDB.Exec(`INSERT INTO items (id, n) VALUES ('a', 1)`)
	require.NoError(t, err)
}

func TestExtractUp(t *testing.T) {
	assert.Equal(t, "\nA;\n", ExtractUp("-- +migrate Up\nA;\n-- +migrate Down\nB;"))
	assert.Equal(t, "A;", ExtractUp("A;"))
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2026, time.March, 1, 12, 30, 0, 123_000_000, time.UTC)
	assert.Equal(t, ts, FromMillis(ToMillis(ts)))
}
