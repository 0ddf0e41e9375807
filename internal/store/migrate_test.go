package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestLoadMigrationsPairsScripts(t *testing.T) {
	migrations, err := LoadMigrations(migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.FileExists(t, m.UpPath)
		assert.FileExists(t, m.DownPath)
		assert.Equal(t, m.Version+"_"+m.Name+".up.sql", m.File())
		if i > 0 {
			assert.Less(t, migrations[i-1].Version, m.Version)
		}
	}
	assert.Equal(t, "0001_identity.up.sql", migrations[0].File())
}

func TestLoadMigrationsRejectsBrokenDirectories(t *testing.T) {
	write := func(t *testing.T, dir string, names ...string) {
		t.Helper()
		for _, name := range names {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644))
		}
	}

	tests := []struct {
		name    string
		files   []string
		wantErr string
	}{
		{name: "missing down", files: []string{"0001_init.up.sql"}, wantErr: "both up and down"},
		{name: "duplicate up", files: []string{"0001_init.up.sql", "0001_other.up.sql", "0001_init.down.sql"}, wantErr: "two up scripts"},
		{name: "empty", files: []string{"README.md"}, wantErr: "no migrations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			write(t, dir, tt.files...)
			_, err := LoadMigrations(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("APP_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("APP_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, resetPublicSchema(ctx, db))

	migrations, err := LoadMigrations(migrationsDir)
	require.NoError(t, err)

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Empty(t, again, "second run is a no-op")

	rolledBack, err := RollbackMigrations(ctx, db, migrationsDir, len(migrations))
	require.NoError(t, err)
	require.Len(t, rolledBack, len(migrations))
	assert.Equal(t, migrations[len(migrations)-1].File(), rolledBack[0], "newest first")

	applied, err = ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	assert.Len(t, applied, len(migrations))
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
