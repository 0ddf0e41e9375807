package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// migrationLock is the pg_advisory_lock key held while migrations run, so API replicas
// starting together apply each file once.
const migrationLock = 727_274_001

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema change with its up and down scripts.
type Migration struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// File is the up script's base name; it is the key recorded in schema_migrations.
func (m Migration) File() string {
	return filepath.Base(m.UpPath)
}

// LoadMigrations reads dir and pairs up/down scripts by version, oldest first.
// A version without both scripts, or with two scripts for one direction, is an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, name, direction := match[1], match[2], match[3]
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		path := filepath.Join(dir, entry.Name())
		target := &m.UpPath
		if direction == "down" {
			target = &m.DownPath
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %s has two %s scripts", version, direction)
		}
		*target = path
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpPath == "" || m.DownPath == "" {
			return nil, fmt.Errorf("migration %s must have both up and down scripts", m.Version)
		}
		out = append(out, *m)
	}
	if len(out) == 0 {
		return nil, errors.New("no migrations found in " + dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every pending up script in its own transaction and returns the files applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	conn, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer unlockMigrations(conn)

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return nil, err
	}
	done, err := appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		if done[m.File()] {
			continue
		}
		if err := runScript(ctx, conn, m.UpPath, `INSERT INTO schema_migrations(version) VALUES($1)`, m.File()); err != nil {
			return applied, err
		}
		log.Ctx(ctx).Info().Str("migration", m.File()).Msg("migration applied")
		applied = append(applied, m.File())
	}
	return applied, nil
}

// RollbackMigrations runs the down scripts of the newest steps applied migrations.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	if steps < 1 {
		return nil, nil
	}
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	conn, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer unlockMigrations(conn)

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return nil, err
	}
	done, err := appliedMigrations(ctx, conn)
	if err != nil {
		return nil, err
	}

	var rolledBack []string
	for i := len(migrations) - 1; i >= 0 && len(rolledBack) < steps; i-- {
		m := migrations[i]
		if !done[m.File()] {
			continue
		}
		if err := runScript(ctx, conn, m.DownPath, `DELETE FROM schema_migrations WHERE version = $1`, m.File()); err != nil {
			return rolledBack, err
		}
		log.Ctx(ctx).Info().Str("migration", m.File()).Msg("migration rolled back")
		rolledBack = append(rolledBack, m.File())
	}
	return rolledBack, nil
}

func runScript(ctx context.Context, conn *sql.Conn, path, bookkeeping, version string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if script := strings.TrimSpace(string(contents)); script != "" {
		if _, err := tx.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("execute %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

// lockMigrations pins one pooled connection and takes the session-level advisory lock on it.
func lockMigrations(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLock); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migration lock: %w", err)
	}
	return conn, nil
}

func unlockMigrations(conn *sql.Conn) {
	if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLock); err != nil {
		log.Warn().Err(err).Msg("release migration lock")
	}
	_ = conn.Close()
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		done[version] = true
	}
	return done, rows.Err()
}
