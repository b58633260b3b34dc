package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
)

// Dialect holds the SQL that differs between call record backends when
// tracking applied schema versions.
type Dialect struct {
	Name string
	// VersionsTable creates schema_migrations if it does not exist.
	VersionsTable string
	// Bind is the placeholder for the single version parameter.
	Bind string
}

// SQLite is the dialect of the embedded single-file store.
var SQLite = Dialect{
	Name: "sqlite",
	VersionsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`,
	Bind: "?",
}

// Postgres is the dialect of the shared server-backed store.
var Postgres = Dialect{
	Name: "postgres",
	VersionsTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	Bind: "$1",
}

// Migrate applies the .sql files in dir of fsys that are not yet recorded
// in schema_migrations, in filename order, each in its own transaction.
// It returns the versions it applied.
func Migrate(ctx context.Context, db *sql.DB, d Dialect, fsys fs.FS, dir string) ([]string, error) {
	if _, err := db.ExecContext(ctx, d.VersionsTable); err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	versions, err := migrationVersions(fsys, dir)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range versions {
		done, err := isApplied(ctx, db, d, version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		script, err := fs.ReadFile(fsys, path.Join(dir, version+".sql"))
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := applyMigration(ctx, db, d, version, string(script)); err != nil {
			return applied, err
		}

		slog.Info("applied call record migration", "backend", d.Name, "version", version)
		applied = append(applied, version)
	}
	return applied, nil
}

// migrationVersions lists the schema versions in dir, oldest first.
func migrationVersions(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(e.Name(), ".sql"))
	}
	slices.Sort(versions)
	return versions, nil
}

func isApplied(ctx context.Context, db *sql.DB, d Dialect, version string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = "+d.Bind, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking migration %s: %w", version, err)
	}
	return n > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, d Dialect, version, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES ("+d.Bind+")", version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}
