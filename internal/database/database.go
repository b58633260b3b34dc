// Package database stores the record of every call a line places or
// answers: how it was set up, how it ended and the digits the caller
// keyed. The embedded SQLite store lives in the data directory; pgstore
// provides the same repository on PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileName is the call record database inside the data directory.
const FileName = "ivrkit.db"

// openTimeout bounds the ping and schema setup at startup.
const openTimeout = 30 * time.Second

// DB is the SQLite call record store.
type DB struct {
	*sql.DB
}

// sqliteDSN builds the modernc DSN for path. WAL lets the metrics and API
// readers run while a line is writing its record.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(on)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the call record store in dataDir, creating the directory and
// the database file on first run and bringing the schema up to date.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, FileName)

	sqlDB, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening call record store: %w", err)
	}
	// One writer; lines serialise their record updates through it.
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging call record store: %w", err)
	}

	applied, err := Migrate(ctx, sqlDB, SQLite, migrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("call record store opened", "path", dbPath, "migrations_applied", len(applied))
	return &DB{DB: sqlDB}, nil
}
