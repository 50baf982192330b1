package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	pingTimeout = 5 * time.Second
	idleTimeout = 30 * time.Minute
)

// DB is the SQLite handle shared by the repositories. The embedded *sql.DB
// is what they take.
type DB struct {
	*sql.DB
	path string
}

// Config mirrors the database section of config.yaml.
type Config struct {
	// Path of the database file, or MemoryPath. Missing parent
	// directories are created.
	Path string

	// WALMode turns on write-ahead logging. Ignored for MemoryPath.
	WALMode bool

	// BusyTimeout is how long, in seconds, a statement waits on a lock.
	BusyTimeout int
}

// dsn renders cfg as a go-sqlite3 connection string.
func (cfg Config) dsn() string {
	var b strings.Builder
	fmt.Fprintf(&b, "file:%s?_foreign_keys=on&_busy_timeout=%d",
		cfg.Path, (time.Duration(cfg.BusyTimeout) * time.Second).Milliseconds())
	if cfg.WALMode && cfg.Path != MemoryPath {
		b.WriteString("&_journal_mode=WAL&_synchronous=NORMAL")
	}
	return b.String()
}

// Open opens (creating if needed) the database at cfg.Path and pings it
// within ctx.
//
// The pool holds a single connection. SQLite allows one writer and the
// ingest path runs one short statement at a time, so callers queue in
// database/sql rather than retrying on SQLITE_BUSY.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}

	onDisk := cfg.Path != MemoryPath
	if onDisk {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(idleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if onDisk {
		_ = os.Chmod(cfg.Path, 0o600) //nolint:errcheck // file appears on first write
	}

	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Close releases the pool. Calling it on a DB whose handle is nil is a no-op.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the configured database path.
func (db *DB) Path() string { return db.path }

// HealthCheck runs SELECT 1.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Stats exposes the pool statistics.
func (db *DB) Stats() sql.DBStats { return db.DB.Stats() }

// ExecContext is sql.DB.ExecContext with the error wrapped.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return res, nil
}

// QueryRowContext forwards to the embedded pool.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx is sql.DB.BeginTx with the error wrapped.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}
