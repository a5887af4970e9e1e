// Package store is the durable local state for the sync engine: the
// server-snapshot layer, the optimistic overlay, the tombstone set, the
// pending-operation queue, and the sync event log, all in one sqlite file.
//
// Reads of the merged view never touch the network and never wait on a
// sync cycle; the engine and the UI share the store under sqlite's own
// locking plus a bounded busy-retry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborline/tasksync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 2
	schemaChecksum = "ts-v2-2026-08-28-op-seq"

	// Retry budget per operation. A fresh edit resets the budget.
	maxAttempts = 3
)

// retryBackoff is the exponential schedule between attempts. The third
// entry only matters if the attempt cap is ever raised.
var retryBackoff = []time.Duration{2 * time.Second, 8 * time.Second, 30 * time.Second}

// Store owns the sqlite database. A nil bus is allowed in tests; events
// are then simply not published.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// DefaultDBPath returns the database path under the user's home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasksync", "tasksync.db")
}

// Open opens (creating if needed) the database at path and migrates the
// schema. The connection pool is pinned to a single connection; with WAL
// and the low write rate of a personal task app that is both simplest and
// correct.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		// Last-known authoritative server state, one row per entity.
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			payload JSON NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Locally mutated, not-yet-confirmed records. Cleared when the
		// server confirms the write.
		`CREATE TABLE IF NOT EXISTS optimistic (
			id TEXT PRIMARY KEY,
			payload JSON NOT NULL,
			dirty_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Locally deleted ids. confirmed_at is set once the server has
		// acknowledged the delete; purge happens after a retention window.
		`CREATE TABLE IF NOT EXISTS tombstones (
			id TEXT PRIMARY KEY,
			deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			confirmed_at DATETIME
		);`,
		// At most one pending operation per entity id. seq advances on
		// every write to the row, so a confirmation for an older payload
		// is distinguishable from the row's current contents.
		`CREATE TABLE IF NOT EXISTS pending_ops (
			entity_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('create', 'update', 'delete', 'status_change')),
			delta JSON NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			available_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_error TEXT,
			failed INTEGER NOT NULL DEFAULT 0
		);`,
		// Append-only log feeding the status surface and diagnostics.
		`CREATE TABLE IF NOT EXISTS sync_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Scalar state: device id, last successful pull cursor.
		`CREATE TABLE IF NOT EXISTS kv_state (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Column additions for databases created before the current version.
	// CREATE IF NOT EXISTS leaves old tables alone, so each new column
	// gets a tolerant ALTER; sqlite has no ADD COLUMN IF NOT EXISTS.
	backfillStatements := []string{
		`ALTER TABLE pending_ops ADD COLUMN seq INTEGER NOT NULL DEFAULT 0;`,
	}
	for _, stmt := range backfillStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("exec migration backfill: %w", err)
			}
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_pending_ready ON pending_ops(failed, available_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tombstones_confirmed ON tombstones(confirmed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_events_created ON sync_events(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's own
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
