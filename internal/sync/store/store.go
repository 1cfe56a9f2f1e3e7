// Package store provides the embedded SQLite persistence for the sync
// engine: the outbox of unacknowledged local mutations, tombstones for
// propagating deletions, the checkpoint cursor, conflict records with
// their append-only event timeline, and a narrow key-value record store
// for applied entity snapshots.
//
// The database runs in embedded mode with WAL enabled so the enqueue
// path (local mutation commits) can run concurrently with the runner's
// read/ack path.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with sync-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist it is created; call InitSchema before
// first use. The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL mode lets the runner read while a local mutation commits.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after a WAL checkpoint.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the sync tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the sync schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Device identity and the monotonically increasing local change
	-- counter that feeds idempotency keys. Single row.
	CREATE TABLE IF NOT EXISTS sync_device (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		device_id TEXT NOT NULL,
		next_change_seq INTEGER NOT NULL DEFAULT 1
	);

	-- Outbox of not-yet-acknowledged local mutations. One open record
	-- per entity: a newer local mutation replaces, not appends.
	CREATE TABLE IF NOT EXISTS sync_outbox (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		id TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL CHECK (operation IN ('UPSERT','DELETE')),
		payload TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		sync_version INTEGER NOT NULL DEFAULT 1,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_created ON sync_outbox(created_at);

	-- Tombstones so deletions can propagate and delete_vs_update
	-- conflicts can be detected.
	CREATE TABLE IF NOT EXISTS deleted_records (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		device_id TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	-- Singleton checkpoint: last-acknowledged server cursor.
	CREATE TABLE IF NOT EXISTS sync_checkpoints (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_sync_cursor TEXT,
		last_synced_at TEXT
	);

	-- Applied entity snapshots, used by the apply path. This is the
	-- narrow record store; the domain model lives above it.
	CREATE TABLE IF NOT EXISTS local_records (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		sync_version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		updated_by_device TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		incoming_idempotency_key TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		message TEXT NOT NULL,
		local_payload TEXT,
		remote_payload TEXT,
		base_payload TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		resolution_strategy TEXT,
		resolved_by_device TEXT,
		detected_at TEXT NOT NULL,
		resolved_at TEXT
	);
	-- At most one open conflict per incoming idempotency key.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open_key
	    ON sync_conflicts(incoming_idempotency_key) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON sync_conflicts(status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_key ON sync_conflicts(incoming_idempotency_key);

	-- Append-only timeline, one row per conflict state transition.
	CREATE TABLE IF NOT EXISTS sync_conflict_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conflict_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		detail TEXT,
		FOREIGN KEY (conflict_id) REFERENCES sync_conflicts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_conflict_events_conflict
	    ON sync_conflict_events(conflict_id, occurred_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// EnsureDeviceID returns the persisted device id, generating and storing
// a new one on first call.
func (db *DB) EnsureDeviceID(ctx context.Context) (string, error) {
	var deviceID string
	err := db.conn.QueryRowContext(ctx, `SELECT device_id FROM sync_device WHERE id = 1`).Scan(&deviceID)
	if err == sql.ErrNoRows {
		deviceID = uuid.NewString()
		_, err = db.conn.ExecContext(ctx,
			`INSERT INTO sync_device (id, device_id, next_change_seq) VALUES (1, ?, 1)`, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return deviceID, nil
}

// DeviceID returns the persisted device id without creating one.
func (db *DB) DeviceID(ctx context.Context) (string, error) {
	var deviceID string
	err := db.conn.QueryRowContext(ctx, `SELECT device_id FROM sync_device WHERE id = 1`).Scan(&deviceID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("device id not initialized")
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return deviceID, nil
}

// nextChangeSeq reserves and returns the next local change counter value
// inside the given transaction.
func nextChangeSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next_change_seq FROM sync_device WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read change counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_device SET next_change_seq = next_change_seq + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to advance change counter: %w", err)
	}
	return seq, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
