package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrCursorRegression is returned when SetCheckpoint is asked to store a
// cursor older than the one already persisted. The runner always
// supplies the latest server-issued cursor, so hitting this indicates a
// caller bug rather than a normal condition.
var ErrCursorRegression = errors.New("refusing to move sync checkpoint backwards")

// Checkpoint is the singleton last-acknowledged sync position. A nil
// Cursor means no sync has ever completed (LOCAL_ONLY semantics
// upstream).
type Checkpoint struct {
	Cursor   *string
	SyncedAt time.Time
}

// GetCheckpoint returns the current checkpoint. Before the first
// successful sync the returned cursor is nil.
func (db *DB) GetCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cursor sql.NullString
	var syncedAt sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync_cursor, last_synced_at FROM sync_checkpoints WHERE id = 1`).
		Scan(&cursor, &syncedAt)
	if err == sql.ErrNoRows {
		return &Checkpoint{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	cp := &Checkpoint{}
	if cursor.Valid {
		c := cursor.String
		cp.Cursor = &c
	}
	if syncedAt.Valid {
		if cp.SyncedAt, err = parseTime(syncedAt.String); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// SetCheckpoint atomically persists a new cursor and sync time.
//
// Cursors are opaque, so ordering is proven through the server time
// issued alongside them: a syncedAt earlier than the stored one means
// the caller is replaying a stale cursor and gets ErrCursorRegression.
func (db *DB) SetCheckpoint(ctx context.Context, cursor string, syncedAt time.Time) error {
	if cursor == "" {
		return fmt.Errorf("checkpoint cursor cannot be empty")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	var prevSyncedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_checkpoints WHERE id = 1`).Scan(&prevSyncedAt)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read current checkpoint: %w", err)
	}
	if prevSyncedAt.Valid {
		prev, err := parseTime(prevSyncedAt.String)
		if err != nil {
			return err
		}
		if syncedAt.Before(prev) {
			return fmt.Errorf("%w: %s is older than %s", ErrCursorRegression,
				syncedAt.UTC().Format(time.RFC3339), prev.UTC().Format(time.RFC3339))
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_checkpoints (id, last_sync_cursor, last_synced_at)
	VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_sync_cursor = excluded.last_sync_cursor,
		last_synced_at = excluded.last_synced_at
	`, cursor, formatTime(syncedAt))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoint drops the stored cursor so the next cycle performs a
// full pull from the beginning. Used for re-bootstrap after the server
// reports the stored cursor invalid.
func (db *DB) ClearCheckpoint(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
