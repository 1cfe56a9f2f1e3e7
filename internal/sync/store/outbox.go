package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// OutboxRecord is one not-yet-acknowledged local mutation.
type OutboxRecord struct {
	ID             string
	EntityType     string
	EntityID       string
	Operation      string
	Payload        json.RawMessage // nil for DELETE
	IdempotencyKey string
	SyncVersion    int
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Mutation describes a local write to be queued for push.
type Mutation struct {
	EntityType  string
	EntityID    string
	Operation   string // wire.OpUpsert or wire.OpDelete
	Payload     json.RawMessage
	SyncVersion int
}

// Enqueue records a local mutation for push, writing the entity snapshot
// and the outbox entry in one transaction so the outbox can never
// diverge from local state after a crash mid-write.
//
// If an open record already exists for the same (entity_type, entity_id)
// it is collapsed: the newer mutation replaces it under a fresh
// idempotency key and the attempt counter resets. Retries of the same
// logical mutation never pass through Enqueue again, so the key stays
// stable across retries.
func (db *DB) Enqueue(ctx context.Context, m Mutation) (*OutboxRecord, error) {
	if m.Operation != wire.OpUpsert && m.Operation != wire.OpDelete {
		return nil, fmt.Errorf("invalid outbox operation %q", m.Operation)
	}
	if m.EntityType == "" || m.EntityID == "" {
		return nil, fmt.Errorf("mutation requires entity type and id")
	}
	if m.SyncVersion <= 0 {
		m.SyncVersion = 1
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	var deviceID string
	if err := tx.QueryRowContext(ctx, `SELECT device_id FROM sync_device WHERE id = 1`).Scan(&deviceID); err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}

	seq, err := nextChangeSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &OutboxRecord{
		ID:             uuid.NewString(),
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Operation:      m.Operation,
		Payload:        m.Payload,
		IdempotencyKey: wire.Key(deviceID, m.EntityID, m.Operation, seq),
		SyncVersion:    m.SyncVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var payload any
	if m.Operation == wire.OpUpsert {
		payload = string(m.Payload)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_outbox (
		entity_type, entity_id, id, operation, payload, idempotency_key,
		sync_version, attempts, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		id = excluded.id,
		operation = excluded.operation,
		payload = excluded.payload,
		idempotency_key = excluded.idempotency_key,
		sync_version = excluded.sync_version,
		attempts = 0,
		last_error = NULL,
		updated_at = excluded.updated_at
	`, m.EntityType, m.EntityID, rec.ID, m.Operation, payload, rec.IdempotencyKey,
		m.SyncVersion, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue outbox record: %w", err)
	}

	switch m.Operation {
	case wire.OpDelete:
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_records (entity_type, entity_id, deleted_at, device_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			deleted_at = excluded.deleted_at,
			device_id = excluded.device_id
		`, m.EntityType, m.EntityID, formatTime(now), deviceID); err != nil {
			return nil, fmt.Errorf("failed to write tombstone: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_records WHERE entity_type = ? AND entity_id = ?`,
			m.EntityType, m.EntityID); err != nil {
			return nil, fmt.Errorf("failed to remove local record: %w", err)
		}

	case wire.OpUpsert:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM deleted_records WHERE entity_type = ? AND entity_id = ?`,
			m.EntityType, m.EntityID); err != nil {
			return nil, fmt.Errorf("failed to clear tombstone: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_records (entity_type, entity_id, payload, sync_version, updated_at, updated_by_device)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			payload = excluded.payload,
			sync_version = excluded.sync_version,
			updated_at = excluded.updated_at,
			updated_by_device = excluded.updated_by_device
		`, m.EntityType, m.EntityID, string(m.Payload), m.SyncVersion, formatTime(now), deviceID); err != nil {
			return nil, fmt.Errorf("failed to write local record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return rec, nil
}

// ListPending returns pending outbox records oldest-first, bounded by
// limit. A limit of zero or less returns nothing.
func (db *DB) ListPending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT entity_type, entity_id, id, operation, payload, idempotency_key,
	       sync_version, attempts, last_error, created_at, updated_at
	FROM sync_outbox
	ORDER BY created_at ASC, id ASC
	LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		var payload, lastError sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.ID, &rec.Operation,
			&payload, &rec.IdempotencyKey, &rec.SyncVersion, &rec.Attempts,
			&lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.LastError = lastError.String
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return records, nil
}

// Acknowledge removes outbox records whose idempotency keys were
// accepted by the server. Unknown keys are ignored.
func (db *DB) Acknowledge(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sync_outbox WHERE idempotency_key IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to acknowledge outbox records: %w", err)
	}
	return nil
}

// MarkFailed increments the attempt counter and records the error for a
// rejected record, leaving it pending for the next cycle.
func (db *DB) MarkFailed(ctx context.Context, id, errMsg string) error {
	res, err := db.conn.ExecContext(ctx, `
	UPDATE sync_outbox
	SET attempts = attempts + 1, last_error = ?, updated_at = ?
	WHERE id = ?
	`, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check outbox update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("outbox record %s not found", id)
	}
	return nil
}

// FindByKey returns the outbox record carrying the given idempotency
// key, or nil if none is pending.
func (db *DB) FindByKey(ctx context.Context, key string) (*OutboxRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT entity_type, entity_id, id, operation, payload, idempotency_key,
	       sync_version, attempts, last_error, created_at, updated_at
	FROM sync_outbox WHERE idempotency_key = ?
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var rec OutboxRecord
	var payload, lastError sql.NullString
	var createdAt, updatedAt string
	if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.ID, &rec.Operation,
		&payload, &rec.IdempotencyKey, &rec.SyncVersion, &rec.Attempts,
		&lastError, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan outbox record: %w", err)
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.LastError = lastError.String
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PendingCount returns the number of outbox records awaiting push.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}
