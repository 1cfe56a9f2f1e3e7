package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// LocalRecord is an applied entity snapshot in the narrow record store.
type LocalRecord struct {
	EntityType      string
	EntityID        string
	Payload         json.RawMessage
	SyncVersion     int
	UpdatedAt       time.Time
	UpdatedByDevice string
}

// GetLocalRecord returns the stored snapshot for an entity, or nil if
// none exists.
func (db *DB) GetLocalRecord(ctx context.Context, entityType, entityID string) (*LocalRecord, error) {
	var rec LocalRecord
	var payload sql.NullString
	var updatedAt string
	err := db.conn.QueryRowContext(ctx, `
	SELECT entity_type, entity_id, payload, sync_version, updated_at, updated_by_device
	FROM local_records WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&rec.EntityType, &rec.EntityID, &payload,
		&rec.SyncVersion, &updatedAt, &rec.UpdatedByDevice)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local record: %w", err)
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ApplyRemoteUpsert writes an incoming snapshot and clears any tombstone
// for the entity in one transaction.
func (db *DB) ApplyRemoteUpsert(ctx context.Context, rec LocalRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deleted_records WHERE entity_type = ? AND entity_id = ?`,
		rec.EntityType, rec.EntityID); err != nil {
		return fmt.Errorf("failed to clear tombstone: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO local_records (entity_type, entity_id, payload, sync_version, updated_at, updated_by_device)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		payload = excluded.payload,
		sync_version = excluded.sync_version,
		updated_at = excluded.updated_at,
		updated_by_device = excluded.updated_by_device
	`, rec.EntityType, rec.EntityID, string(rec.Payload), rec.SyncVersion,
		formatTime(rec.UpdatedAt), rec.UpdatedByDevice); err != nil {
		return fmt.Errorf("failed to apply remote upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote upsert: %w", err)
	}
	return nil
}

// ApplyRemoteDelete removes the local snapshot and records a tombstone
// attributed to the deleting device.
func (db *DB) ApplyRemoteDelete(ctx context.Context, entityType, entityID, deviceID string, deletedAt time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM local_records WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID); err != nil {
		return fmt.Errorf("failed to delete local record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO deleted_records (entity_type, entity_id, deleted_at, device_id)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		deleted_at = excluded.deleted_at,
		device_id = excluded.device_id
	`, entityType, entityID, formatTime(deletedAt), deviceID); err != nil {
		return fmt.Errorf("failed to write tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remote delete: %w", err)
	}
	return nil
}

// HasTombstone reports whether the entity is locally marked deleted.
func (db *DB) HasTombstone(ctx context.Context, entityType, entityID string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx,
		`SELECT 1 FROM deleted_records WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return true, nil
}

// PendingForEntity returns the open outbox record for an entity, or nil.
// The apply path uses this to detect concurrent local edits.
func (db *DB) PendingForEntity(ctx context.Context, entityType, entityID string) (*OutboxRecord, error) {
	var key string
	err := db.conn.QueryRowContext(ctx,
		`SELECT idempotency_key FROM sync_outbox WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check pending mutation: %w", err)
	}
	return db.FindByKey(ctx, key)
}
