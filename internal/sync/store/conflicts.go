package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conflict types, mirroring the detection rules in the apply path.
const (
	ConflictFieldConflict   = "field_conflict"
	ConflictDeleteVsUpdate  = "delete_vs_update"
	ConflictNotesCollision  = "notes_collision"
	ConflictValidationError = "validation_error"
)

// Conflict statuses. Conflicts are never deleted, only transitioned,
// so the audit trail survives resolution.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
	ConflictIgnored  = "ignored"
)

// Resolution strategies.
const (
	StrategyKeepLocal   = "keep_local"
	StrategyKeepRemote  = "keep_remote"
	StrategyManualMerge = "manual_merge"
	StrategyRetry       = "retry"
)

// Timeline event types.
const (
	EventDetected = "detected"
	EventResolved = "resolved"
	EventIgnored  = "ignored"
	EventRetried  = "retried"
	EventExported = "exported"
)

// Conflict is a durable record of an incoming change that could not be
// applied automatically.
type Conflict struct {
	ID                     string          `json:"id"`
	IncomingIdempotencyKey string          `json:"incoming_idempotency_key"`
	EntityType             string          `json:"entity_type"`
	EntityID               string          `json:"entity_id"`
	Operation              string          `json:"operation"`
	ConflictType           string          `json:"conflict_type"`
	ReasonCode             string          `json:"reason_code"`
	Message                string          `json:"message"`
	LocalPayload           json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload          json.RawMessage `json:"remote_payload,omitempty"`
	BasePayload            json.RawMessage `json:"base_payload,omitempty"`
	Status                 string          `json:"status"`
	ResolutionStrategy     string          `json:"resolution_strategy,omitempty"`
	ResolvedByDevice       string          `json:"resolved_by_device,omitempty"`
	DetectedAt             time.Time       `json:"detected_at"`
	ResolvedAt             *time.Time      `json:"resolved_at,omitempty"`
}

// ConflictEvent is one append-only timeline row.
type ConflictEvent struct {
	ID         int64     `json:"id"`
	ConflictID string    `json:"conflict_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// RecordConflict persists a detected conflict, deduplicating on the
// incoming idempotency key.
//
// If a conflict for the same key is already open, the existing row's
// remote payload and detection time are updated in place; no second row
// is ever inserted. If the key was already resolved or ignored, the
// repeat is suppressed entirely so a re-delivered change cannot reopen
// a settled conflict. Returns the stored record and whether a new row
// was created.
func (db *DB) RecordConflict(ctx context.Context, c Conflict) (*Conflict, bool, error) {
	if c.IncomingIdempotencyKey == "" {
		return nil, false, fmt.Errorf("conflict requires an incoming idempotency key")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin conflict transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID, existingStatus string
	err = tx.QueryRowContext(ctx, `
	SELECT id, status FROM sync_conflicts
	WHERE incoming_idempotency_key = ?
	ORDER BY CASE status WHEN 'open' THEN 0 ELSE 1 END, detected_at DESC
	LIMIT 1
	`, c.IncomingIdempotencyKey).Scan(&existingID, &existingStatus)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to look up conflict: %w", err)
	}

	now := time.Now()

	switch {
	case err == sql.ErrNoRows:
		c.ID = uuid.NewString()
		c.Status = ConflictOpen
		c.DetectedAt = now
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (
			id, incoming_idempotency_key, entity_type, entity_id, operation,
			conflict_type, reason_code, message, local_payload, remote_payload,
			base_payload, status, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)
		`, c.ID, c.IncomingIdempotencyKey, c.EntityType, c.EntityID, c.Operation,
			c.ConflictType, c.ReasonCode, c.Message, nullableJSON(c.LocalPayload),
			nullableJSON(c.RemotePayload), nullableJSON(c.BasePayload),
			formatTime(now)); err != nil {
			return nil, false, fmt.Errorf("failed to insert conflict: %w", err)
		}
		if err := appendEventTx(ctx, tx, c.ID, EventDetected, c.ReasonCode, now); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit conflict: %w", err)
		}
		return &c, true, nil

	case existingStatus == ConflictOpen:
		if _, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts SET remote_payload = ?, detected_at = ? WHERE id = ?
		`, nullableJSON(c.RemotePayload), formatTime(now), existingID); err != nil {
			return nil, false, fmt.Errorf("failed to refresh open conflict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit conflict refresh: %w", err)
		}
		return db.GetConflict(ctx, existingID)

	default:
		// Already settled; same key never reopens a conflict.
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit conflict lookup: %w", err)
		}
		return db.GetConflict(ctx, existingID)
	}
}

// GetConflict loads a conflict by id. The bool mirrors RecordConflict's
// created flag and is always false here.
func (db *DB) GetConflict(ctx context.Context, id string) (*Conflict, bool, error) {
	rows, err := db.conn.QueryContext(ctx, selectConflict+` WHERE id = ?`, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query conflict: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("conflict %s not found", id)
	}
	c, err := scanConflict(rows)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

// FindOpenConflictByKey returns the open conflict for an incoming key,
// or nil when none is open.
func (db *DB) FindOpenConflictByKey(ctx context.Context, key string) (*Conflict, error) {
	rows, err := db.conn.QueryContext(ctx,
		selectConflict+` WHERE incoming_idempotency_key = ? AND status = 'open'`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanConflict(rows)
}

// ListConflicts returns conflicts, optionally filtered by status,
// newest-first.
func (db *DB) ListConflicts(ctx context.Context, status string) ([]Conflict, error) {
	query := selectConflict
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	return conflicts, rows.Err()
}

// OpenConflictCount returns the number of open conflicts.
func (db *DB) OpenConflictCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE status = 'open'`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open conflicts: %w", err)
	}
	return count, nil
}

// TransitionConflict moves a conflict to resolved or ignored, records
// the strategy and resolving device, and appends the matching timeline
// event. The conflict row itself is never deleted.
func (db *DB) TransitionConflict(ctx context.Context, id, status, strategy, resolvedBy string) error {
	if status != ConflictResolved && status != ConflictIgnored {
		return fmt.Errorf("invalid conflict transition to %q", status)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
	UPDATE sync_conflicts
	SET status = ?, resolution_strategy = ?, resolved_by_device = ?, resolved_at = ?
	WHERE id = ? AND status = 'open'
	`, status, strategy, resolvedBy, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to transition conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s is not open", id)
	}

	event := EventResolved
	if status == ConflictIgnored {
		event = EventIgnored
	}
	if err := appendEventTx(ctx, tx, id, event, strategy, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// TagRetry marks an open conflict with the retry strategy while leaving
// it open, and appends a retried timeline event.
func (db *DB) TagRetry(ctx context.Context, id, resolvedBy string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry tag: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
	UPDATE sync_conflicts
	SET resolution_strategy = ?, resolved_by_device = ?
	WHERE id = ? AND status = 'open'
	`, StrategyRetry, resolvedBy, id)
	if err != nil {
		return fmt.Errorf("failed to tag retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check retry tag: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s is not open", id)
	}

	if err := appendEventTx(ctx, tx, id, EventRetried, "", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry tag: %w", err)
	}
	return nil
}

// AppendConflictEvent adds a timeline row outside of a state
// transition, e.g. an export.
func (db *DB) AppendConflictEvent(ctx context.Context, conflictID, eventType, detail string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event append: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, conflictID, eventType, detail, time.Now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event append: %w", err)
	}
	return nil
}

// ListConflictEvents returns a conflict's timeline oldest-first.
func (db *DB) ListConflictEvents(ctx context.Context, conflictID string) ([]ConflictEvent, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, conflict_id, event_type, occurred_at, detail
	FROM sync_conflict_events WHERE conflict_id = ?
	ORDER BY id ASC
	`, conflictID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict events: %w", err)
	}
	defer rows.Close()

	var events []ConflictEvent
	for rows.Next() {
		var ev ConflictEvent
		var occurredAt string
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.ConflictID, &ev.EventType, &occurredAt, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan conflict event: %w", err)
		}
		if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

const selectConflict = `
SELECT id, incoming_idempotency_key, entity_type, entity_id, operation,
       conflict_type, reason_code, message, local_payload, remote_payload,
       base_payload, status, resolution_strategy, resolved_by_device,
       detected_at, resolved_at
FROM sync_conflicts`

func scanConflict(rows *sql.Rows) (*Conflict, error) {
	var c Conflict
	var local, remote, base, strategy, resolvedBy, resolvedAt sql.NullString
	var detectedAt string
	if err := rows.Scan(&c.ID, &c.IncomingIdempotencyKey, &c.EntityType, &c.EntityID,
		&c.Operation, &c.ConflictType, &c.ReasonCode, &c.Message, &local, &remote,
		&base, &c.Status, &strategy, &resolvedBy, &detectedAt, &resolvedAt); err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	if local.Valid {
		c.LocalPayload = json.RawMessage(local.String)
	}
	if remote.Valid {
		c.RemotePayload = json.RawMessage(remote.String)
	}
	if base.Valid {
		c.BasePayload = json.RawMessage(base.String)
	}
	c.ResolutionStrategy = strategy.String
	c.ResolvedByDevice = resolvedBy.String

	var err error
	if c.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		c.ResolvedAt = &t
	}
	return &c, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, conflictID, eventType, detail string, at time.Time) error {
	var d any
	if detail != "" {
		d = detail
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO sync_conflict_events (conflict_id, event_type, occurred_at, detail)
	VALUES (?, ?, ?, ?)
	`, conflictID, eventType, formatTime(at), d); err != nil {
		return fmt.Errorf("failed to append conflict event: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
