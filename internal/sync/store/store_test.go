package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	if _, err := db.EnsureDeviceID(context.Background()); err != nil {
		t.Fatalf("failed to ensure device id: %v", err)
	}
	return db
}

func enqueueUpsert(t *testing.T, db *DB, entityID, title string) *OutboxRecord {
	t.Helper()

	rec, err := db.Enqueue(context.Background(), Mutation{
		EntityType: wire.EntityTask,
		EntityID:   entityID,
		Operation:  wire.OpUpsert,
		Payload:    json.RawMessage(`{"title":"` + title + `"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return rec
}

func TestEnsureDeviceIDIsStable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := db.EnsureDeviceID(ctx)
	if err != nil {
		t.Fatalf("EnsureDeviceID failed: %v", err)
	}
	second, err := db.EnsureDeviceID(ctx)
	if err != nil {
		t.Fatalf("EnsureDeviceID failed: %v", err)
	}
	if first != second {
		t.Errorf("device id changed between calls: %q vs %q", first, second)
	}
}

func TestEnqueueCollapsesOpenRecord(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := enqueueUpsert(t, db, "task-1", "Buy milk")
	second := enqueueUpsert(t, db, "task-1", "Buy oat milk")

	if first.IdempotencyKey == second.IdempotencyKey {
		t.Error("a replacing mutation must mint a fresh idempotency key")
	}

	pending, err := db.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 open record after collapse, got %d", len(pending))
	}
	if pending[0].IdempotencyKey != second.IdempotencyKey {
		t.Errorf("pending record carries key %q, want the newer %q",
			pending[0].IdempotencyKey, second.IdempotencyKey)
	}
	if string(pending[0].Payload) != `{"title":"Buy oat milk"}` {
		t.Errorf("pending payload = %s, want newer payload", pending[0].Payload)
	}
}

func TestListPendingOrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	enqueueUpsert(t, db, "task-1", "a")
	enqueueUpsert(t, db, "task-2", "b")
	enqueueUpsert(t, db, "task-3", "c")

	pending, err := db.ListPending(ctx, 2)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 records with limit 2, got %d", len(pending))
	}
	if pending[0].EntityID != "task-1" || pending[1].EntityID != "task-2" {
		t.Errorf("records not oldest-first: %s, %s", pending[0].EntityID, pending[1].EntityID)
	}

	none, err := db.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("limit 0 returned %d records", len(none))
	}
}

func TestAcknowledgeRemovesRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec1 := enqueueUpsert(t, db, "task-1", "a")
	enqueueUpsert(t, db, "task-2", "b")

	if err := db.Acknowledge(ctx, []string{rec1.IdempotencyKey, "unknown-key"}); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	pending, err := db.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].EntityID != "task-2" {
		t.Errorf("expected only task-2 pending, got %+v", pending)
	}
}

func TestMarkFailedKeepsRecordPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := enqueueUpsert(t, db, "task-1", "a")

	if err := db.MarkFailed(ctx, rec.ID, "[VALIDATION_ERROR] title too long"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	pending, err := db.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("record must stay pending after failure, got %d records", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
	if pending[0].LastError != "[VALIDATION_ERROR] title too long" {
		t.Errorf("last_error = %q", pending[0].LastError)
	}

	if err := db.MarkFailed(ctx, "no-such-id", "x"); err == nil {
		t.Error("expected error for unknown outbox id")
	}
}

func TestDeleteWritesTombstone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	enqueueUpsert(t, db, "task-1", "a")
	if _, err := db.Enqueue(ctx, Mutation{
		EntityType: wire.EntityTask,
		EntityID:   "task-1",
		Operation:  wire.OpDelete,
	}); err != nil {
		t.Fatalf("Enqueue delete failed: %v", err)
	}

	deleted, err := db.HasTombstone(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("HasTombstone failed: %v", err)
	}
	if !deleted {
		t.Error("expected tombstone after local delete")
	}

	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec != nil {
		t.Error("local record should be gone after delete")
	}

	// Re-creating the entity clears the tombstone again.
	enqueueUpsert(t, db, "task-1", "b")
	deleted, err = db.HasTombstone(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("HasTombstone failed: %v", err)
	}
	if deleted {
		t.Error("tombstone should be cleared by a newer local upsert")
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	cp, err := db.GetCheckpoint(ctx)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if cp.Cursor != nil {
		t.Errorf("cursor before first sync = %v, want nil", cp.Cursor)
	}

	t1 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if err := db.SetCheckpoint(ctx, "cur-1", t1); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	t2 := t1.Add(time.Minute)
	if err := db.SetCheckpoint(ctx, "cur-2", t2); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	cp, err = db.GetCheckpoint(ctx)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if cp.Cursor == nil || *cp.Cursor != "cur-2" {
		t.Errorf("cursor = %v, want cur-2", cp.Cursor)
	}
	if !cp.SyncedAt.Equal(t2) {
		t.Errorf("synced at = %v, want %v", cp.SyncedAt, t2)
	}
}

func TestCheckpointRefusesRegression(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t1 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if err := db.SetCheckpoint(ctx, "cur-2", t1); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	err := db.SetCheckpoint(ctx, "cur-1", t1.Add(-time.Hour))
	if !errors.Is(err, ErrCursorRegression) {
		t.Fatalf("expected ErrCursorRegression, got %v", err)
	}

	// Same timestamp is allowed: multiple pages inside one server tick.
	if err := db.SetCheckpoint(ctx, "cur-3", t1); err != nil {
		t.Errorf("equal timestamp should be accepted: %v", err)
	}

	if err := db.ClearCheckpoint(ctx); err != nil {
		t.Fatalf("ClearCheckpoint failed: %v", err)
	}
	cp, err := db.GetCheckpoint(ctx)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if cp.Cursor != nil {
		t.Error("cursor should be nil after re-bootstrap clear")
	}
}

func TestRecordConflictDedupe(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := Conflict{
		IncomingIdempotencyKey: "device-b:task-x:UPSERT:4",
		EntityType:             wire.EntityTask,
		EntityID:               "task-x",
		Operation:              wire.OpUpsert,
		ConflictType:           ConflictValidationError,
		ReasonCode:             "MISSING_TASK_TITLE",
		Message:                "incoming task has no title",
		RemotePayload:          json.RawMessage(`{"title":""}`),
	}

	first, created, err := db.RecordConflict(ctx, base)
	if err != nil {
		t.Fatalf("RecordConflict failed: %v", err)
	}
	if !created {
		t.Fatal("first conflict for a key should create a row")
	}
	if first.Status != ConflictOpen {
		t.Errorf("status = %q, want open", first.Status)
	}

	repeat := base
	repeat.RemotePayload = json.RawMessage(`{"title":"","notes":"second delivery"}`)
	second, created, err := db.RecordConflict(ctx, repeat)
	if err != nil {
		t.Fatalf("RecordConflict failed: %v", err)
	}
	if created {
		t.Error("repeat delivery must not create a second row")
	}
	if second.ID != first.ID {
		t.Errorf("repeat returned a different conflict: %s vs %s", second.ID, first.ID)
	}
	if string(second.RemotePayload) != string(repeat.RemotePayload) {
		t.Errorf("remote payload not refreshed: %s", second.RemotePayload)
	}
	if second.DetectedAt.Before(first.DetectedAt) {
		t.Error("detected_at should advance on repeat delivery")
	}

	all, err := db.ListConflicts(ctx, "")
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 conflict row, got %d", len(all))
	}
}

func TestRecordConflictSuppressedAfterResolution(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c := Conflict{
		IncomingIdempotencyKey: "device-b:task-x:UPSERT:4",
		EntityType:             wire.EntityTask,
		EntityID:               "task-x",
		Operation:              wire.OpUpsert,
		ConflictType:           ConflictFieldConflict,
		ReasonCode:             "CONCURRENT_EDIT",
		Message:                "both sides changed status",
	}
	opened, _, err := db.RecordConflict(ctx, c)
	if err != nil {
		t.Fatalf("RecordConflict failed: %v", err)
	}
	if err := db.TransitionConflict(ctx, opened.ID, ConflictResolved, StrategyKeepRemote, "device-a"); err != nil {
		t.Fatalf("TransitionConflict failed: %v", err)
	}

	again, createdAgain, err := db.RecordConflict(ctx, c)
	if err != nil {
		t.Fatalf("RecordConflict failed: %v", err)
	}
	if createdAgain {
		t.Error("a settled key must not open a new conflict")
	}
	if again.Status != ConflictResolved {
		t.Errorf("status = %q, want resolved", again.Status)
	}

	open, err := db.OpenConflictCount(ctx)
	if err != nil {
		t.Fatalf("OpenConflictCount failed: %v", err)
	}
	if open != 0 {
		t.Errorf("open conflicts = %d, want 0", open)
	}
}

func TestConflictTimeline(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	c, _, err := db.RecordConflict(ctx, Conflict{
		IncomingIdempotencyKey: "device-b:task-y:DELETE:9",
		EntityType:             wire.EntityTask,
		EntityID:               "task-y",
		Operation:              wire.OpDelete,
		ConflictType:           ConflictDeleteVsUpdate,
		ReasonCode:             "DELETED_REMOTELY",
		Message:                "deleted on another device while edited here",
	})
	if err != nil {
		t.Fatalf("RecordConflict failed: %v", err)
	}

	if err := db.TagRetry(ctx, c.ID, "device-a"); err != nil {
		t.Fatalf("TagRetry failed: %v", err)
	}

	got, _, err := db.GetConflict(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got.Status != ConflictOpen {
		t.Errorf("retry must leave the conflict open, status = %q", got.Status)
	}
	if got.ResolutionStrategy != StrategyRetry {
		t.Errorf("strategy = %q, want retry", got.ResolutionStrategy)
	}

	if err := db.AppendConflictEvent(ctx, c.ID, EventExported, "conflicts.json"); err != nil {
		t.Fatalf("AppendConflictEvent failed: %v", err)
	}
	if err := db.TransitionConflict(ctx, c.ID, ConflictIgnored, StrategyKeepLocal, "device-a"); err != nil {
		t.Fatalf("TransitionConflict failed: %v", err)
	}

	events, err := db.ListConflictEvents(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListConflictEvents failed: %v", err)
	}
	want := []string{EventDetected, EventRetried, EventExported, EventIgnored}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, ev.EventType, want[i])
		}
	}

	// Double-resolving is rejected; the audit trail is final.
	if err := db.TransitionConflict(ctx, c.ID, ConflictResolved, StrategyKeepLocal, "device-a"); err == nil {
		t.Error("expected error transitioning a settled conflict")
	}
}

func TestApplyRemoteChanges(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now()
	if err := db.ApplyRemoteUpsert(ctx, LocalRecord{
		EntityType:      wire.EntityTask,
		EntityID:        "task-2",
		Payload:         json.RawMessage(`{"title":"From device B"}`),
		SyncVersion:     3,
		UpdatedAt:       now,
		UpdatedByDevice: "device-b",
	}); err != nil {
		t.Fatalf("ApplyRemoteUpsert failed: %v", err)
	}

	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-2")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec == nil || rec.SyncVersion != 3 || rec.UpdatedByDevice != "device-b" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := db.ApplyRemoteDelete(ctx, wire.EntityTask, "task-2", "device-b", now); err != nil {
		t.Fatalf("ApplyRemoteDelete failed: %v", err)
	}
	rec, err = db.GetLocalRecord(ctx, wire.EntityTask, "task-2")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec != nil {
		t.Error("record should be gone after remote delete")
	}
	deleted, err := db.HasTombstone(ctx, wire.EntityTask, "task-2")
	if err != nil {
		t.Fatalf("HasTombstone failed: %v", err)
	}
	if !deleted {
		t.Error("remote delete should leave a tombstone")
	}
}
