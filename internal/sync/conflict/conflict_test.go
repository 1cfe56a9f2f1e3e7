package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

func setupConflictTest(t *testing.T) (*store.DB, *Applier, *Resolver) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "pocketplan.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	if _, err := db.EnsureDeviceID(context.Background()); err != nil {
		t.Fatalf("failed to ensure device id: %v", err)
	}
	return db, NewApplier(db, nil), NewResolver(db, nil)
}

// peerChange builds an incoming change attributed to another device.
func peerChange(entityType, entityID, op string, seq int64, payload string) wire.Change {
	c := wire.Change{
		EntityType:      entityType,
		EntityID:        entityID,
		Operation:       op,
		UpdatedAt:       time.Now().UTC(),
		UpdatedByDevice: "peer-device",
		SyncVersion:     int(seq),
		IdempotencyKey:  wire.Key("peer-device", entityID, op, seq),
	}
	if payload != "" {
		c.Payload = json.RawMessage(payload)
	}
	return c
}

func TestApplyCleanUpsert(t *testing.T) {
	db, applier, _ := setupConflictTest(t)
	ctx := context.Background()

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 1, `{"title":"Buy milk"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if !res.Applied || res.Conflict != nil {
		t.Fatalf("result = %+v, want clean apply", res)
	}

	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec == nil || string(rec.Payload) != `{"title":"Buy milk"}` {
		t.Errorf("local record = %+v, want applied payload", rec)
	}
}

func TestApplyOwnChangeIsNoop(t *testing.T) {
	db, applier, _ := setupConflictTest(t)
	ctx := context.Background()

	deviceID, err := db.DeviceID(ctx)
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}

	change := peerChange(wire.EntityTask, "task-1", wire.OpUpsert, 1, `{"title":"Echo"}`)
	change.UpdatedByDevice = deviceID

	res, err := applier.ApplyIncomingChange(ctx, change)
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if !res.Applied {
		t.Error("own change should count as applied")
	}

	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec != nil {
		t.Error("own change should not rewrite local state")
	}
}

func TestMissingRequiredFieldConflicts(t *testing.T) {
	_, applier, _ := setupConflictTest(t)
	ctx := context.Background()

	tests := []struct {
		entityType string
		payload    string
		wantReason string
	}{
		{wire.EntityTask, `{"notes":"no title"}`, ReasonMissingTaskTitle},
		{wire.EntityTask, `{"title":""}`, ReasonMissingTaskTitle},
		{wire.EntityProject, `{"color":"red"}`, ReasonMissingProjectName},
		{wire.EntityTemplate, `{}`, ReasonMissingTemplateName},
	}
	for i, tt := range tests {
		res, err := applier.ApplyIncomingChange(ctx, peerChange(
			tt.entityType, "entity-x", wire.OpUpsert, int64(i+1), tt.payload))
		if err != nil {
			t.Fatalf("ApplyIncomingChange failed: %v", err)
		}
		if res.Conflict == nil {
			t.Fatalf("%s payload %s: expected a conflict", tt.entityType, tt.payload)
		}
		if res.Conflict.ConflictType != store.ConflictValidationError {
			t.Errorf("conflict type = %s, want validation_error", res.Conflict.ConflictType)
		}
		if res.Conflict.ReasonCode != tt.wantReason {
			t.Errorf("reason = %s, want %s", res.Conflict.ReasonCode, tt.wantReason)
		}
	}
}

func TestSubtaskHasNoRequiredField(t *testing.T) {
	_, applier, _ := setupConflictTest(t)

	res, err := applier.ApplyIncomingChange(context.Background(), peerChange(
		wire.EntitySubtask, "sub-1", wire.OpUpsert, 1, `{"done":true}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if res.Conflict != nil {
		t.Errorf("subtask without title conflicted: %+v", res.Conflict)
	}
}

func TestUpsertAgainstLocalTombstone(t *testing.T) {
	db, applier, _ := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpDelete,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Still here"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if res.Conflict == nil || res.Conflict.ConflictType != store.ConflictDeleteVsUpdate {
		t.Fatalf("conflict = %+v, want delete_vs_update", res.Conflict)
	}
	if res.Conflict.ReasonCode != ReasonDeletedLocally {
		t.Errorf("reason = %s, want %s", res.Conflict.ReasonCode, ReasonDeletedLocally)
	}
}

func TestRemoteDeleteAgainstPendingEdit(t *testing.T) {
	db, applier, _ := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Edited here"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpDelete, 3, ""))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if res.Conflict == nil || res.Conflict.ConflictType != store.ConflictDeleteVsUpdate {
		t.Fatalf("conflict = %+v, want delete_vs_update", res.Conflict)
	}
	if res.Conflict.ReasonCode != ReasonDeletedRemotely {
		t.Errorf("reason = %s, want %s", res.Conflict.ReasonCode, ReasonDeletedRemotely)
	}

	// The local record survives until the conflict is resolved.
	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec == nil {
		t.Error("local record should survive a conflicted remote delete")
	}
}

func TestNotesCollisionVsFieldConflict(t *testing.T) {
	db, applier, _ := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Groceries","notes":"eggs"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Both sides rewrote the notes text.
	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Groceries","notes":"eggs and bread"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if res.Conflict == nil || res.Conflict.ConflictType != store.ConflictNotesCollision {
		t.Fatalf("conflict = %+v, want notes_collision", res.Conflict)
	}

	// Same notes, different title: plain field conflict.
	res, err = applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 3, `{"title":"Shopping","notes":"eggs"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if res.Conflict == nil || res.Conflict.ConflictType != store.ConflictFieldConflict {
		t.Fatalf("conflict = %+v, want field_conflict", res.Conflict)
	}
	if res.Conflict.ReasonCode != ReasonConcurrentEdit {
		t.Errorf("reason = %s, want %s", res.Conflict.ReasonCode, ReasonConcurrentEdit)
	}
}

func TestRedeliveryOfSettledKeyApplies(t *testing.T) {
	db, applier, resolver := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Mine"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	change := peerChange(wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Theirs"}`)
	res, err := applier.ApplyIncomingChange(ctx, change)
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if res.Conflict == nil {
		t.Fatal("expected a conflict on first delivery")
	}

	if err := resolver.Resolve(ctx, res.Conflict.ID, store.StrategyKeepRemote, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// The same key delivered again must not reopen the conflict.
	res, err = applier.ApplyIncomingChange(ctx, change)
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}
	if !res.Applied || res.Conflict != nil {
		t.Errorf("redelivery result = %+v, want plain applied", res)
	}

	count, err := db.OpenConflictCount(ctx)
	if err != nil {
		t.Fatalf("OpenConflictCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("open conflicts = %d, want 0", count)
	}
}

func TestResolveKeepRemote(t *testing.T) {
	db, applier, resolver := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Mine"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Theirs"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}

	if err := resolver.Resolve(ctx, res.Conflict.ID, store.StrategyKeepRemote, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec == nil || string(rec.Payload) != `{"title":"Theirs"}` {
		t.Errorf("local record = %+v, want remote payload", rec)
	}

	pending, err := db.PendingForEntity(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if pending != nil {
		t.Error("losing local mutation should be dropped from the outbox")
	}

	c, _, err := db.GetConflict(ctx, res.Conflict.ID)
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if c.Status != store.ConflictResolved || c.ResolutionStrategy != store.StrategyKeepRemote {
		t.Errorf("conflict = %s/%s, want resolved/keep_remote", c.Status, c.ResolutionStrategy)
	}
}

func TestResolveKeepLocal(t *testing.T) {
	db, applier, resolver := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Mine"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Theirs"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}

	if err := resolver.Resolve(ctx, res.Conflict.ID, store.StrategyKeepLocal, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// The pending mutation stays queued so the local version pushes.
	pending, err := db.PendingForEntity(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if pending == nil || string(pending.Payload) != `{"title":"Mine"}` {
		t.Errorf("pending = %+v, want local payload still queued", pending)
	}

	rec, err := db.GetLocalRecord(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetLocalRecord failed: %v", err)
	}
	if rec == nil || string(rec.Payload) != `{"title":"Mine"}` {
		t.Errorf("local record = %+v, want local payload untouched", rec)
	}
}

func TestResolveManualMerge(t *testing.T) {
	db, applier, resolver := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Groceries","notes":"eggs"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Groceries","notes":"bread"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}

	err = resolver.Resolve(ctx, res.Conflict.ID, store.StrategyManualMerge, nil)
	if !errors.Is(err, ErrManualMergePayloadRequired) {
		t.Fatalf("error = %v, want ErrManualMergePayloadRequired", err)
	}

	merged := json.RawMessage(`{"title":"Groceries","notes":"eggs and bread"}`)
	if err := resolver.Resolve(ctx, res.Conflict.ID, store.StrategyManualMerge, merged); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	pending, err := db.PendingForEntity(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if pending == nil || string(pending.Payload) != string(merged) {
		t.Errorf("pending = %+v, want merged payload queued", pending)
	}

	c, _, err := db.GetConflict(ctx, res.Conflict.ID)
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if c.Status != store.ConflictResolved {
		t.Errorf("status = %s, want resolved", c.Status)
	}
}

func TestResolveRetryLeavesConflictOpen(t *testing.T) {
	db, applier, resolver := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Mine"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Theirs"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}

	if err := resolver.Resolve(ctx, res.Conflict.ID, store.StrategyRetry, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	c, _, err := db.GetConflict(ctx, res.Conflict.ID)
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if c.Status != store.ConflictOpen {
		t.Errorf("status = %s, want still open after retry", c.Status)
	}
	if c.ResolutionStrategy != store.StrategyRetry {
		t.Errorf("strategy = %s, want retry", c.ResolutionStrategy)
	}

	events, err := db.ListConflictEvents(ctx, res.Conflict.ID)
	if err != nil {
		t.Fatalf("ListConflictEvents failed: %v", err)
	}
	last := events[len(events)-1]
	if last.EventType != store.EventRetried {
		t.Errorf("last event = %s, want retried", last.EventType)
	}

	pending, err := db.PendingForEntity(ctx, wire.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("PendingForEntity failed: %v", err)
	}
	if pending == nil {
		t.Error("retry should keep the local version queued for push")
	}
}

func TestResolveRejectsSettledConflict(t *testing.T) {
	db, applier, resolver := setupConflictTest(t)
	ctx := context.Background()

	if _, err := db.Enqueue(ctx, store.Mutation{
		EntityType: wire.EntityTask, EntityID: "task-1", Operation: wire.OpUpsert,
		Payload: json.RawMessage(`{"title":"Mine"}`), SyncVersion: 2,
	}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	res, err := applier.ApplyIncomingChange(ctx, peerChange(
		wire.EntityTask, "task-1", wire.OpUpsert, 2, `{"title":"Theirs"}`))
	if err != nil {
		t.Fatalf("ApplyIncomingChange failed: %v", err)
	}

	if err := resolver.Ignore(ctx, res.Conflict.ID); err != nil {
		t.Fatalf("Ignore failed: %v", err)
	}
	if err := resolver.Resolve(ctx, res.Conflict.ID, store.StrategyKeepLocal, nil); err == nil {
		t.Error("resolving a settled conflict should fail")
	}
}

func TestDefaultStrategy(t *testing.T) {
	tests := []struct {
		conflictType string
		want         string
	}{
		{store.ConflictValidationError, store.StrategyKeepLocal},
		{store.ConflictNotesCollision, store.StrategyManualMerge},
		{store.ConflictFieldConflict, store.StrategyKeepRemote},
		{store.ConflictDeleteVsUpdate, store.StrategyKeepRemote},
	}
	for _, tt := range tests {
		if got := DefaultStrategy(tt.conflictType); got != tt.want {
			t.Errorf("DefaultStrategy(%s) = %s, want %s", tt.conflictType, got, tt.want)
		}
	}
}
