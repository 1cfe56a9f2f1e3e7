// Package conflict implements the apply side of the pull pipeline and
// the user-facing resolution strategies.
//
// An incoming change that cannot be applied cleanly never surfaces as
// an error to the runner: it becomes a durable Conflict record keyed by
// the change's idempotency key, and the cycle carries on. Only
// transport and contract failures travel the error path.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// Reason codes attached to detected conflicts.
const (
	ReasonMissingTaskTitle    = "MISSING_TASK_TITLE"
	ReasonMissingProjectName  = "MISSING_PROJECT_NAME"
	ReasonMissingTemplateName = "MISSING_TEMPLATE_NAME"
	ReasonDeletedLocally      = "DELETED_LOCALLY"
	ReasonDeletedRemotely     = "DELETED_REMOTELY"
	ReasonNotesCollision      = "NOTES_COLLISION"
	ReasonConcurrentEdit      = "CONCURRENT_EDIT"
)

// Applier applies incoming pull changes to the record store.
type Applier struct {
	db     *store.DB
	logger *log.Logger
}

// NewApplier creates an applier over the given store.
func NewApplier(db *store.DB, logger *log.Logger) *Applier {
	if logger == nil {
		logger = log.New(os.Stderr, "[apply] ", log.LstdFlags)
	}
	return &Applier{db: db, logger: logger}
}

// Result reports how one incoming change was handled. Exactly one of
// Applied and Conflict is meaningful.
type Result struct {
	Applied  bool
	Conflict *store.Conflict
}

// ApplyIncomingChange applies one pulled change, or records a conflict
// when it cannot be applied cleanly. Changes originating from this
// device are acknowledged without rewriting local state.
func (a *Applier) ApplyIncomingChange(ctx context.Context, change wire.Change) (*Result, error) {
	deviceID, err := a.db.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	if change.UpdatedByDevice == deviceID {
		return &Result{Applied: true}, nil
	}

	if c, err := a.detect(ctx, change); err != nil {
		return nil, err
	} else if c != nil {
		stored, created, err := a.db.RecordConflict(ctx, *c)
		if err != nil {
			return nil, fmt.Errorf("failed to record conflict: %w", err)
		}
		if created {
			a.logger.Printf("conflict %s on %s/%s: %s", stored.ConflictType,
				change.EntityType, change.EntityID, stored.ReasonCode)
		}
		if stored.Status != store.ConflictOpen {
			// Same key already settled: treat the repeat as applied so
			// the cycle doesn't report a phantom conflict.
			return &Result{Applied: true}, nil
		}
		return &Result{Conflict: stored}, nil
	}

	switch change.Operation {
	case wire.OpUpsert:
		err = a.db.ApplyRemoteUpsert(ctx, store.LocalRecord{
			EntityType:      change.EntityType,
			EntityID:        change.EntityID,
			Payload:         change.Payload,
			SyncVersion:     change.SyncVersion,
			UpdatedAt:       change.UpdatedAt,
			UpdatedByDevice: change.UpdatedByDevice,
		})
	case wire.OpDelete:
		err = a.db.ApplyRemoteDelete(ctx, change.EntityType, change.EntityID,
			change.UpdatedByDevice, change.UpdatedAt)
	default:
		return nil, fmt.Errorf("unknown operation %q", change.Operation)
	}
	if err != nil {
		return nil, err
	}
	return &Result{Applied: true}, nil
}

// detect returns a Conflict for changes that must not be applied
// blindly, or nil when the change applies cleanly.
func (a *Applier) detect(ctx context.Context, change wire.Change) (*store.Conflict, error) {
	conflict := store.Conflict{
		IncomingIdempotencyKey: change.IdempotencyKey,
		EntityType:             change.EntityType,
		EntityID:               change.EntityID,
		Operation:              change.Operation,
		RemotePayload:          change.Payload,
	}

	if change.Operation == wire.OpUpsert {
		if reason := missingRequiredField(change); reason != "" {
			conflict.ConflictType = store.ConflictValidationError
			conflict.ReasonCode = reason
			conflict.Message = fmt.Sprintf("incoming %s %s is missing its required name field",
				change.EntityType, change.EntityID)
			return &conflict, nil
		}

		deleted, err := a.db.HasTombstone(ctx, change.EntityType, change.EntityID)
		if err != nil {
			return nil, err
		}
		if deleted {
			conflict.ConflictType = store.ConflictDeleteVsUpdate
			conflict.ReasonCode = ReasonDeletedLocally
			conflict.Message = fmt.Sprintf("%s %s was deleted on this device but updated remotely",
				change.EntityType, change.EntityID)
			return &conflict, nil
		}
	}

	pending, err := a.db.PendingForEntity(ctx, change.EntityType, change.EntityID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, nil
	}

	local, err := a.db.GetLocalRecord(ctx, change.EntityType, change.EntityID)
	if err != nil {
		return nil, err
	}
	conflict.LocalPayload = pending.Payload
	if local != nil {
		conflict.BasePayload = local.Payload
	}

	switch {
	case change.Operation == wire.OpDelete:
		conflict.ConflictType = store.ConflictDeleteVsUpdate
		conflict.ReasonCode = ReasonDeletedRemotely
		conflict.Message = fmt.Sprintf("%s %s was deleted remotely while edited on this device",
			change.EntityType, change.EntityID)

	case pending.Operation == wire.OpDelete:
		conflict.ConflictType = store.ConflictDeleteVsUpdate
		conflict.ReasonCode = ReasonDeletedLocally
		conflict.Message = fmt.Sprintf("%s %s was deleted on this device but updated remotely",
			change.EntityType, change.EntityID)

	case notesCollide(pending.Payload, change.Payload):
		conflict.ConflictType = store.ConflictNotesCollision
		conflict.ReasonCode = ReasonNotesCollision
		conflict.Message = fmt.Sprintf("notes on %s %s were edited on both sides",
			change.EntityType, change.EntityID)

	default:
		conflict.ConflictType = store.ConflictFieldConflict
		conflict.ReasonCode = ReasonConcurrentEdit
		conflict.Message = fmt.Sprintf("%s %s was edited on both sides",
			change.EntityType, change.EntityID)
	}
	return &conflict, nil
}

// missingRequiredField returns the reason code when an UPSERT lacks the
// name field its entity type requires, or "" when it is fine.
func missingRequiredField(change wire.Change) string {
	var field, reason string
	switch change.EntityType {
	case wire.EntityTask:
		field, reason = "title", ReasonMissingTaskTitle
	case wire.EntityProject:
		field, reason = "name", ReasonMissingProjectName
	case wire.EntityTemplate:
		field, reason = "name", ReasonMissingTemplateName
	default:
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return reason
	}
	if s, ok := payload[field].(string); ok && s != "" {
		return ""
	}
	return reason
}

// notesCollide reports whether both payloads carry a notes field with
// differing free text.
func notesCollide(local, remote json.RawMessage) bool {
	localNotes, ok := notesField(local)
	if !ok {
		return false
	}
	remoteNotes, ok := notesField(remote)
	if !ok {
		return false
	}
	return localNotes != remoteNotes
}

func notesField(raw json.RawMessage) (string, bool) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	s, ok := payload["notes"].(string)
	return s, ok
}
