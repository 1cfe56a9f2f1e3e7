package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// ErrManualMergePayloadRequired is returned when the manual_merge
// strategy is chosen without a merged payload.
var ErrManualMergePayloadRequired = errors.New("manual_merge requires a merged payload")

// Resolver settles open conflicts with one of the four strategies and
// keeps the record store consistent with the outcome.
type Resolver struct {
	db     *store.DB
	logger *log.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(db *store.DB, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[resolve] ", log.LstdFlags)
	}
	return &Resolver{db: db, logger: logger}
}

// DefaultStrategy maps a conflict type onto the strategy preselected in
// the resolution UI.
func DefaultStrategy(conflictType string) string {
	switch conflictType {
	case store.ConflictValidationError:
		return store.StrategyKeepLocal
	case store.ConflictNotesCollision:
		return store.StrategyManualMerge
	default:
		return store.StrategyKeepRemote
	}
}

// Resolve settles the conflict with the given strategy. The merged
// payload is consumed only by manual_merge; other strategies ignore it.
//
// keep_local, keep_remote and manual_merge close the conflict. retry
// tags the conflict and re-enqueues the local version for the next
// push, leaving the conflict open until the push round-trips cleanly.
func (r *Resolver) Resolve(ctx context.Context, conflictID, strategy string, merged json.RawMessage) error {
	c, _, err := r.db.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Status != store.ConflictOpen {
		return fmt.Errorf("conflict %s is not open", conflictID)
	}

	deviceID, err := r.db.DeviceID(ctx)
	if err != nil {
		return err
	}

	switch strategy {
	case store.StrategyKeepLocal:
		if err := r.pushLocalVersion(ctx, c); err != nil {
			return err
		}

	case store.StrategyKeepRemote:
		if err := r.adoptRemoteVersion(ctx, c); err != nil {
			return err
		}

	case store.StrategyManualMerge:
		if len(merged) == 0 {
			return ErrManualMergePayloadRequired
		}
		if _, err := r.db.Enqueue(ctx, store.Mutation{
			EntityType:  c.EntityType,
			EntityID:    c.EntityID,
			Operation:   wire.OpUpsert,
			Payload:     merged,
			SyncVersion: r.nextVersion(ctx, c),
		}); err != nil {
			return fmt.Errorf("failed to enqueue merged payload: %w", err)
		}

	case store.StrategyRetry:
		if err := r.pushLocalVersion(ctx, c); err != nil {
			return err
		}
		if err := r.db.TagRetry(ctx, conflictID, deviceID); err != nil {
			return err
		}
		r.logger.Printf("conflict %s tagged for retry", conflictID)
		return nil

	default:
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	if err := r.db.TransitionConflict(ctx, conflictID, store.ConflictResolved, strategy, deviceID); err != nil {
		return err
	}
	r.logger.Printf("conflict %s resolved with %s", conflictID, strategy)
	return nil
}

// Ignore closes the conflict without touching local or remote state.
func (r *Resolver) Ignore(ctx context.Context, conflictID string) error {
	deviceID, err := r.db.DeviceID(ctx)
	if err != nil {
		return err
	}
	return r.db.TransitionConflict(ctx, conflictID, store.ConflictIgnored, "", deviceID)
}

// pushLocalVersion makes sure the local side of the conflict is queued
// for push. When an open outbox record already covers the entity, the
// queue is left alone; Enqueue would mint a fresh key and reset its
// attempt counter for no reason.
func (r *Resolver) pushLocalVersion(ctx context.Context, c *store.Conflict) error {
	pending, err := r.db.PendingForEntity(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}
	if pending != nil {
		return nil
	}

	m := store.Mutation{
		EntityType:  c.EntityType,
		EntityID:    c.EntityID,
		Operation:   wire.OpUpsert,
		Payload:     c.LocalPayload,
		SyncVersion: r.nextVersion(ctx, c),
	}
	if len(c.LocalPayload) == 0 {
		// The local side was a deletion or never existed; keeping it
		// means the tombstone wins.
		m.Operation = wire.OpDelete
		m.Payload = nil
	}
	if _, err := r.db.Enqueue(ctx, m); err != nil {
		return fmt.Errorf("failed to enqueue local version: %w", err)
	}
	return nil
}

// adoptRemoteVersion applies the remote side to local state and drops
// the pending local mutation it supersedes.
func (r *Resolver) adoptRemoteVersion(ctx context.Context, c *store.Conflict) error {
	pending, err := r.db.PendingForEntity(ctx, c.EntityType, c.EntityID)
	if err != nil {
		return err
	}
	if pending != nil {
		if err := r.db.Acknowledge(ctx, []string{pending.IdempotencyKey}); err != nil {
			return fmt.Errorf("failed to drop pending local mutation: %w", err)
		}
	}

	remoteDevice, remoteAt := remoteProvenance(c)
	if c.Operation == wire.OpDelete {
		return r.db.ApplyRemoteDelete(ctx, c.EntityType, c.EntityID, remoteDevice, remoteAt)
	}
	return r.db.ApplyRemoteUpsert(ctx, store.LocalRecord{
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Payload:         c.RemotePayload,
		SyncVersion:     r.nextVersion(ctx, c),
		UpdatedAt:       remoteAt,
		UpdatedByDevice: remoteDevice,
	})
}

// remoteProvenance recovers the originating device and time for the
// remote side. The idempotency key leads with the device id; the
// detection time stands in for the remote update time, which the
// conflict record does not retain.
func remoteProvenance(c *store.Conflict) (string, time.Time) {
	device := "remote"
	if i := strings.Index(c.IncomingIdempotencyKey, ":"); i > 0 {
		device = c.IncomingIdempotencyKey[:i]
	}
	return device, c.DetectedAt
}

// nextVersion picks a sync version for a post-resolution write: one past
// whatever the entity currently carries.
func (r *Resolver) nextVersion(ctx context.Context, c *store.Conflict) int {
	if pending, err := r.db.PendingForEntity(ctx, c.EntityType, c.EntityID); err == nil && pending != nil {
		return pending.SyncVersion + 1
	}
	if local, err := r.db.GetLocalRecord(ctx, c.EntityType, c.EntityID); err == nil && local != nil {
		return local.SyncVersion + 1
	}
	return 1
}
