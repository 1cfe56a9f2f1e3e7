// Package runner drives one full sync cycle: push the outbox, pull
// remote pages, apply them, and advance the checkpoint page by page.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/conflict"
	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/sync/transport"
	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// Storage is the persistence surface the runner drives. *store.DB
// satisfies it.
type Storage interface {
	DeviceID(ctx context.Context) (string, error)
	ListPending(ctx context.Context, limit int) ([]store.OutboxRecord, error)
	Acknowledge(ctx context.Context, keys []string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	GetCheckpoint(ctx context.Context) (*store.Checkpoint, error)
	SetCheckpoint(ctx context.Context, cursor string, syncedAt time.Time) error
	ClearCheckpoint(ctx context.Context) error
}

// Applier applies one pulled change. *conflict.Applier satisfies it.
type Applier interface {
	ApplyIncomingChange(ctx context.Context, change wire.Change) (*conflict.Result, error)
}

// Config wires a runner's collaborators and knobs.
type Config struct {
	Transport transport.Transport
	Storage   Storage
	Applier   Applier
	Logger    *log.Logger

	// PushLimit caps the number of outbox records per push batch.
	PushLimit int
	// MaxPullPages caps pull pages per cycle. Remaining pages are left
	// for the next cycle with has_more reported on the summary.
	MaxPullPages int
	// SkipPull runs a push-only cycle.
	SkipPull bool
}

// DefaultPushLimit and DefaultMaxPullPages apply when the config leaves
// the knobs zero.
const (
	DefaultPushLimit    = 100
	DefaultMaxPullPages = 10
)

// Summary reports what one cycle did.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	CheckpointBefore *string `json:"checkpoint_before"`
	CheckpointAfter  *string `json:"checkpoint_after"`

	Pushed   int `json:"pushed"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`

	Pages     int `json:"pages"`
	Pulled    int `json:"pulled"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`

	// HasMore is true when the cycle stopped at MaxPullPages with the
	// server still holding changes.
	HasMore bool `json:"has_more"`
}

// Runner executes sync cycles against a transport.
type Runner struct {
	cfg    Config
	logger *log.Logger
}

// New creates a runner. Transport, Storage and Applier are required.
func New(cfg Config) (*Runner, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("runner requires a transport")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("runner requires storage")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("runner requires an applier")
	}
	if cfg.PushLimit <= 0 {
		cfg.PushLimit = DefaultPushLimit
	}
	if cfg.MaxPullPages <= 0 {
		cfg.MaxPullPages = DefaultMaxPullPages
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// RunCycle executes one push then pull cycle. The returned summary is
// valid even when the cycle fails partway; it reports whatever completed
// before the error.
//
// An empty outbox skips the push call but never the pull: a device with
// nothing to say still needs to hear from its peers. The checkpoint
// advances after the push response and then once per applied page, so a
// failure on page N+1 never forces page N to be pulled again.
func (r *Runner) RunCycle(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now().UTC()}
	defer func() { summary.FinishedAt = time.Now().UTC() }()

	deviceID, err := r.cfg.Storage.DeviceID(ctx)
	if err != nil {
		return summary, err
	}

	cp, err := r.cfg.Storage.GetCheckpoint(ctx)
	if err != nil {
		return summary, err
	}
	cursor := cp.Cursor
	summary.CheckpointBefore = cursor
	summary.CheckpointAfter = cursor

	cursor, err = r.push(ctx, deviceID, cursor, summary)
	if err != nil {
		return summary, err
	}

	if r.cfg.SkipPull {
		return summary, nil
	}

	if err := r.pull(ctx, deviceID, cursor, summary); err != nil {
		return summary, err
	}
	return summary, nil
}

// push sends the pending outbox batch and settles each record. The
// cursor issued by the push response is committed to the checkpoint
// before the pull starts, so a push-only cycle (or a crash before the
// pull) never loses the advance. The returned cursor is where the pull
// resumes from.
func (r *Runner) push(ctx context.Context, deviceID string, cursor *string, summary *Summary) (*string, error) {
	pending, err := r.cfg.Storage.ListPending(ctx, r.cfg.PushLimit)
	if err != nil {
		return cursor, err
	}
	if len(pending) == 0 {
		return cursor, nil
	}

	changes := make([]wire.Change, len(pending))
	byKey := make(map[string]store.OutboxRecord, len(pending))
	for i, rec := range pending {
		changes[i] = wire.Change{
			EntityType:      rec.EntityType,
			EntityID:        rec.EntityID,
			Operation:       rec.Operation,
			UpdatedAt:       rec.UpdatedAt.UTC(),
			UpdatedByDevice: deviceID,
			SyncVersion:     rec.SyncVersion,
			Payload:         rec.Payload,
			IdempotencyKey:  rec.IdempotencyKey,
		}
		byKey[rec.IdempotencyKey] = rec
	}
	summary.Pushed = len(changes)

	req, err := wire.BuildPushRequest(deviceID, cursor, changes)
	if err != nil {
		return cursor, err
	}
	resp, err := r.cfg.Transport.Push(ctx, req)
	if err != nil {
		return cursor, fmt.Errorf("push failed: %w", err)
	}

	if len(resp.Accepted) > 0 {
		if err := r.cfg.Storage.Acknowledge(ctx, resp.Accepted); err != nil {
			return cursor, err
		}
		summary.Accepted = len(resp.Accepted)
	}
	for _, rej := range resp.Rejected {
		rec, ok := byKey[rej.IdempotencyKey]
		if !ok {
			r.logger.Printf("server rejected unknown key %s", rej.IdempotencyKey)
			continue
		}
		msg := fmt.Sprintf("[%s] %s", rej.Reason, rej.Message)
		if err := r.cfg.Storage.MarkFailed(ctx, rec.ID, msg); err != nil {
			return cursor, err
		}
		summary.Rejected++
	}
	r.logger.Printf("pushed %d changes: %d accepted, %d rejected",
		summary.Pushed, summary.Accepted, summary.Rejected)

	if resp.ServerCursor != "" {
		if err := r.cfg.Storage.SetCheckpoint(ctx, resp.ServerCursor, resp.ServerTime); err != nil {
			return cursor, err
		}
		cursor = &resp.ServerCursor
		summary.CheckpointAfter = cursor
	}
	return cursor, nil
}

// pull fetches pages until the server is drained or MaxPullPages is
// reached, applying each page and committing its checkpoint before
// requesting the next.
func (r *Runner) pull(ctx context.Context, deviceID string, cursor *string, summary *Summary) error {
	for page := 0; page < r.cfg.MaxPullPages; page++ {
		req, err := wire.BuildPullRequest(deviceID, cursor)
		if err != nil {
			return err
		}
		resp, err := r.cfg.Transport.Pull(ctx, req)
		if err != nil {
			if transport.IsInvalidCursor(err) {
				// The server no longer recognises our checkpoint.
				// Drop it so the next cycle re-bootstraps from scratch.
				if clearErr := r.cfg.Storage.ClearCheckpoint(ctx); clearErr != nil {
					return errors.Join(err, clearErr)
				}
				summary.CheckpointAfter = nil
				r.logger.Printf("server rejected cursor, checkpoint cleared for re-bootstrap")
			}
			return fmt.Errorf("pull failed: %w", err)
		}
		summary.Pages++
		summary.Pulled += len(resp.Changes)

		for _, change := range resp.Changes {
			res, err := r.cfg.Applier.ApplyIncomingChange(ctx, change)
			if err != nil {
				return fmt.Errorf("apply failed for %s: %w", change.IdempotencyKey, err)
			}
			if res.Conflict != nil {
				summary.Conflicts++
			} else {
				summary.Applied++
			}
		}

		if err := r.cfg.Storage.SetCheckpoint(ctx, resp.ServerCursor, resp.ServerTime); err != nil {
			return err
		}
		cursor = &resp.ServerCursor
		summary.CheckpointAfter = cursor

		if !resp.HasMore {
			r.logger.Printf("pull drained after %d pages: %d applied, %d conflicts",
				summary.Pages, summary.Applied, summary.Conflicts)
			return nil
		}
	}

	// The server still holds changes; the next cycle picks them up from
	// the committed checkpoint.
	summary.HasMore = true
	r.logger.Printf("pull stopped at %d pages with more remaining", summary.Pages)
	return nil
}
