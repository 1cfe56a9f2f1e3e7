// Package sync assembles the sync engine: store, transport, conflict
// handling, runtime scheduling, and diagnostics behind one handle.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/pocketplan/pocketplan/internal/config"
	"github.com/pocketplan/pocketplan/internal/sync/conflict"
	"github.com/pocketplan/pocketplan/internal/sync/connector"
	"github.com/pocketplan/pocketplan/internal/sync/dashboard"
	"github.com/pocketplan/pocketplan/internal/sync/diag"
	"github.com/pocketplan/pocketplan/internal/sync/runner"
	"github.com/pocketplan/pocketplan/internal/sync/runtime"
	"github.com/pocketplan/pocketplan/internal/sync/store"
	"github.com/pocketplan/pocketplan/internal/sync/transport"
	"github.com/pocketplan/pocketplan/internal/sync/wire"
)

// Engine is the composition root. Callers hold an Engine handle; there
// is no package-level singleton, so tests and multi-profile setups can
// run engines side by side.
type Engine struct {
	cfg      *config.Config
	db       *store.DB
	resolver *conflict.Resolver
	recorder *diag.Recorder

	controller *runtime.Controller
	dashboard  *dashboard.Server
	guardrail  *config.GuardrailWatcher

	logger *log.Logger
}

// Options tunes engine construction beyond the loaded config.
type Options struct {
	Settings runtime.Settings
	Logger   *log.Logger
	// Dashboard overrides cfg.Dashboard.Enabled when non-nil.
	Dashboard *bool
}

// New opens the store and wires the engine. Start launches the
// background loop; a non-started engine still serves one-shot calls
// like SyncNow and Status.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	settings := opts.Settings
	if settings == (runtime.Settings{}) {
		s, err := runtime.SettingsForProfile(cfg.Profile)
		if err != nil {
			return nil, err
		}
		settings = s
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.EnsureDeviceID(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		db:       db,
		resolver: conflict.NewResolver(db, logger),
		recorder: diag.NewRecorder(),
		logger:   logger,
	}

	enableDashboard := cfg.Dashboard.Enabled
	if opts.Dashboard != nil {
		enableDashboard = *opts.Dashboard
	}
	if enableDashboard {
		e.dashboard = dashboard.NewServer(&dashboard.Config{
			Port:     cfg.Dashboard.Port,
			Recorder: e.recorder,
			Logger:   logger,
		})
	}

	tr, err := e.buildTransport()
	if err != nil {
		db.Close()
		return nil, err
	}

	r, err := runner.New(runner.Config{
		Transport:    tr,
		Storage:      db,
		Applier:      notifyingApplier{inner: conflict.NewApplier(db, logger), engine: e},
		Logger:       logger,
		PushLimit:    settings.PushLimit,
		MaxPullPages: settings.MaxPullPages,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	e.controller, err = runtime.NewController(runtime.ControllerConfig{
		Cycle:         r.RunCycle,
		Settings:      settings,
		Logger:        logger,
		OpenConflicts: db.OpenConflictCount,
		OnCycle: func(summary *runner.Summary, err error) {
			e.recorder.RecordCycle(summary, err)
			if e.dashboard != nil {
				e.dashboard.BroadcastCycle(summary, err)
			}
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return e, nil
}

// notifyingApplier publishes each newly detected conflict to the
// dashboard as the runner applies pulled changes. Applied changes and
// redeliveries pass through silently.
type notifyingApplier struct {
	inner  *conflict.Applier
	engine *Engine
}

func (a notifyingApplier) ApplyIncomingChange(ctx context.Context, change wire.Change) (*conflict.Result, error) {
	res, err := a.inner.ApplyIncomingChange(ctx, change)
	if err == nil && res.Conflict != nil && a.engine.dashboard != nil {
		a.engine.dashboard.BroadcastConflict(dashboard.ConflictData{
			ConflictID:   res.Conflict.ID,
			EntityType:   res.Conflict.EntityType,
			EntityID:     res.Conflict.EntityID,
			ConflictType: res.Conflict.ConflictType,
			Event:        "detected",
		})
	}
	return res, err
}

// unconfiguredTransport stands in until the user pairs a remote. Every
// call fails; SyncNow refuses earlier and the scheduler never starts,
// so this only fires on a programming error.
type unconfiguredTransport struct{}

func (unconfiguredTransport) Push(ctx context.Context, req *wire.PushRequest) (*wire.PushResponse, error) {
	return nil, fmt.Errorf("no remote configured")
}

func (unconfiguredTransport) Pull(ctx context.Context, req *wire.PullRequest) (*wire.PullResponse, error) {
	return nil, fmt.Errorf("no remote configured")
}

// buildTransport selects the channel from the config: direct HTTP to a
// sync server, or a change-log folder on a managed connector.
func (e *Engine) buildTransport() (transport.Transport, error) {
	if !e.cfg.Configured() {
		return unconfiguredTransport{}, nil
	}
	switch e.cfg.Transport.Mode {
	case config.TransportHTTP:
		return transport.NewHTTP(transport.HTTPConfig{
			PushURL:   e.cfg.Transport.PushURL,
			PullURL:   e.cfg.Transport.PullURL,
			AuthToken: e.cfg.Transport.AuthToken,
			Logger:    e.logger,
		})
	case config.TransportFolder:
		conn, err := connector.Resolve(connector.Config{
			Provider:       e.cfg.Connector.Provider,
			BaseURL:        e.cfg.Connector.BaseURL,
			AccessToken:    e.cfg.Connector.AccessToken,
			CapabilityFile: e.cfg.Connector.CapabilityFile,
		})
		if err != nil {
			return nil, err
		}
		return connector.NewFolderTransport(conn, e.logger), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", e.cfg.Transport.Mode)
	}
}

// Start launches the scheduled sync loop, the guardrail watcher, and
// the dashboard when enabled.
func (e *Engine) Start(ctx context.Context) error {
	if e.dashboard != nil {
		if err := e.dashboard.Start(); err != nil {
			return err
		}
	}

	gw, err := config.NewGuardrailWatcher(e.cfg.GuardrailFlagPath())
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}
	e.guardrail = gw
	go func() {
		for reason := range gw.Changes() {
			e.controller.ForceOffline(reason)
			if e.dashboard != nil {
				e.dashboard.BroadcastStatus(e.statusData(ctx))
			}
		}
	}()

	if e.cfg.Configured() {
		e.controller.Start(ctx)
	}
	e.logger.Printf("sync engine started (profile %s, transport %s)",
		e.cfg.Profile, e.cfg.Transport.Mode)
	return nil
}

// Stop shuts everything down and closes the store.
func (e *Engine) Stop() error {
	e.controller.Stop()
	if e.guardrail != nil {
		if err := e.guardrail.Stop(); err != nil {
			e.logger.Printf("guardrail watcher stop: %v", err)
		}
	}
	if e.dashboard != nil {
		if err := e.dashboard.Stop(); err != nil {
			e.logger.Printf("dashboard stop: %v", err)
		}
	}
	return e.db.Close()
}

// SyncNow runs one cycle immediately, bypassing any backoff window.
func (e *Engine) SyncNow(ctx context.Context) (*runner.Summary, error) {
	if !e.cfg.Configured() {
		return nil, fmt.Errorf("no remote configured; sync is local-only")
	}
	return e.controller.SyncNow(ctx)
}

// SetBackground switches the scheduling interval.
func (e *Engine) SetBackground(bg bool) { e.controller.SetBackground(bg) }

// Status returns the derived engine status snapshot.
func (e *Engine) Status(ctx context.Context) runtime.Snapshot {
	hasCheckpoint := false
	if cp, err := e.db.GetCheckpoint(ctx); err == nil {
		hasCheckpoint = cp.Cursor != nil
	}
	return e.controller.Status(ctx, e.cfg.Configured(), hasCheckpoint)
}

func (e *Engine) statusData(ctx context.Context) dashboard.StatusData {
	snap := e.Status(ctx)
	return dashboard.StatusData{
		Status:        snap.Status,
		OfflineReason: snap.OfflineReason,
		OpenConflicts: snap.OpenConflicts,
	}
}

// Diagnostics returns the session counters.
func (e *Engine) Diagnostics() diag.Report { return e.recorder.Report() }

// Conflicts lists stored conflicts, optionally filtered by status.
func (e *Engine) Conflicts(ctx context.Context, status string) ([]store.Conflict, error) {
	return e.db.ListConflicts(ctx, status)
}

// ConflictEvents returns a conflict's timeline, oldest first.
func (e *Engine) ConflictEvents(ctx context.Context, conflictID string) ([]store.ConflictEvent, error) {
	return e.db.ListConflictEvents(ctx, conflictID)
}

// ResolveConflict settles an open conflict with the given strategy and
// publishes the outcome to the dashboard.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID, strategy string, merged json.RawMessage) error {
	if err := e.resolver.Resolve(ctx, conflictID, strategy, merged); err != nil {
		return err
	}
	e.broadcastConflictEvent(ctx, conflictID, "resolved", strategy)
	return nil
}

// IgnoreConflict closes a conflict without changing any state.
func (e *Engine) IgnoreConflict(ctx context.Context, conflictID string) error {
	if err := e.resolver.Ignore(ctx, conflictID); err != nil {
		return err
	}
	e.broadcastConflictEvent(ctx, conflictID, "ignored", "")
	return nil
}

func (e *Engine) broadcastConflictEvent(ctx context.Context, conflictID, event, strategy string) {
	if e.dashboard == nil {
		return
	}
	c, _, err := e.db.GetConflict(ctx, conflictID)
	if err != nil {
		return
	}
	e.dashboard.BroadcastConflict(dashboard.ConflictData{
		ConflictID:   c.ID,
		EntityType:   c.EntityType,
		EntityID:     c.EntityID,
		ConflictType: c.ConflictType,
		Event:        event,
		Strategy:     strategy,
	})
}

// ExportConflicts writes every stored conflict with its timeline to a
// JSON file and appends an exported event to each.
func (e *Engine) ExportConflicts(ctx context.Context, path string) (int, error) {
	conflicts, err := e.db.ListConflicts(ctx, "")
	if err != nil {
		return 0, err
	}

	type exportEntry struct {
		Conflict store.Conflict        `json:"conflict"`
		Timeline []store.ConflictEvent `json:"timeline"`
	}
	entries := make([]exportEntry, 0, len(conflicts))
	for _, c := range conflicts {
		events, err := e.db.ListConflictEvents(ctx, c.ID)
		if err != nil {
			return 0, err
		}
		entries = append(entries, exportEntry{Conflict: c, Timeline: events})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to encode conflicts: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}

	for _, c := range conflicts {
		if err := e.db.AppendConflictEvent(ctx, c.ID, store.EventExported, path); err != nil {
			return 0, err
		}
	}
	e.logger.Printf("exported %d conflicts to %s", len(entries), path)
	return len(entries), nil
}

// DB exposes the store for command-level operations like enqueueing
// local mutations.
func (e *Engine) DB() *store.DB { return e.db }
