package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/runner"
	"github.com/pocketplan/pocketplan/internal/sync/transport"
)

// ErrCycleInFlight is returned when a sync is requested while one is
// already running. Requests are dropped, not queued: the running cycle
// already covers whatever the caller wanted synced.
var ErrCycleInFlight = errors.New("a sync cycle is already running")

// ErrSyncDisabled is returned by SyncNow while a guardrail holds the
// engine offline. Scheduled runs are skipped silently instead.
var ErrSyncDisabled = errors.New("sync is administratively disabled")

// CycleFunc runs one sync cycle.
type CycleFunc func(ctx context.Context) (*runner.Summary, error)

// ControllerConfig wires a controller.
type ControllerConfig struct {
	Cycle    CycleFunc
	Settings Settings
	Logger   *log.Logger

	// OpenConflicts reports the current open-conflict count for status
	// derivation. Optional; nil reads as zero.
	OpenConflicts func(ctx context.Context) (int, error)

	// OnCycle is invoked after every completed or failed cycle.
	// Optional.
	OnCycle func(summary *runner.Summary, err error)
}

// Controller schedules sync cycles and derives the engine status. One
// controller owns one device's sync loop; cycles never overlap.
type Controller struct {
	cfg    ControllerConfig
	logger *log.Logger

	backoff *Backoff

	mu            sync.Mutex
	running       bool
	background    bool
	notBefore     time.Time
	offline       bool
	offlineReason string
	forcedOffline string
	lastSummary   *runner.Summary
	lastErr       error

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewController creates a stopped controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Cycle == nil {
		return nil, errors.New("controller requires a cycle function")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[runtime] ", log.LstdFlags)
	}
	return &Controller{cfg: cfg, logger: logger, backoff: NewBackoff()}, nil
}

// Start launches the scheduling loop. Stop releases it.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.runScheduled(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
				c.logger.Printf("scheduled sync failed: %v", err)
			}
			ticker.Reset(c.interval())
		}
	}
}

func (c *Controller) interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.background {
		return time.Duration(c.cfg.Settings.BackgroundIntervalSec) * time.Second
	}
	return time.Duration(c.cfg.Settings.ForegroundIntervalSec) * time.Second
}

// SetBackground switches between the foreground and background
// intervals. The change takes effect at the next tick.
func (c *Controller) SetBackground(bg bool) {
	c.mu.Lock()
	c.background = bg
	c.mu.Unlock()
}

// ForceOffline pins the status to OFFLINE with a reason, e.g. when a
// guardrail flag is present. An empty reason releases the pin.
func (c *Controller) ForceOffline(reason string) {
	c.mu.Lock()
	c.forcedOffline = reason
	c.mu.Unlock()
	if reason != "" {
		c.logger.Printf("sync forced offline: %s", reason)
	}
}

// runScheduled runs a cycle if the backoff window has elapsed and no
// guardrail is active. Skipped runs are not errors.
func (c *Controller) runScheduled(ctx context.Context) (*runner.Summary, error) {
	c.mu.Lock()
	blocked := c.forcedOffline != "" || time.Now().Before(c.notBefore)
	c.mu.Unlock()
	if blocked {
		return nil, nil
	}
	return c.run(ctx)
}

// SyncNow runs a cycle immediately, bypassing the backoff window
// without resetting it. A guardrail hold is not bypassed: a forced
// offline engine refuses with ErrSyncDisabled. A second concurrent
// request gets ErrCycleInFlight.
func (c *Controller) SyncNow(ctx context.Context) (*runner.Summary, error) {
	c.mu.Lock()
	forced := c.forcedOffline
	c.mu.Unlock()
	if forced != "" {
		return nil, fmt.Errorf("%w: %s", ErrSyncDisabled, forced)
	}
	return c.run(ctx)
}

func (c *Controller) run(ctx context.Context) (*runner.Summary, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrCycleInFlight
	}
	c.running = true
	c.mu.Unlock()

	summary, err := c.cfg.Cycle(ctx)

	c.mu.Lock()
	c.running = false
	c.lastSummary = summary
	c.lastErr = err
	if err != nil {
		c.offline = transport.IsOffline(err)
		if c.offline {
			c.offlineReason = err.Error()
		}
		wait := c.backoff.Failure(err)
		c.notBefore = time.Now().Add(wait)
		c.mu.Unlock()
		c.logger.Printf("cycle failed, next attempt in %s: %v", wait.Round(time.Second), err)
	} else {
		c.offline = false
		c.offlineReason = ""
		c.backoff.Success()
		c.notBefore = time.Time{}
		c.mu.Unlock()
	}

	if c.cfg.OnCycle != nil {
		c.cfg.OnCycle(summary, err)
	}
	return summary, err
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	Status        string          `json:"status"`
	OfflineReason string          `json:"offline_reason,omitempty"`
	NextAttempt   *time.Time      `json:"next_attempt,omitempty"`
	OpenConflicts int             `json:"open_conflicts"`
	LastSummary   *runner.Summary `json:"last_summary,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// Status derives the current engine status and its inputs.
func (c *Controller) Status(ctx context.Context, configured, hasCheckpoint bool) Snapshot {
	conflicts := 0
	if c.cfg.OpenConflicts != nil {
		if n, err := c.cfg.OpenConflicts(ctx); err == nil {
			conflicts = n
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		OpenConflicts: conflicts,
		LastSummary:   c.lastSummary,
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	if !c.notBefore.IsZero() && time.Now().Before(c.notBefore) {
		t := c.notBefore
		snap.NextAttempt = &t
	}

	offline := c.offline || c.forcedOffline != ""
	snap.Status = DeriveStatus(StatusInput{
		Configured:    configured,
		CycleRunning:  c.running,
		Offline:       offline,
		OpenConflicts: conflicts,
		PushRejected:  c.lastSummary != nil && c.lastSummary.Rejected > 0,
		HasCheckpoint: hasCheckpoint,
	})
	if snap.Status == StatusOffline {
		snap.OfflineReason = c.offlineReason
		if c.forcedOffline != "" {
			snap.OfflineReason = c.forcedOffline
		}
	}
	return snap
}
