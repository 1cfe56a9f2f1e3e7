// Package diag accumulates per-session sync diagnostics.
package diag

import (
	"sync"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/runner"
)

// Recorder aggregates cycle outcomes for the current process session.
// Counters reset when the process restarts; durable history lives in
// the conflict timeline, not here.
type Recorder struct {
	mu sync.Mutex

	startedAt time.Time

	cycles    int
	succeeded int
	failed    int

	totalDuration time.Duration
	accepted      int
	applied       int
	conflicts     int

	lastCycleAt time.Time
	lastError   string
}

// NewRecorder creates a recorder anchored at the current time.
func NewRecorder() *Recorder {
	return &Recorder{startedAt: time.Now()}
}

// RecordCycle folds one cycle outcome into the session counters. The
// summary may be partial when err is non-nil; its counts are still
// real work that happened before the failure.
func (r *Recorder) RecordCycle(summary *runner.Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cycles++
	r.lastCycleAt = time.Now()
	if err != nil {
		r.failed++
		r.lastError = err.Error()
	} else {
		r.succeeded++
		r.lastError = ""
	}

	if summary == nil {
		return
	}
	if !summary.FinishedAt.IsZero() && !summary.StartedAt.IsZero() {
		r.totalDuration += summary.FinishedAt.Sub(summary.StartedAt)
	}
	r.accepted += summary.Accepted
	r.applied += summary.Applied
	r.conflicts += summary.Conflicts
}

// Report is a point-in-time snapshot of the session counters.
type Report struct {
	SessionStart time.Time `json:"session_start"`
	Cycles       int       `json:"cycles"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	// SuccessRate is in [0, 1]; zero when no cycle has run.
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	// TotalAccepted counts pushed changes the server accepted.
	TotalAccepted int       `json:"total_accepted"`
	TotalApplied  int       `json:"total_applied"`
	ConflictsSeen int       `json:"conflicts_seen"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Report returns the current session snapshot.
func (r *Recorder) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := Report{
		SessionStart:  r.startedAt,
		Cycles:        r.cycles,
		Succeeded:     r.succeeded,
		Failed:        r.failed,
		TotalAccepted: r.accepted,
		TotalApplied:  r.applied,
		ConflictsSeen: r.conflicts,
		LastCycleAt:   r.lastCycleAt,
		LastError:     r.lastError,
	}
	if r.cycles > 0 {
		rep.SuccessRate = float64(r.succeeded) / float64(r.cycles)
		rep.AvgDuration = r.totalDuration / time.Duration(r.cycles)
	}
	return rep
}
