package diag

import (
	"errors"
	"testing"
	"time"

	"github.com/pocketplan/pocketplan/internal/sync/runner"
)

func summaryWithDuration(d time.Duration) *runner.Summary {
	start := time.Now().Add(-d)
	return &runner.Summary{
		StartedAt:  start,
		FinishedAt: start.Add(d),
		Accepted:   2,
		Applied:    3,
		Conflicts:  1,
	}
}

func TestRecorderAggregates(t *testing.T) {
	r := NewRecorder()

	r.RecordCycle(summaryWithDuration(2*time.Second), nil)
	r.RecordCycle(summaryWithDuration(4*time.Second), nil)
	r.RecordCycle(nil, errors.New("push failed: network down"))

	rep := r.Report()
	if rep.Cycles != 3 || rep.Succeeded != 2 || rep.Failed != 1 {
		t.Errorf("cycles = %d/%d/%d, want 3/2/1", rep.Cycles, rep.Succeeded, rep.Failed)
	}
	if rep.SuccessRate < 0.66 || rep.SuccessRate > 0.67 {
		t.Errorf("success rate = %f, want 2/3", rep.SuccessRate)
	}
	if rep.AvgDuration != 2*time.Second {
		t.Errorf("avg duration = %s, want 2s over 3 cycles", rep.AvgDuration)
	}
	if rep.TotalAccepted != 4 || rep.TotalApplied != 6 || rep.ConflictsSeen != 2 {
		t.Errorf("totals = %d/%d/%d, want 4/6/2",
			rep.TotalAccepted, rep.TotalApplied, rep.ConflictsSeen)
	}
	if rep.LastError != "push failed: network down" {
		t.Errorf("last error = %q", rep.LastError)
	}
}

func TestRecorderClearsErrorOnSuccess(t *testing.T) {
	r := NewRecorder()

	r.RecordCycle(nil, errors.New("boom"))
	r.RecordCycle(summaryWithDuration(time.Second), nil)

	if rep := r.Report(); rep.LastError != "" {
		t.Errorf("last error = %q, want cleared after success", rep.LastError)
	}
}

func TestEmptyReport(t *testing.T) {
	rep := NewRecorder().Report()
	if rep.SuccessRate != 0 || rep.AvgDuration != 0 {
		t.Errorf("empty report = %+v, want zero rates", rep)
	}
}
