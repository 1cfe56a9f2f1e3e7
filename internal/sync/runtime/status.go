package runtime

// Engine statuses surfaced to the UI.
const (
	StatusLocalOnly = "LOCAL_ONLY"
	StatusSyncing   = "SYNCING"
	StatusSynced    = "SYNCED"
	StatusConflict  = "CONFLICT"
	StatusOffline   = "OFFLINE"
)

// StatusInput is the observable state the status derives from.
type StatusInput struct {
	// Configured is false when no remote has been set up.
	Configured bool
	// CycleRunning is true while a sync cycle is in flight.
	CycleRunning bool
	// Offline is true after a timeout or network failure, or when a
	// guardrail forces the engine offline.
	Offline bool
	// OpenConflicts is the number of unresolved conflicts.
	OpenConflicts int
	// PushRejected is true when the last completed cycle had local
	// changes rejected by the server.
	PushRejected bool
	// HasCheckpoint is true once any sync cycle has completed.
	HasCheckpoint bool
}

// DeriveStatus folds the observable state into a single status. The
// status is always derived, never stored, so it can never go stale
// against the facts it summarizes.
//
// Precedence: an in-flight cycle shows SYNCING even when conflicts are
// open; OFFLINE beats CONFLICT because nothing can be resolved against
// the server anyway; CONFLICT beats SYNCED until the queue of open
// conflicts is empty and the last push went through without rejections.
func DeriveStatus(in StatusInput) string {
	switch {
	case !in.Configured:
		return StatusLocalOnly
	case in.CycleRunning:
		return StatusSyncing
	case in.Offline:
		return StatusOffline
	case in.OpenConflicts > 0 || in.PushRejected:
		return StatusConflict
	case in.HasCheckpoint:
		return StatusSynced
	default:
		return StatusLocalOnly
	}
}
