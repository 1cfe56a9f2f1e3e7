package runtime

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pocketplan/pocketplan/internal/sync/transport"
)

// BackoffCap bounds the delay between failed cycles.
const BackoffCap = 5 * time.Minute

// Backoff tracks the retry delay across failed sync cycles. Delays grow
// exponentially up to BackoffCap and reset on the first success. A
// server-requested Retry-After overrides the computed delay when it is
// longer.
type Backoff struct {
	mu   sync.Mutex
	exp  *backoff.ExponentialBackOff
	wait time.Duration
}

// NewBackoff creates a reset backoff tracker.
func NewBackoff() *Backoff {
	b := &Backoff{}
	b.reset()
	return b
}

func (b *Backoff) reset() {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 2 * time.Second
	exp.Multiplier = 2
	exp.MaxInterval = BackoffCap
	exp.MaxElapsedTime = 0 // never give up; the user can always sync manually
	b.exp = exp
	b.wait = 0
}

// Failure records a failed cycle and returns the delay before the next
// scheduled attempt.
func (b *Backoff) Failure(err error) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := b.exp.NextBackOff()
	if wait > BackoffCap {
		wait = BackoffCap
	}
	if ra := transport.RetryAfter(err); ra > wait {
		wait = ra
	}
	b.wait = wait
	return wait
}

// Success resets the tracker after a clean cycle.
func (b *Backoff) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Wait returns the delay recorded by the last Failure, zero when
// healthy.
func (b *Backoff) Wait() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wait
}
