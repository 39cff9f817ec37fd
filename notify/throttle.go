package notify

import (
	"sync"
	"time"
)

// Throttle is the single process-wide email rate limit. All tasks share it:
// a change on any task starts the pause for every task.
type Throttle struct {
	mu   sync.Mutex
	last time.Time
}

// NewThrottle returns a throttle that has never sent.
func NewThrottle() *Throttle { return &Throttle{} }

// Acquire reports whether an email may go out at now given pause, and if so
// records now as the last send. The caller sends after a successful Acquire
// whatever the outcome, so a failing endpoint is not hit on every run.
func (t *Throttle) Acquire(now time.Time, pause time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.last.IsZero() && now.Sub(t.last) < pause {
		return false
	}
	t.last = now
	return true
}

// Last returns the time of the last send, zero if none.
func (t *Throttle) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
