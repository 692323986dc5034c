package turn

import (
	"sync"
	"time"
)

// silenceTimer is the single pending deferred action that turns
// sustained silence into a commit. At most one instance is live at a
// time: arming while one is pending is a no-op, and any speech tick
// cancels it.
type silenceTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// Arm schedules fire after d unless a timer is already pending.
// Returns true if a new timer was armed.
func (t *silenceTimer) Arm(d time.Duration, fire func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending {
		return false
	}

	t.pending = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if !t.pending {
			t.mu.Unlock()
			return
		}
		t.pending = false
		t.mu.Unlock()
		fire()
	})
	return true
}

// Cancel stops any pending timer. Safe to call when nothing is armed.
func (t *silenceTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
}

// Pending reports whether a timer is currently armed.
func (t *silenceTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
