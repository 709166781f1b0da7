package worker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// presenceThrottle coalesces rapid viewer-count churn from a PresenceSource
// (a flapping websocket reconnecting in a loop, a viewer tab bouncing
// between 0 and 1) into bounded-rate delivery, so the mailbox does not get
// one closure per raw update. Every update is still eventually delivered —
// the latest pending count is never dropped, only collapsed with whatever
// other updates arrived inside the same throttle window. onPresenceChange's
// count==0 branch therefore still always runs, just possibly a window later
// than the raw PresenceSource callback fired, which only delays when the
// grace timer arms rather than ever skipping it.
//
// Throttling is opt-in: PresenceConfig.UpdateInterval defaults to zero,
// which forwards every update to apply immediately with no limiter in the
// path at all, since introducing delay is never free for presence-based
// shutdown's timing (a delayed "viewer returned" update directly risks a
// spurious shutdown against a short GraceTimeout).
type presenceThrottle struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	interval  time.Duration
	apply     func(count int)
	pending   int
	scheduled bool
}

func newPresenceThrottle(interval time.Duration, apply func(count int)) *presenceThrottle {
	t := &presenceThrottle{apply: apply}
	if interval > 0 {
		t.interval = interval
		t.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return t
}

// Update records count as the latest known viewer count, delivering it via
// apply immediately if no limiter is configured or the limiter currently
// allows a flush, or once a scheduled retry's limiter check succeeds
// otherwise. Concurrent updates while a flush is already pending just
// replace the value that pending flush applies.
func (t *presenceThrottle) Update(count int) {
	if t.limiter == nil {
		t.apply(count)
		return
	}
	t.mu.Lock()
	t.pending = count
	if t.scheduled {
		t.mu.Unlock()
		return
	}
	t.scheduled = true
	t.mu.Unlock()
	t.flush()
}

func (t *presenceThrottle) flush() {
	t.mu.Lock()
	if !t.limiter.Allow() {
		t.mu.Unlock()
		time.AfterFunc(t.interval, t.flush)
		return
	}
	count := t.pending
	t.scheduled = false
	t.mu.Unlock()
	t.apply(count)
}
