package resource

import (
	"context"
	"sync"
	"time"

	"github.com/vk/clusterboot/internal/ctxlog"
)

// Lease warns the user as the end of a fixed-duration allocation nears.
// It is advisory: nothing is stopped when the lease runs out.
type Lease struct {
	Duration   time.Duration
	WarnBefore time.Duration

	mu     sync.Mutex
	timers []*time.Timer
	start  time.Time
}

// Watch arms the warning timers and returns at once. The timers are dropped
// when ctx is done. A zero Duration disables the lease.
func (l *Lease) Watch(ctx context.Context) {
	if l == nil || l.Duration <= 0 {
		return
	}
	logger := ctxlog.FromContext(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = time.Now()

	if l.WarnBefore > 0 && l.WarnBefore < l.Duration {
		l.timers = append(l.timers, time.AfterFunc(l.Duration-l.WarnBefore, func() {
			logger.Warn("Reservation is about to expire.", "remaining", l.WarnBefore)
		}))
	}
	l.timers = append(l.timers, time.AfterFunc(l.Duration, func() {
		logger.Warn("Reservation expired. Workers may be killed at any time.", "lease", l.Duration)
	}))

	context.AfterFunc(ctx, l.Stop)
}

// Remaining is the time left on the lease, zero before Watch and after expiry.
func (l *Lease) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.start.IsZero() {
		return 0
	}
	return max(0, l.Duration-time.Since(l.start))
}

// Stop disarms the timers.
func (l *Lease) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
}
