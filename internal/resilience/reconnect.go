package resilience

import (
	"context"
	"sync"
	"time"
)

// ReconnectStats is a snapshot of a ReconnectState
type ReconnectStats struct {
	ConsecutiveErrors int
	Attempts          int
	LastError         time.Time
}

// ReconnectState tracks connection failures between successful connects
type ReconnectState struct {
	mu    sync.Mutex
	stats ReconnectStats
}

// RecordAttemptFailure records a failed connect or configure step
func (r *ReconnectState) RecordAttemptFailure(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Attempts++
	r.stats.ConsecutiveErrors++
	r.stats.LastError = at
}

// RecordStreamError records an error that ended a streaming session
func (r *ReconnectState) RecordStreamError(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.ConsecutiveErrors++
	r.stats.LastError = at
}

// Reset clears all counters after a successful connect
func (r *ReconnectState) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = ReconnectStats{}
}

// Attempts returns the number of failed attempts since the last success
func (r *ReconnectState) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Attempts
}

// Snapshot returns a copy of the counters
func (r *ReconnectState) Snapshot() ReconnectStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
