package ratelimit

import (
	"sync"
	"time"
)

// Limiter is the process-wide admission gate: a concurrent-call cap
// plus a per-caller sliding window. All state lives behind one mutex.
type Limiter struct {
	mu             sync.Mutex
	activeCalls    int
	maxConcurrent  int
	window         time.Duration
	callsPerWindow int
	callTimestamps map[string][]time.Time

	now func() time.Time // overridable for tests
}

// New creates a Limiter.
func New(maxConcurrent int, window time.Duration, callsPerWindow int) *Limiter {
	return &Limiter{
		maxConcurrent:  maxConcurrent,
		window:         window,
		callsPerWindow: callsPerWindow,
		callTimestamps: make(map[string][]time.Time),
		now:            time.Now,
	}
}

// TryAdmit atomically checks the concurrent-call cap and the caller's
// sliding window. On success it claims a slot and records the
// admission; on failure no state changes.
func (l *Limiter) TryAdmit(callerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeCalls >= l.maxConcurrent {
		return false
	}

	now := l.now()
	windowStart := now.Add(-l.window)

	// Prune entries that fell out of the window
	timestamps := l.callTimestamps[callerID]
	for len(timestamps) > 0 && timestamps[0].Before(windowStart) {
		timestamps = timestamps[1:]
	}

	if len(timestamps) >= l.callsPerWindow {
		l.callTimestamps[callerID] = timestamps
		return false
	}

	l.activeCalls++
	l.callTimestamps[callerID] = append(timestamps, now)
	return true
}

// Release frees an admission slot, saturating at zero.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeCalls > 0 {
		l.activeCalls--
	}
}

// ActiveCalls returns the number of calls currently admitted.
func (l *Limiter) ActiveCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeCalls
}
