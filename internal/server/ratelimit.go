package server

import (
	"sync"
	"time"
)

// Pre-auth and post-auth frame budgets (sliding windows).
const (
	preAuthFrames  = 10
	postAuthFrames = 60
	windowSpan     = 10 * time.Second
)

// slidingWindow counts events over a rolling span. Same shape as a
// fixed-window limiter but without the boundary burst: old timestamps fall
// off as time advances.
type slidingWindow struct {
	mu     sync.Mutex
	span   time.Duration
	limit  int
	events []time.Time
}

func newSlidingWindow(limit int, span time.Duration) *slidingWindow {
	return &slidingWindow{span: span, limit: limit}
}

// Allow records an event and reports whether it is within budget.
func (w *slidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-w.span)
	keep := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.events = keep

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// msgThrottle enforces the one-MSG-per-interval budget.
type msgThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newMsgThrottle(interval time.Duration) *msgThrottle {
	return &msgThrottle{interval: interval}
}

// Allow reports whether a MSG frame may proceed now.
func (t *msgThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Penalize pushes the next allowed send out by d (moderation THROTTLE).
func (t *msgThrottle) Penalize(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Now().Add(d - t.interval)
}
