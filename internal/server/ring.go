package server

import "sync"

// replayRing is the bounded per-channel replay buffer: a true ring, not a
// shift-on-overflow slice. It stores raw outbound frames so replay is a
// straight re-send with the replay tag added by the caller.
type replayRing struct {
	mu    sync.Mutex
	items [][]byte
	head  int
	count int
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		capacity = 200
	}
	return &replayRing{items: make([][]byte, capacity)}
}

// Push appends a frame, evicting the oldest when full.
func (r *replayRing) Push(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.count) % len(r.items)
	r.items[tail] = frame
	if r.count < len(r.items) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.items)
	}
}

// Snapshot returns the buffered frames oldest-first.
func (r *replayRing) Snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the number of buffered frames.
func (r *replayRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
