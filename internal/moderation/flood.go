package moderation

import (
	"crypto/sha256"
	"sync"
	"time"
)

// FloodPlugin is the built-in repeat-content detector: an agent posting the
// same content repeatedly inside the window escalates from WARN to THROTTLE
// to TIMEOUT. State is pruned by the pipeline's cleanup tick.
type FloodPlugin struct {
	mu      sync.Mutex
	window  time.Duration
	seen    map[string]*floodEntry // agent id -> last content digest
}

type floodEntry struct {
	digest  [32]byte
	repeats int
	last    time.Time
}

// NewFloodPlugin creates the detector. window bounds how long a repeat
// streak stays alive.
func NewFloodPlugin(window time.Duration) *FloodPlugin {
	if window <= 0 {
		window = time.Minute
	}
	return &FloodPlugin{
		window: window,
		seen:   make(map[string]*floodEntry),
	}
}

func (p *FloodPlugin) Name() string       { return "flood" }
func (p *FloodPlugin) Channels() []string { return nil } // global
func (p *FloodPlugin) FailOpen() bool     { return true }

func (p *FloodPlugin) Check(ev Event) (Action, error) {
	digest := sha256.Sum256([]byte(ev.Content))
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.seen[ev.AgentID]
	if !ok || entry.digest != digest || now.Sub(entry.last) > p.window {
		p.seen[ev.AgentID] = &floodEntry{digest: digest, repeats: 1, last: now}
		return Allow, nil
	}

	entry.repeats++
	entry.last = now
	switch {
	case entry.repeats >= 6:
		return Timeout, nil
	case entry.repeats >= 4:
		return Throttle, nil
	case entry.repeats >= 2:
		return Warn, nil
	}
	return Allow, nil
}

// Cleanup drops streaks that aged out of the window.
func (p *FloodPlugin) Cleanup() {
	cutoff := time.Now().Add(-p.window)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.seen {
		if entry.last.Before(cutoff) {
			delete(p.seen, id)
		}
	}
}

// Forget clears an agent's streak on disconnect.
func (p *FloodPlugin) Forget(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, agentID)
}
