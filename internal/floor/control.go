// Package floor implements the advisory turn-taking lock: per
// (channel, message id) claims with earliest-start-wins arbitration. The
// relay never suppresses messages sent without the floor; well-behaved
// agents honor the YIELD they receive when displaced.
package floor

import (
	"sync"
	"time"
)

// Claim is one agent's hold on the floor for a specific message.
type Claim struct {
	Channel    string    `json:"channel"`
	MsgID      string    `json:"msg_id"`
	Holder     string    `json:"holder"`
	StartedAt  int64     `json:"started_at"` // client-reported, ms
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type claimKey struct {
	channel string
	msgID   string
}

// Controller tracks active claims.
type Controller struct {
	mu     sync.Mutex
	claims map[claimKey]*Claim
	ttl    time.Duration
}

// NewController creates a controller whose claims expire after ttl.
func NewController(ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Controller{
		claims: make(map[claimKey]*Claim),
		ttl:    ttl,
	}
}

// Claim attempts to take the floor for (channel, msgID). The first claim
// wins; a later claim displaces the incumbent iff its startedAt strictly
// precedes the incumbent's, or equals it with a lexicographically smaller
// holder id. Returns whether the claim was granted and, when a holder was
// displaced, the displaced holder's id.
func (c *Controller) Claim(channel, msgID, holder string, startedAt int64) (granted bool, displaced string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := claimKey{channel: channel, msgID: msgID}
	now := time.Now()

	cur, ok := c.claims[key]
	if ok && now.After(cur.ExpiresAt) {
		delete(c.claims, key)
		ok = false
	}

	if ok {
		if startedAt > cur.StartedAt || (startedAt == cur.StartedAt && holder >= cur.Holder) {
			return false, ""
		}
		displaced = cur.Holder
	}

	c.claims[key] = &Claim{
		Channel:    channel,
		MsgID:      msgID,
		Holder:     holder,
		StartedAt:  startedAt,
		ReceivedAt: now,
		ExpiresAt:  now.Add(c.ttl),
	}
	return true, displaced
}

// Holder returns the current holder for (channel, msgID), if any.
func (c *Controller) Holder(channel, msgID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.claims[claimKey{channel: channel, msgID: msgID}]
	if !ok || time.Now().After(cur.ExpiresAt) {
		return "", false
	}
	return cur.Holder, true
}

// ReleaseHolder drops every claim held by the agent (disconnect path).
// Returns the released claims so the router can notify channels.
func (c *Controller) ReleaseHolder(holder string) []Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	var released []Claim
	for key, cl := range c.claims {
		if cl.Holder == holder {
			released = append(released, *cl)
			delete(c.claims, key)
		}
	}
	return released
}

// Sweep evicts expired claims and returns how many were dropped.
func (c *Controller) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	dropped := 0
	for key, cl := range c.claims {
		if now.After(cl.ExpiresAt) {
			delete(c.claims, key)
			dropped++
		}
	}
	return dropped
}

// Active returns the number of live claims.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}
