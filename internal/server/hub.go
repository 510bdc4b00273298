package server

import (
	"sync"
	"time"
)

// Channel is one named broadcast group. All fields are guarded by the hub
// mutex; the replay ring has its own lock so replays do not hold the hub.
type Channel struct {
	Name         string
	InviteOnly   bool
	Invited      map[string]bool     // bare agent ids
	Members      map[string]*Session // bare agent id -> live session
	Replay       *replayRing
	LastActivity time.Time
	CreatedAt    time.Time
}

// Hub owns the live-connection registry: every open session, the
// identified-agent index (one live connection per agent id), the channel
// table, and per-IP connection counts. Mutations are linearized through one
// RWMutex so membership snapshots are consistent with the broadcasts
// decided from them.
type Hub struct {
	mu sync.RWMutex

	sessions map[*Session]struct{} // every open connection, pre-auth included
	agents   map[string]*Session   // identified agents, bare id
	channels map[string]*Channel
	ipCounts map[string]int

	bufferSize int
	maxPerIP   int
}

// NewHub creates a hub and seeds the default channels.
func NewHub(bufferSize, maxPerIP int, defaults []string) *Hub {
	h := &Hub{
		sessions:   make(map[*Session]struct{}),
		agents:     make(map[string]*Session),
		channels:   make(map[string]*Channel),
		ipCounts:   make(map[string]int),
		bufferSize: bufferSize,
		maxPerIP:   maxPerIP,
	}
	for _, name := range defaults {
		h.channels[name] = h.newChannel(name, false)
	}
	return h
}

func (h *Hub) newChannel(name string, inviteOnly bool) *Channel {
	return &Channel{
		Name:         name,
		InviteOnly:   inviteOnly,
		Invited:      make(map[string]bool),
		Members:      make(map[string]*Session),
		Replay:       newReplayRing(h.bufferSize),
		LastActivity: time.Now(),
		CreatedAt:    time.Now(),
	}
}

// TrackConn admits a new raw connection, enforcing the per-IP cap.
// Returns false when the cap is hit.
func (h *Hub) TrackConn(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxPerIP > 0 && s.remoteIP != "" && h.ipCounts[s.remoteIP] >= h.maxPerIP {
		return false
	}
	h.sessions[s] = struct{}{}
	if s.remoteIP != "" {
		h.ipCounts[s.remoteIP]++
	}
	return true
}

// UntrackConn removes a closed connection and frees its IP slot.
func (h *Hub) UntrackConn(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	if s.remoteIP != "" {
		if h.ipCounts[s.remoteIP]--; h.ipCounts[s.remoteIP] <= 0 {
			delete(h.ipCounts, s.remoteIP)
		}
	}
}

// BindAgent installs the identified session under its agent id. If another
// live session holds the id, that session is returned so the caller can
// displace it; the mapping already points at the new session when this
// returns, and the displaced socket closes after losing its identity.
func (h *Hub) BindAgent(id string, s *Session) (displaced *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.agents[id]; ok && prev != s {
		displaced = prev
	}
	h.agents[id] = s
	return displaced
}

// UnbindAgent removes the agent mapping iff it still points at s.
func (h *Hub) UnbindAgent(id string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.agents[id]; ok && cur == s {
		delete(h.agents, id)
	}
}

// Agent resolves a bare agent id to its live session.
func (h *Hub) Agent(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.agents[id]
	return s, ok
}

// Sessions returns a snapshot of every open connection.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// IdentifiedIDs returns the bare ids of all identified agents.
func (h *Hub) IdentifiedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.agents))
	for id := range h.agents {
		out = append(out, id)
	}
	return out
}

// Counts returns (connections, identified agents).
func (h *Hub) Counts() (conns, identified int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions), len(h.agents)
}

// Channel returns the named channel.
func (h *Hub) Channel(name string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[name]
	return ch, ok
}

// CreateChannel adds a channel; false when the name is taken.
func (h *Hub) CreateChannel(name string, inviteOnly bool) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[name]; exists {
		return nil, false
	}
	ch := h.newChannel(name, inviteOnly)
	h.channels[name] = ch
	return ch, true
}

// ChannelStats returns (total, public) channel counts.
func (h *Hub) ChannelStats() (total, public int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.channels {
		total++
		if !ch.InviteOnly {
			public++
		}
	}
	return total, public
}

// Channels returns a snapshot of all channels.
func (h *Hub) Channels() []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		out = append(out, ch)
	}
	return out
}

// Join adds the session to a channel and returns the membership snapshot
// (bare ids, joiner included) taken at the same instant. The JOINED list
// and the AGENT_JOINED fan-out both come from this snapshot.
func (h *Hub) Join(name string, s *Session) (members []string, peers []*Session, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, exists := h.channels[name]
	if !exists {
		return nil, nil, false
	}
	ch.Members[s.ID()] = s
	ch.LastActivity = time.Now()
	for id, member := range ch.Members {
		members = append(members, id)
		if member != s {
			peers = append(peers, member)
		}
	}
	return members, peers, true
}

// Leave removes the session from a channel and returns the remaining peers.
func (h *Hub) Leave(name string, s *Session) (peers []*Session, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, exists := h.channels[name]
	if !exists {
		return nil, false
	}
	if cur, member := ch.Members[s.ID()]; !member || cur != s {
		return nil, false
	}
	delete(ch.Members, s.ID())
	for _, m := range ch.Members {
		peers = append(peers, m)
	}
	return peers, true
}

// ChannelMembers returns the live member sessions of a channel.
func (h *Hub) ChannelMembers(name string) ([]*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[name]
	if !ok {
		return nil, false
	}
	out := make([]*Session, 0, len(ch.Members))
	for _, m := range ch.Members {
		out = append(out, m)
	}
	return out, true
}

// IsMember reports channel membership for a bare agent id.
func (h *Hub) IsMember(name, agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[name]
	if !ok {
		return false
	}
	_, member := ch.Members[agentID]
	return member
}

// IsInvited reports whether the agent holds a standing invitation.
func (h *Hub) IsInvited(name, agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[name]
	return ok && ch.Invited[agentID]
}

// ChannelInfo is a point-in-time channel summary for one viewer.
type ChannelInfo struct {
	Name       string
	Members    int
	InviteOnly bool
	Visible    bool
}

// ChannelInfos summarizes every channel from the viewer's perspective:
// invite-only channels are visible only to members and invitees.
func (h *Hub) ChannelInfos(agentID string) []ChannelInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(h.channels))
	for _, ch := range h.channels {
		_, member := ch.Members[agentID]
		out = append(out, ChannelInfo{
			Name:       ch.Name,
			Members:    len(ch.Members),
			InviteOnly: ch.InviteOnly,
			Visible:    !ch.InviteOnly || member || ch.Invited[agentID],
		})
	}
	return out
}

// Invite marks an agent id as invited to a channel.
func (h *Hub) Invite(name, agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[name]
	if !ok {
		return false
	}
	ch.Invited[agentID] = true
	return true
}

// TouchChannel updates a channel's last-activity timestamp.
func (h *Hub) TouchChannel(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[name]; ok {
		ch.LastActivity = time.Now()
	}
}

// RemoveFromAll removes the session from every channel, returning the
// per-channel peer lists for AGENT_LEFT fan-out.
func (h *Hub) RemoveFromAll(s *Session) map[string][]*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]*Session)
	id := s.ID()
	// Pointer-compared so a displaced session cannot evict its successor's
	// membership under the shared agent id.
	for name, ch := range h.channels {
		if cur, member := ch.Members[id]; !member || cur != s {
			continue
		}
		delete(ch.Members, id)
		peers := make([]*Session, 0, len(ch.Members))
		for _, m := range ch.Members {
			peers = append(peers, m)
		}
		out[name] = peers
	}
	return out
}

// IdleChannels returns channels with at least two members whose last
// activity is older than the cutoff.
func (h *Hub) IdleChannels(cutoff time.Time) []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Channel
	for _, ch := range h.channels {
		if len(ch.Members) >= 2 && ch.LastActivity.Before(cutoff) {
			out = append(out, ch)
		}
	}
	return out
}
