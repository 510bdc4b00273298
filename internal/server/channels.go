package server

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/agentchat/backend/internal/protocol"
)

// handleJoin adds the agent to a channel, creating a public channel on first
// join. Invite-only channels require a standing invitation.
func (r *Router) handleJoin(s *Session, msg *protocol.Message) {
	name := msg.Channel
	id := s.ID()

	ch, exists := r.hub.Channel(name)
	if !exists {
		if ch, _ = r.hub.CreateChannel(name, false); ch == nil {
			// Lost the creation race; the channel exists now.
			ch, exists = r.hub.Channel(name)
			if !exists {
				s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "no such channel"))
				return
			}
		}
	}
	if ch.InviteOnly && !s.isAdmin() && !r.hub.IsMember(name, id) && !r.hub.IsInvited(name, id) {
		s.Send(protocol.ErrorFrame(protocol.CodeNotInvited, "channel is invite-only"))
		return
	}

	members, peers, ok := r.hub.Join(name, s)
	if !ok {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "no such channel"))
		return
	}
	s.trackChannel(name, true)

	wireMembers := make([]string, 0, len(members))
	for _, m := range members {
		wireMembers = append(wireMembers, protocol.WireID(m))
	}
	sort.Strings(wireMembers)

	s.Send(protocol.NewFrame(protocol.TypeJoined).
		With("channel", name).
		With("agents", wireMembers))

	joined := protocol.NewFrame(protocol.TypeAgentJoined).
		With("channel", name).
		With("agent", protocol.WireID(id)).
		With("name", s.DisplayName())
	for _, p := range peers {
		p.Send(joined)
	}

	r.replayTo(s, ch)
}

// replayTo re-sends the channel's buffered frames to a fresh member, tagged
// so clients can suppress duplicate side effects.
func (r *Router) replayTo(s *Session, ch *Channel) {
	for _, raw := range ch.Replay.Snapshot() {
		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		frame["replay"] = true
		s.Send(frame)
	}
}

func (r *Router) handleLeave(s *Session, msg *protocol.Message) {
	name := msg.Channel
	peers, ok := r.hub.Leave(name, s)
	if !ok {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "not a member of that channel"))
		return
	}
	s.trackChannel(name, false)

	s.Send(protocol.NewFrame(protocol.TypeLeft).With("channel", name))
	left := protocol.NewFrame(protocol.TypeAgentLeft).
		With("channel", name).
		With("agent", protocol.WireID(s.ID())).
		With("reason", "leave")
	for _, p := range peers {
		p.Send(left)
	}
}

// handleCreateChannel creates a channel explicitly, typically invite-only.
// The creator joins immediately and holds a standing invitation.
func (r *Router) handleCreateChannel(s *Session, msg *protocol.Message) {
	name := msg.Channel
	ch, created := r.hub.CreateChannel(name, msg.InviteOnly)
	if !created {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelExists, "channel already exists"))
		return
	}
	id := s.ID()
	if ch.InviteOnly {
		r.hub.Invite(name, id)
	}
	r.hub.Join(name, s)
	s.trackChannel(name, true)

	s.Send(protocol.NewFrame(protocol.TypeChannelCreated).
		With("channel", name).
		With("invite_only", ch.InviteOnly))
	s.Send(protocol.NewFrame(protocol.TypeJoined).
		With("channel", name).
		With("agents", []string{protocol.WireID(id)}))
}

// handleInvite grants another agent access to an invite-only channel. Any
// member may invite.
func (r *Router) handleInvite(s *Session, msg *protocol.Message) {
	name := msg.Channel
	target := protocol.BareID(msg.Agent)

	if _, ok := r.hub.Channel(name); !ok {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "no such channel"))
		return
	}
	if !r.hub.IsMember(name, s.ID()) && !s.isAdmin() {
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "only members may invite"))
		return
	}
	r.hub.Invite(name, target)

	s.Send(protocol.NewFrame(protocol.TypeInvited).
		With("channel", name).
		With("agent", protocol.WireID(target)))
	if ts, online := r.hub.Agent(target); online {
		ts.Send(protocol.NewFrame(protocol.TypeInvited).
			With("channel", name).
			With("by", protocol.WireID(s.ID())))
	}
}

// handleListAgents returns the channel roster with presence enrichment.
func (r *Router) handleListAgents(s *Session, msg *protocol.Message) {
	name := msg.Channel
	members, ok := r.hub.ChannelMembers(name)
	if !ok {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "no such channel"))
		return
	}

	agents := make([]map[string]interface{}, 0, len(members))
	for _, m := range members {
		presence, statusText := m.Presence()
		entry := map[string]interface{}{
			"agent":    protocol.WireID(m.ID()),
			"name":     m.DisplayName(),
			"presence": presence,
		}
		if statusText != "" {
			entry["status_text"] = statusText
		}
		agents = append(agents, entry)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i]["agent"].(string) < agents[j]["agent"].(string)
	})

	s.Send(protocol.NewFrame(protocol.TypeAgentList).
		With("channel", name).
		With("agents", agents))
}

// handleListChannels lists public channels plus invite-only ones the
// requester can see.
func (r *Router) handleListChannels(s *Session) {
	var out []map[string]interface{}
	for _, info := range r.hub.ChannelInfos(s.ID()) {
		if !info.Visible && !s.isAdmin() {
			continue
		}
		out = append(out, map[string]interface{}{
			"channel":     info.Name,
			"members":     info.Members,
			"invite_only": info.InviteOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["channel"].(string) < out[j]["channel"].(string)
	})

	s.Send(protocol.NewFrame(protocol.TypeChannelList).With("channels", out))
}

// trackChannel keeps the session's own membership set in sync for fast
// disconnect cleanup and idle reporting.
func (s *Session) trackChannel(name string, member bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if member {
		s.channels[name] = true
	} else {
		delete(s.channels, name)
	}
}

func (s *Session) isAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin
}

// channelsOf snapshots the session's membership set.
func (s *Session) channelsOf() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	return out
}

func (s *Session) muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.muteUntil)
}

func (s *Session) muteFor(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteUntil = time.Now().Add(d)
}
