package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentchat/backend/internal/identity"
	"github.com/agentchat/backend/internal/protocol"
)

const discoveryChannel = "#discovery"

// handleRegisterSkills replaces the agent's advertised capability set. The
// registration is signed over the canonical JSON of the skills array.
func (r *Router) handleRegisterSkills(s *Session, msg *protocol.Message) {
	if !r.requireKeyed(s) {
		return
	}
	pub, _ := s.Pubkey()
	payload, err := json.Marshal(msg.Skills)
	if err != nil {
		s.Send(protocol.ErrorFrame(protocol.CodeInvalidMsg, "unserializable skills"))
		return
	}
	if !identity.Verify(pub, payload, msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "skills signature does not verify"))
		return
	}

	rec := r.skills.Register(s.ID(), msg.Skills, msg.Sig)
	s.Send(protocol.NewFrame(protocol.TypeSkillsRegistered).
		With("count", len(rec.Skills)).
		With("registered_at", rec.RegisteredAt.UnixMilli()))
	r.announceRegistration(s.ID(), rec.Skills)
}

// announceRegistration posts each skill registration into the discovery
// channel, when it exists, so listening agents learn of new providers.
func (r *Router) announceRegistration(agentID string, set []protocol.Skill) {
	ch, ok := r.hub.Channel(discoveryChannel)
	if !ok {
		return
	}
	caps := make([]string, 0, len(set))
	for _, sk := range set {
		caps = append(caps, sk.Capability)
	}
	frame := protocol.NewFrame(protocol.TypeMsg).
		With("from", "@server").
		With("to", discoveryChannel).
		With("content", fmt.Sprintf("%s registered skills: %s",
			protocol.WireID(agentID), strings.Join(caps, ", "))).
		With("agent", protocol.WireID(agentID)).
		With("skills", set)
	if raw, err := json.Marshal(frame); err == nil {
		ch.Replay.Push(raw)
	}
	r.hub.TouchChannel(discoveryChannel)
	r.broadcastToChannel(discoveryChannel, frame, nil)
}

// handleSearchSkills runs a provider search and returns rating-sorted hits.
func (r *Router) handleSearchSkills(s *Session, msg *protocol.Message) {
	results := r.skills.Search(*msg.Query)

	out := make([]map[string]interface{}, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]interface{}{
			"agent":        protocol.WireID(res.AgentID),
			"skills":       res.Skills,
			"rating":       res.Rating,
			"transactions": res.Transactions,
		})
	}
	s.Send(protocol.NewFrame(protocol.TypeSkillsResult).
		With("results", out).
		With("total", len(out)))
}

// handleSetPresence updates presence and fans the change out to every
// channel the agent shares.
func (r *Router) handleSetPresence(s *Session, msg *protocol.Message) {
	s.mu.Lock()
	s.presence = msg.Status
	s.statusText = msg.StatusText
	s.mu.Unlock()

	frame := protocol.NewFrame(protocol.TypePresenceChanged).
		With("agent", protocol.WireID(s.ID())).
		With("presence", msg.Status)
	if msg.StatusText != "" {
		frame.With("status_text", msg.StatusText)
	}
	for _, name := range s.channelsOf() {
		r.broadcastToChannel(name, frame, s)
	}
	s.Send(frame)
}

// handleSetNick changes the display nickname. The agent id never changes;
// the nick is presentation only.
func (r *Router) handleSetNick(s *Session, msg *protocol.Message) {
	s.mu.Lock()
	old := s.nick
	s.nick = msg.Nick
	s.mu.Unlock()

	frame := protocol.NewFrame(protocol.TypeNickChanged).
		With("agent", protocol.WireID(s.ID())).
		With("nick", msg.Nick)
	if old != "" {
		frame.With("previous", old)
	}
	for _, name := range s.channelsOf() {
		r.broadcastToChannel(name, frame, s)
	}
	s.Send(frame)
}
