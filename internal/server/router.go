// Package server is the relay core: the WebSocket session fabric, the frame
// router, and the background sweeps. Everything stateful that outlives a
// single frame lives in the leaf packages; the router wires them to the wire.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentchat/backend/internal/arbitration"
	"github.com/agentchat/backend/internal/config"
	"github.com/agentchat/backend/internal/floor"
	"github.com/agentchat/backend/internal/moderation"
	"github.com/agentchat/backend/internal/proposal"
	"github.com/agentchat/backend/internal/protocol"
	"github.com/agentchat/backend/internal/reputation"
	"github.com/agentchat/backend/internal/skills"
)

// DefaultChannels are seeded at startup and never expire.
var DefaultChannels = []string{"#general", "#random", "#discovery"}

// Router dispatches validated frames to the domain stores and fans replies
// back out through the hub.
type Router struct {
	cfg     *config.Config
	hub     *Hub
	reps    *reputation.Store
	props   *proposal.Store
	skills  *skills.Registry
	floor   *floor.Controller
	mods    *moderation.Pipeline
	court   *arbitration.Court // nil when agentcourt is disabled
	metrics *Metrics

	motd      string
	startedAt time.Time

	allow *accessIndex // nil when the allowlist is disabled
	bans  *accessIndex

	vmu           sync.Mutex
	verifications map[string]*pendingVerification
}

// NewRouter wires the router over its stores. motd is the resolved banner
// text; allow and bans may be nil.
func NewRouter(cfg *config.Config, hub *Hub, reps *reputation.Store, props *proposal.Store,
	reg *skills.Registry, fc *floor.Controller, mods *moderation.Pipeline,
	court *arbitration.Court, metrics *Metrics, motd string,
	allow, bans []config.AccessEntry) *Router {

	r := &Router{
		cfg:           cfg,
		hub:           hub,
		reps:          reps,
		props:         props,
		skills:        reg,
		floor:         fc,
		mods:          mods,
		court:         court,
		metrics:       metrics,
		motd:          motd,
		startedAt:     time.Now(),
		bans:          newAccessIndex(bans),
		verifications: make(map[string]*pendingVerification),
	}
	if cfg.Allowlist.Enabled {
		r.allow = newAccessIndex(allow)
	}
	return r
}

// HandleFrame processes one inbound frame on the session's read goroutine.
// Returning false terminates the connection.
func (r *Router) HandleFrame(s *Session, raw []byte) bool {
	if !s.Identified() {
		if !s.preAuth.Allow() {
			r.metrics.RateLimitHits.WithLabelValues("preauth").Inc()
			s.Send(protocol.ErrorFrame(protocol.CodeRateLimited, "too many frames before identify"))
			return false
		}
	} else if !s.frames.Allow() {
		r.metrics.RateLimitHits.WithLabelValues("window").Inc()
		s.Send(protocol.NewFrame(protocol.TypeRateLimited).
			With("reason", "frame budget exceeded").
			With("retry_after_ms", int64(windowSpan/time.Millisecond)))
		return true
	}

	msg, werr := protocol.Validate(raw, r.cfg.Limits.MaxFrameBytes)
	if werr != nil {
		r.metrics.FramesRejected.WithLabelValues(werr.Code).Inc()
		s.Send(protocol.ErrorFrame(werr.Code, werr.Reason))
		return true
	}
	r.metrics.FramesIn.WithLabelValues(msg.Type).Inc()

	// The handshake pair is the only traffic an unidentified session may
	// send.
	if !s.Identified() && msg.Type != protocol.TypeIdentify && msg.Type != protocol.TypeVerifyIdentity {
		s.Send(protocol.ErrorFrame(protocol.CodeAuthRequired, "identify first"))
		return true
	}

	switch msg.Type {
	case protocol.TypeIdentify:
		r.handleIdentify(s, msg)
	case protocol.TypeVerifyIdentity:
		r.handleVerifyIdentity(s, msg)
	case protocol.TypeJoin:
		r.handleJoin(s, msg)
	case protocol.TypeLeave:
		r.handleLeave(s, msg)
	case protocol.TypeCreateChannel:
		r.handleCreateChannel(s, msg)
	case protocol.TypeInvite:
		r.handleInvite(s, msg)
	case protocol.TypeListAgents:
		r.handleListAgents(s, msg)
	case protocol.TypeListChannels:
		r.handleListChannels(s)
	case protocol.TypeMsg:
		r.handleMsg(s, msg)
	case protocol.TypeTyping:
		r.handleTyping(s, msg)
	case protocol.TypeRespondingTo:
		r.handleRespondingTo(s, msg)
	case protocol.TypeProposal:
		r.handleProposal(s, msg)
	case protocol.TypeAccept:
		r.handleAccept(s, msg)
	case protocol.TypeReject:
		r.handleReject(s, msg)
	case protocol.TypeComplete:
		r.handleComplete(s, msg)
	case protocol.TypeDispute:
		r.handleDispute(s, msg)
	case protocol.TypeRegisterSkills:
		r.handleRegisterSkills(s, msg)
	case protocol.TypeSearchSkills:
		r.handleSearchSkills(s, msg)
	case protocol.TypeSetPresence:
		r.handleSetPresence(s, msg)
	case protocol.TypeSetNick:
		r.handleSetNick(s, msg)
	case protocol.TypeVerifyRequest:
		r.handleVerifyRequest(s, msg)
	case protocol.TypeVerifyResponse:
		r.handleVerifyResponse(s, msg)
	case protocol.TypeDisputeIntent:
		r.handleDisputeIntent(s, msg)
	case protocol.TypeDisputeReveal:
		r.handleDisputeReveal(s, msg)
	case protocol.TypeDisputeEvidence:
		r.handleDisputeEvidence(s, msg)
	case protocol.TypeDisputeVerdict:
		r.handleDisputeVerdict(s, msg)
	case protocol.TypePong:
		s.lastPong.Store(time.Now().UnixMilli())
	}
	return true
}

// handleDisconnect runs once per session, from Session.close.
func (r *Router) handleDisconnect(s *Session) {
	r.hub.UntrackConn(s)
	r.metrics.ConnectionsOpen.Dec()

	s.mu.Lock()
	id, identified := s.id, s.identified
	s.mu.Unlock()
	if !identified {
		// A challenge may be outstanding; nothing was bound yet.
		return
	}
	r.hub.UnbindAgent(id, s)
	r.metrics.IdentifiedAgents.Dec()

	wire := protocol.WireID(id)
	for name, peers := range r.hub.RemoveFromAll(s) {
		frame := protocol.NewFrame(protocol.TypeAgentLeft).
			With("channel", name).
			With("agent", wire).
			With("reason", "disconnect")
		for _, p := range peers {
			p.Send(frame)
		}
	}

	// Floor claims die with their holder.
	for _, cl := range r.floor.ReleaseHolder(id) {
		r.broadcastToChannel(cl.Channel, protocol.NewFrame(protocol.TypeYield).
			With("channel", cl.Channel).
			With("msg_id", cl.MsgID).
			With("agent", wire).
			With("reason", "disconnect"), nil)
	}

	r.mods.AgentDisconnected(id)
	slog.Info("agent disconnected", "agent", wire, "connected_for", time.Since(s.connectedAt).Round(time.Second))
}

// broadcastToChannel sends a frame to every member of a channel, optionally
// excluding one session. The raw form also lands in the replay ring.
func (r *Router) broadcastToChannel(name string, frame protocol.Frame, exclude *Session) {
	members, ok := r.hub.ChannelMembers(name)
	if !ok {
		return
	}
	for _, m := range members {
		if m == exclude {
			continue
		}
		m.Send(frame)
	}
}
