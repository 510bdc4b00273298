package server

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/backend/internal/moderation"
	"github.com/agentchat/backend/internal/protocol"
)

const timeoutMuteDuration = 5 * time.Minute

// handleMsg relays a message to a channel or a single agent. The moderation
// pipeline and the per-sender throttle both gate delivery.
func (r *Router) handleMsg(s *Session, msg *protocol.Message) {
	if s.muted() {
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "temporarily muted"))
		return
	}
	if !s.msgs.Allow() {
		r.metrics.RateLimitHits.WithLabelValues("msg").Inc()
		s.Send(protocol.NewFrame(protocol.TypeRateLimited).
			With("reason", "message rate exceeded").
			With("retry_after_ms", r.cfg.Limits.RateLimitMs))
		return
	}

	id := s.ID()
	toChannel := strings.HasPrefix(msg.To, "#")

	ev := moderation.Event{AgentID: id, Content: msg.Content, Admin: s.isAdmin()}
	if toChannel {
		ev.Channel = msg.To
	}
	if !r.applyModeration(s, ev) {
		return
	}

	frame := protocol.NewFrame(protocol.TypeMsg).
		With("from", protocol.WireID(id)).
		With("to", msg.To).
		With("content", msg.Content).
		With("msg_id", uuid.NewString())
	if msg.Sig != "" {
		frame.With("sig", msg.Sig)
	}

	if toChannel {
		name := msg.To
		if !r.hub.IsMember(name, id) {
			s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "join the channel first"))
			return
		}
		if raw, err := json.Marshal(frame); err == nil {
			if ch, ok := r.hub.Channel(name); ok {
				ch.Replay.Push(raw)
			}
		}
		r.hub.TouchChannel(name)
		// Fan-out includes the sender: the echoed frame carries the
		// server-assigned msg_id.
		r.broadcastToChannel(name, frame, nil)
		r.metrics.MessagesRelayed.WithLabelValues("channel").Inc()
		return
	}

	target, online := r.hub.Agent(protocol.BareID(msg.To))
	if !online {
		s.Send(protocol.ErrorFrame(protocol.CodeAgentNotFound, "agent is not connected"))
		return
	}
	target.Send(frame)
	s.Send(frame)
	r.metrics.MessagesRelayed.WithLabelValues("direct").Inc()
}

// applyModeration maps the pipeline decision onto the session. Returns
// whether delivery should proceed.
func (r *Router) applyModeration(s *Session, ev moderation.Event) bool {
	decision := r.mods.Check(ev)
	r.metrics.ModerationActions.WithLabelValues(decision.Action.String()).Inc()

	switch decision.Action {
	case moderation.Allow:
		return true
	case moderation.Warn:
		slog.Warn("moderation warning", "agent", protocol.WireID(ev.AgentID),
			"plugin", decision.Plugin, "reasons", decision.Reasons)
		return true
	case moderation.Throttle:
		s.msgs.Penalize(time.Duration(r.cfg.Limits.RateLimitMs) * time.Millisecond * 5)
		return true
	case moderation.Block:
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "message blocked"))
		return false
	case moderation.Timeout:
		s.muteFor(timeoutMuteDuration)
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "temporarily muted"))
		return false
	case moderation.Kick:
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "removed by moderation"))
		s.Close()
		return false
	}
	return true
}

// handleTyping forwards a typing indicator to channel peers. Not buffered
// for replay.
func (r *Router) handleTyping(s *Session, msg *protocol.Message) {
	name := msg.Channel
	if !r.hub.IsMember(name, s.ID()) {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "join the channel first"))
		return
	}
	r.broadcastToChannel(name, protocol.NewFrame(protocol.TypeTyping).
		With("channel", name).
		With("agent", protocol.WireID(s.ID())), s)
}

// handleRespondingTo arbitrates the response floor for (channel, msg_id).
func (r *Router) handleRespondingTo(s *Session, msg *protocol.Message) {
	id := s.ID()
	if !r.hub.IsMember(msg.Channel, id) {
		s.Send(protocol.ErrorFrame(protocol.CodeChannelNotFound, "join the channel first"))
		return
	}

	startedAt := msg.StartedAt
	if startedAt == 0 {
		startedAt = time.Now().UnixMilli()
	}

	granted, displaced := r.floor.Claim(msg.Channel, msg.MsgID, id, startedAt)
	if !granted {
		r.metrics.FloorClaims.WithLabelValues("denied").Inc()
		holder, _ := r.floor.Holder(msg.Channel, msg.MsgID)
		s.Send(protocol.NewFrame(protocol.TypeFloorDenied).
			With("channel", msg.Channel).
			With("msg_id", msg.MsgID).
			With("holder", protocol.WireID(holder)))
		return
	}
	r.metrics.FloorClaims.WithLabelValues("granted").Inc()

	if displaced != "" {
		if ds, online := r.hub.Agent(displaced); online {
			ds.Send(protocol.NewFrame(protocol.TypeYield).
				With("channel", msg.Channel).
				With("msg_id", msg.MsgID).
				With("to", protocol.WireID(id)))
		}
	}
	r.broadcastToChannel(msg.Channel, protocol.NewFrame(protocol.TypeFloorGranted).
		With("channel", msg.Channel).
		With("msg_id", msg.MsgID).
		With("holder", protocol.WireID(id)), nil)
}
