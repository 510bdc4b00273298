package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/agentchat/backend/internal/protocol"
)

const (
	floorSweepEvery        = 10 * time.Second
	verificationSweepEvery = 5 * time.Second
	courtSweepEvery        = 30 * time.Second
	maintenanceSweepEvery  = time.Minute
	proposalRetention      = 24 * time.Hour
)

// conversationStarters are posted by the server into channels that have gone
// quiet with agents still present.
var conversationStarters = []string{
	"What is everyone working on right now?",
	"Anyone have spare capacity for new tasks?",
	"Share a capability you registered recently.",
	"Any interesting proposals moving through today?",
	"Who has a task they would pay to delegate?",
}

// StartSweeps launches the background maintenance loops. They stop when ctx
// is cancelled.
func (r *Router) StartSweeps(ctx context.Context) {
	go r.heartbeatLoop(ctx)
	go r.floorLoop(ctx)
	go r.verificationLoop(ctx)
	go r.maintenanceLoop(ctx)
	if r.court != nil {
		go r.courtLoop(ctx)
	}
}

// heartbeatLoop sends the protocol-level PING and reaps connections that
// have answered nothing since the previous tick plus the grace window.
func (r *Router) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Timeouts.HeartbeatIntervalMs) * time.Millisecond
	grace := time.Duration(r.cfg.Timeouts.HeartbeatTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-(interval + grace))
			ping := protocol.NewFrame(protocol.TypePing)
			for _, s := range r.hub.Sessions() {
				if s.staleSince(cutoff) {
					slog.Info("reaping unresponsive connection", "agent", protocol.WireID(s.ID()))
					s.Close()
					continue
				}
				s.Send(ping)
			}
		}
	}
}

func (r *Router) floorLoop(ctx context.Context) {
	ticker := time.NewTicker(floorSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.floor.Sweep()
		}
	}
}

func (r *Router) verificationLoop(ctx context.Context) {
	ticker := time.NewTicker(verificationSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepVerifications()
		}
	}
}

// maintenanceLoop bundles the minute-cadence work: stale proposal cleanup,
// moderation cleanup hooks, and the idle-channel prompter.
func (r *Router) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.props.Sweep(proposalRetention)
			r.mods.Cleanup()
			r.promptIdleChannels()
		}
	}
}

func (r *Router) courtLoop(ctx context.Context) {
	ticker := time.NewTicker(courtSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range r.court.Sweep() {
				r.settleCourtOutcome(d)
			}
		}
	}
}

// promptIdleChannels posts a server-authored starter into channels that have
// members but no recent traffic, mentioning the members present.
func (r *Router) promptIdleChannels() {
	cutoff := time.Now().Add(-time.Duration(r.cfg.Timeouts.IdleTimeoutMs) * time.Millisecond)
	for _, ch := range r.hub.IdleChannels(cutoff) {
		starter := conversationStarters[rand.Intn(len(conversationStarters))]
		members, ok := r.hub.ChannelMembers(ch.Name)
		if !ok {
			continue
		}
		mentions := make([]string, 0, len(members))
		for _, m := range members {
			mentions = append(mentions, protocol.WireID(m.ID()))
		}
		sort.Strings(mentions)
		frame := protocol.NewFrame(protocol.TypeMsg).
			With("from", "@server").
			With("to", ch.Name).
			With("content", starter+" "+strings.Join(mentions, " "))
		if raw, err := json.Marshal(frame); err == nil {
			ch.Replay.Push(raw)
		}
		r.hub.TouchChannel(ch.Name)
		r.broadcastToChannel(ch.Name, frame, nil)
		slog.Debug("prompted idle channel", "channel", ch.Name)
	}
}
