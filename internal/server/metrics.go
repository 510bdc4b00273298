package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the relay's Prometheus instrumentation.
type Metrics struct {
	ConnectionsOpen   prometheus.Gauge
	IdentifiedAgents  prometheus.Gauge
	FramesIn          *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	MessagesRelayed   *prometheus.CounterVec
	ProposalsSettled  *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	ModerationActions *prometheus.CounterVec
	FloorClaims       *prometheus.CounterVec
	DisputesResolved  *prometheus.CounterVec
}

// NewMetrics registers the relay metrics on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	promauto := promauto.With(reg)
	return &Metrics{
		ConnectionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentchat_connections_open",
			Help: "Open WebSocket connections, pre-auth included.",
		}),
		IdentifiedAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agentchat_identified_agents",
			Help: "Connections that completed IDENTIFY.",
		}),
		FramesIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_frames_in_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		FramesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_frames_rejected_total",
			Help: "Frames rejected before dispatch, by error code.",
		}, []string{"code"}),
		DroppedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agentchat_frames_dropped_total",
			Help: "Outbound frames dropped due to a full send buffer.",
		}),
		MessagesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_messages_relayed_total",
			Help: "Relayed MSG frames by kind (channel or direct).",
		}, []string{"kind"}),
		ProposalsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_proposals_settled_total",
			Help: "Proposal settlements by outcome.",
		}, []string{"outcome"}),
		RateLimitHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_rate_limit_hits_total",
			Help: "Rate limiter rejections by stage.",
		}, []string{"stage"}),
		ModerationActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_moderation_actions_total",
			Help: "Moderation pipeline outcomes by action.",
		}, []string{"action"}),
		FloorClaims: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_floor_claims_total",
			Help: "Floor claims by result.",
		}, []string{"result"}),
		DisputesResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agentchat_disputes_resolved_total",
			Help: "Agentcourt dispute resolutions by outcome.",
		}, []string{"outcome"}),
	}
}
