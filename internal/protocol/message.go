// Package protocol defines the AgentChat wire taxonomy: the closed set of
// client frame types, the validation rules for inbound frames, the error
// code vocabulary, and constructors for outbound frames. The package is
// pure and holds no session state.
package protocol

import "time"

// Client frame types. The router dispatches on this closed set; anything
// else is rejected with ErrInvalidMsg.
const (
	TypeIdentify        = "IDENTIFY"
	TypeVerifyIdentity  = "VERIFY_IDENTITY"
	TypeJoin            = "JOIN"
	TypeLeave           = "LEAVE"
	TypeCreateChannel   = "CREATE_CHANNEL"
	TypeInvite          = "INVITE"
	TypeListAgents      = "LIST_AGENTS"
	TypeListChannels    = "LIST_CHANNELS"
	TypeMsg             = "MSG"
	TypeTyping          = "TYPING"
	TypeProposal        = "PROPOSAL"
	TypeAccept          = "ACCEPT"
	TypeReject          = "REJECT"
	TypeComplete        = "COMPLETE"
	TypeDispute         = "DISPUTE"
	TypeRegisterSkills  = "REGISTER_SKILLS"
	TypeSearchSkills    = "SEARCH_SKILLS"
	TypeSetPresence     = "SET_PRESENCE"
	TypeSetNick         = "SET_NICK"
	TypeVerifyRequest   = "VERIFY_REQUEST"
	TypeVerifyResponse  = "VERIFY_RESPONSE"
	TypeRespondingTo    = "RESPONDING_TO"
	TypeDisputeIntent   = "DISPUTE_INTENT"
	TypeDisputeReveal   = "DISPUTE_REVEAL"
	TypeDisputeEvidence = "DISPUTE_EVIDENCE"
	TypeDisputeVerdict  = "DISPUTE_VERDICT"
	TypePong            = "PONG"
)

// Server frame types.
const (
	TypeWelcome          = "WELCOME"
	TypeChallenge        = "CHALLENGE"
	TypeError            = "ERROR"
	TypeJoined           = "JOINED"
	TypeLeft             = "LEFT"
	TypeAgentJoined      = "AGENT_JOINED"
	TypeAgentLeft        = "AGENT_LEFT"
	TypeChannelCreated   = "CHANNEL_CREATED"
	TypeInvited          = "INVITED"
	TypeAgentList        = "AGENT_LIST"
	TypeChannelList      = "CHANNEL_LIST"
	TypePing             = "PING"
	TypeProposalCreated  = "PROPOSAL_CREATED"
	TypeProposalUpdated  = "PROPOSAL_UPDATED"
	TypeSkillsRegistered = "SKILLS_REGISTERED"
	TypeSkillsResult     = "SKILLS_RESULT"
	TypePresenceChanged  = "PRESENCE_CHANGED"
	TypeNickChanged      = "NICK_CHANGED"
	TypeVerifyForward    = "VERIFY_FORWARD"
	TypeVerifyPending    = "VERIFY_PENDING"
	TypeVerifySuccess    = "VERIFY_SUCCESS"
	TypeVerifyFailed     = "VERIFY_FAILED"
	TypeFloorGranted     = "FLOOR_GRANTED"
	TypeFloorDenied      = "FLOOR_DENIED"
	TypeYield            = "YIELD"
	TypeSessionDisplaced = "SESSION_DISPLACED"
	TypeRateLimited      = "RATE_LIMITED"
	TypeDisputeFiled     = "DISPUTE_FILED"
	TypeDisputeUpdate    = "DISPUTE_UPDATE"
)

// Presence states an agent may report.
const (
	PresenceOnline    = "online"
	PresenceAway      = "away"
	PresenceBusy      = "busy"
	PresenceOffline   = "offline"
	PresenceListening = "listening"
)

// Wire limits.
const (
	MaxNameLen       = 32
	MaxNickLen       = 24
	MaxChannelBody   = 31
	MaxContentLen    = 4096
	MaxStatusTextLen = 100
	MinNonceLen      = 16
	MaxNonceLen      = 128
	DefaultMaxFrame  = 256 * 1024
)

// Skill is one advertised capability in a REGISTER_SKILLS frame.
type Skill struct {
	Capability  string  `json:"capability"`
	Description string  `json:"description,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// SkillQuery is the filter carried by SEARCH_SKILLS.
type SkillQuery struct {
	Capability string  `json:"capability,omitempty"`
	MaxRate    float64 `json:"max_rate,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Limit      int     `json:"limit,omitempty"`
}

// Message is the decoded form of a client frame. One struct covers the whole
// taxonomy; Validate guarantees the fields required by the frame's type are
// present and well-formed before the router sees it.
type Message struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`

	// IDENTIFY
	Name   string `json:"name,omitempty"`
	Pubkey string `json:"pubkey,omitempty"`

	// Channel operations
	Channel    string `json:"channel,omitempty"`
	Agent      string `json:"agent,omitempty"`
	InviteOnly bool   `json:"invite_only,omitempty"`

	// Messaging
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
	Sig     string `json:"sig,omitempty"`

	// Proposals
	Task        string   `json:"task,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	PaymentCode string   `json:"payment_code,omitempty"`
	Terms       string   `json:"terms,omitempty"`
	Expires     *float64 `json:"expires,omitempty"` // TTL seconds
	ELOStake    *int     `json:"elo_stake,omitempty"`
	ProposalID  string   `json:"proposal_id,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Proof       string   `json:"proof,omitempty"`

	// Skills
	Skills []Skill     `json:"skills,omitempty"`
	Query  *SkillQuery `json:"query,omitempty"`

	// Presence
	Status     string `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
	Nick       string `json:"nick,omitempty"`

	// Peer verification and auth handshake
	Target      string `json:"target,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// Floor control
	MsgID     string `json:"msg_id,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`

	// Agentcourt
	Commitment string `json:"commitment,omitempty"`
	Verdict    string `json:"verdict,omitempty"`
	Statement  string `json:"statement,omitempty"`
	Items      []string `json:"items,omitempty"`

	// Admin
	AdminKey string `json:"admin_key,omitempty"`
}

// Frame is an outbound server frame: an open JSON object with a mandatory
// type and millisecond timestamp.
type Frame map[string]interface{}

// NewFrame builds an outbound frame of the given type, stamped now.
func NewFrame(frameType string) Frame {
	return Frame{
		"type": frameType,
		"ts":   time.Now().UnixMilli(),
	}
}

// With sets a field and returns the frame for chaining.
func (f Frame) With(key string, value interface{}) Frame {
	f[key] = value
	return f
}

// ErrorFrame builds the standard structured ERROR frame.
func ErrorFrame(code, reason string) Frame {
	return NewFrame(TypeError).With("code", code).With("reason", reason)
}
