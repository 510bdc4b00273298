package server

import (
	"crypto/subtle"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/backend/internal/config"
	"github.com/agentchat/backend/internal/identity"
	"github.com/agentchat/backend/internal/protocol"
)

// accessIndex is a compiled allowlist or banlist: lookups by pubkey PEM and
// by agent id.
type accessIndex struct {
	pubkeys map[string]bool
	ids     map[string]bool
}

func newAccessIndex(entries []config.AccessEntry) *accessIndex {
	idx := &accessIndex{
		pubkeys: make(map[string]bool),
		ids:     make(map[string]bool),
	}
	for _, e := range entries {
		if e.Pubkey != "" {
			idx.pubkeys[e.Pubkey] = true
		}
		if e.AgentID != "" {
			idx.ids[protocol.BareID(e.AgentID)] = true
		}
	}
	return idx
}

func (idx *accessIndex) contains(pubkeyPEM, agentID string) bool {
	if idx == nil {
		return false
	}
	if pubkeyPEM != "" && idx.pubkeys[pubkeyPEM] {
		return true
	}
	return agentID != "" && idx.ids[agentID]
}

// handleIdentify starts the handshake. A keyed identify receives a CHALLENGE
// and must answer with VERIFY_IDENTITY; a keyless one gets an ephemeral id
// immediately.
func (r *Router) handleIdentify(s *Session, msg *protocol.Message) {
	if s.Identified() {
		s.Send(protocol.ErrorFrame(protocol.CodeInvalidMsg, "already identified"))
		return
	}

	admin := r.isAdminKey(msg.AdminKey)

	if msg.Pubkey == "" {
		if r.allow != nil && r.cfg.Allowlist.Strict && !admin {
			s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "server requires a registered key"))
			s.Close()
			return
		}
		id, err := identity.RandomAgentID()
		if err != nil {
			s.Send(protocol.ErrorFrame(protocol.CodeInvalidMsg, "id generation failed"))
			return
		}
		if r.bans.contains("", id) {
			s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "access denied"))
			s.Close()
			return
		}
		s.mu.Lock()
		s.id = id
		s.name = msg.Name
		s.admin = admin
		s.mu.Unlock()
		r.finishIdentify(s)
		return
	}

	pub, err := identity.ParsePublicKeyPEM(msg.Pubkey)
	if err != nil {
		s.Send(protocol.ErrorFrame(protocol.CodeInvalidMsg, "pubkey must be a PEM-encoded Ed25519 public key"))
		return
	}
	agentID := identity.AgentID(msg.Pubkey)

	if r.bans.contains(msg.Pubkey, agentID) {
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "access denied"))
		s.Close()
		return
	}
	if r.allow != nil && r.cfg.Allowlist.Strict && !admin && !r.allow.contains(msg.Pubkey, agentID) {
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "key is not on the allowlist"))
		s.Close()
		return
	}

	// 16 random bytes hex-encode to the 32-char nonce the wire expects.
	nonce, err := identity.GenerateNonce(16)
	if err != nil {
		s.Send(protocol.ErrorFrame(protocol.CodeInvalidMsg, "challenge generation failed"))
		return
	}
	challenge := &authChallenge{
		ID:      uuid.NewString(),
		Nonce:   nonce,
		Expires: time.Now().Add(time.Duration(r.cfg.Timeouts.ChallengeTimeoutMs) * time.Millisecond),
	}

	s.mu.Lock()
	s.id = agentID
	s.name = msg.Name
	s.pubkeyPEM = msg.Pubkey
	s.pubkey = pub
	s.admin = admin
	s.challenge = challenge
	s.mu.Unlock()

	s.Send(protocol.NewFrame(protocol.TypeChallenge).
		With("challenge_id", challenge.ID).
		With("nonce", challenge.Nonce).
		With("expires_at", challenge.Expires.UnixMilli()))
}

// handleVerifyIdentity completes the challenge: the client signs
// AGENTCHAT_AUTH|nonce|challenge_id|ts with the key it presented.
func (r *Router) handleVerifyIdentity(s *Session, msg *protocol.Message) {
	s.mu.Lock()
	challenge := s.challenge
	pub := s.pubkey
	s.mu.Unlock()

	if s.Identified() || challenge == nil {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "no challenge outstanding"))
		return
	}
	if msg.ChallengeID != challenge.ID {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "unknown challenge_id"))
		return
	}
	if time.Now().After(challenge.Expires) {
		s.mu.Lock()
		s.challenge = nil
		s.mu.Unlock()
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationExpired, "challenge expired, identify again"))
		return
	}

	content := protocol.AuthSigningContent(challenge.Nonce, challenge.ID, msg.Timestamp)
	if !identity.Verify(pub, content, msg.Signature) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "signature does not verify"))
		return
	}

	s.mu.Lock()
	s.challenge = nil
	s.mu.Unlock()
	r.finishIdentify(s)
}

// finishIdentify binds the agent id, displaces any prior session holding it,
// and sends WELCOME.
func (r *Router) finishIdentify(s *Session) {
	s.mu.Lock()
	s.identified = true
	id := s.id
	name := s.name
	keyed := s.pubkeyPEM != ""
	s.mu.Unlock()

	if displaced := r.hub.BindAgent(id, s); displaced != nil {
		displaced.Send(protocol.NewFrame(protocol.TypeSessionDisplaced).
			With("reason", "another session identified with this key"))
		displaced.Close()
	}
	r.metrics.IdentifiedAgents.Inc()

	rating := r.reps.Get(id)
	welcome := protocol.NewFrame(protocol.TypeWelcome).
		With("agent_id", protocol.WireID(id)).
		With("name", name).
		With("server", r.cfg.Server.Name).
		With("keyed", keyed).
		With("rating", rating.Rating).
		With("channels", DefaultChannels).
		With("heartbeat_interval_ms", r.cfg.Timeouts.HeartbeatIntervalMs)
	if r.motd != "" {
		welcome.With("motd", r.motd)
	}
	s.Send(welcome)
	slog.Info("agent identified", "agent", protocol.WireID(id), "name", name, "keyed", keyed)
}

// isAdminKey compares the presented key against the configured admin key in
// constant time.
func (r *Router) isAdminKey(key string) bool {
	configured := r.cfg.Allowlist.AdminKey
	if configured == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(key)) == 1
}
