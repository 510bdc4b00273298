package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	nickRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,24}$`)
	channelRe = regexp.MustCompile(`^#[A-Za-z0-9_-]{1,31}$`)
)

var presenceStates = map[string]bool{
	PresenceOnline:    true,
	PresenceAway:      true,
	PresenceBusy:      true,
	PresenceOffline:   true,
	PresenceListening: true,
}

// ValidName reports whether s is a legal display name.
func ValidName(s string) bool { return nameRe.MatchString(s) }

// ValidNick reports whether s is a legal nickname.
func ValidNick(s string) bool { return nickRe.MatchString(s) }

// ValidChannel reports whether s is a legal channel name (leading '#').
func ValidChannel(s string) bool { return channelRe.MatchString(s) }

// ValidAgentRef reports whether s is a wire agent reference ("@<id>").
func ValidAgentRef(s string) bool {
	return strings.HasPrefix(s, "@") && len(s) > 1
}

// BareID strips the wire "@" prefix. Internal maps key on bare ids; the wire
// always carries the prefixed form.
func BareID(ref string) string {
	return strings.TrimPrefix(ref, "@")
}

// WireID adds the "@" prefix to a bare agent id.
func WireID(id string) string {
	if strings.HasPrefix(id, "@") {
		return id
	}
	return "@" + id
}

// AuthSigningContent is the canonical byte string a client signs to answer
// an auth challenge.
func AuthSigningContent(nonce, challengeID string, clientTS int64) []byte {
	return []byte(fmt.Sprintf("AGENTCHAT_AUTH|%s|%s|%d", nonce, challengeID, clientTS))
}

// Validate decodes and validates one inbound frame. On failure it returns a
// WireError whose code is INVALID_MSG unless a more specific code applies.
// maxSize of 0 means DefaultMaxFrame.
func Validate(raw []byte, maxSize int) (*Message, *WireError) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrame
	}
	if len(raw) > maxSize {
		return nil, Invalid("frame exceeds %d bytes", maxSize)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, Invalid("malformed JSON: %v", err)
	}
	if msg.Type == "" {
		return nil, Invalid("missing type")
	}

	if err := validateFields(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validateFields(msg *Message) *WireError {
	switch msg.Type {
	case TypeIdentify:
		if !ValidName(msg.Name) {
			return NewWireError(CodeInvalidName, "name must be 1-32 chars of [A-Za-z0-9_-]")
		}

	case TypeVerifyIdentity:
		if msg.ChallengeID == "" || msg.Signature == "" || msg.Timestamp == 0 {
			return Invalid("VERIFY_IDENTITY requires challenge_id, signature, timestamp")
		}

	case TypeJoin, TypeLeave, TypeListAgents, TypeCreateChannel, TypeTyping:
		if !ValidChannel(msg.Channel) {
			return Invalid("channel must match #[A-Za-z0-9_-]{1,31}")
		}

	case TypeListChannels:
		// No required fields.

	case TypeInvite:
		if !ValidChannel(msg.Channel) {
			return Invalid("channel must match #[A-Za-z0-9_-]{1,31}")
		}
		if !ValidAgentRef(msg.Agent) {
			return Invalid("agent must start with @")
		}

	case TypeMsg:
		if !strings.HasPrefix(msg.To, "#") && !ValidAgentRef(msg.To) {
			return Invalid("to must start with # or @")
		}
		if msg.Content == "" {
			return Invalid("content is required")
		}
		if len(msg.Content) > MaxContentLen {
			return Invalid("content exceeds %d chars", MaxContentLen)
		}

	case TypeProposal:
		if !ValidAgentRef(msg.To) {
			return Invalid("to must start with @")
		}
		if strings.TrimSpace(msg.Task) == "" {
			return Invalid("task is required")
		}
		if msg.Sig == "" {
			return NewWireError(CodeSignatureRequired, "proposals must be signed")
		}
		if msg.ELOStake != nil && *msg.ELOStake < 0 {
			return NewWireError(CodeInvalidStake, "elo_stake must be a non-negative integer")
		}
		if msg.Expires != nil && *msg.Expires <= 0 {
			return Invalid("expires must be a positive number of seconds")
		}

	case TypeAccept, TypeReject, TypeComplete:
		if msg.ProposalID == "" || msg.Sig == "" {
			return Invalid("%s requires proposal_id and sig", msg.Type)
		}
		if msg.Type == TypeAccept && msg.ELOStake != nil && *msg.ELOStake < 0 {
			return NewWireError(CodeInvalidStake, "elo_stake must be a non-negative integer")
		}

	case TypeDispute:
		if msg.ProposalID == "" || msg.Sig == "" || msg.Reason == "" {
			return Invalid("DISPUTE requires proposal_id, sig, reason")
		}

	case TypeRegisterSkills:
		if len(msg.Skills) == 0 {
			return Invalid("skills must be a non-empty array")
		}
		if msg.Sig == "" {
			return NewWireError(CodeSignatureRequired, "skill registration must be signed")
		}
		for i, sk := range msg.Skills {
			if strings.TrimSpace(sk.Capability) == "" {
				return Invalid("skills[%d] missing capability", i)
			}
		}

	case TypeSearchSkills:
		if msg.Query == nil {
			return Invalid("query is required")
		}

	case TypeSetPresence:
		if !presenceStates[msg.Status] {
			return Invalid("status must be one of online|away|busy|offline|listening")
		}
		if len(msg.StatusText) > MaxStatusTextLen {
			return Invalid("status_text exceeds %d chars", MaxStatusTextLen)
		}

	case TypeSetNick:
		if !ValidNick(msg.Nick) {
			return NewWireError(CodeInvalidName, "nick must be 1-24 chars of [A-Za-z0-9_-]")
		}

	case TypeVerifyRequest:
		if !ValidAgentRef(msg.Target) {
			return Invalid("target must start with @")
		}
		if len(msg.Nonce) < MinNonceLen || len(msg.Nonce) > MaxNonceLen {
			return Invalid("nonce must be %d-%d chars", MinNonceLen, MaxNonceLen)
		}

	case TypeVerifyResponse:
		if msg.RequestID == "" || msg.Nonce == "" || msg.Sig == "" {
			return Invalid("VERIFY_RESPONSE requires request_id, nonce, sig")
		}

	case TypeRespondingTo:
		if !ValidChannel(msg.Channel) {
			return Invalid("channel must match #[A-Za-z0-9_-]{1,31}")
		}
		if msg.MsgID == "" {
			return Invalid("msg_id is required")
		}

	case TypeDisputeIntent:
		if msg.ProposalID == "" || msg.Commitment == "" || msg.Reason == "" || msg.Sig == "" {
			return Invalid("DISPUTE_INTENT requires proposal_id, commitment, reason, sig")
		}

	case TypeDisputeReveal:
		if msg.ProposalID == "" || msg.Nonce == "" {
			return Invalid("DISPUTE_REVEAL requires proposal_id and nonce")
		}

	case TypeDisputeEvidence:
		if msg.ProposalID == "" {
			return Invalid("DISPUTE_EVIDENCE requires proposal_id")
		}

	case TypeDisputeVerdict:
		if msg.ProposalID == "" || msg.Verdict == "" {
			return Invalid("DISPUTE_VERDICT requires proposal_id and verdict")
		}

	case TypePong:
		// Heartbeat ack, no payload.

	default:
		return Invalid("unknown message type %q", msg.Type)
	}
	return nil
}
