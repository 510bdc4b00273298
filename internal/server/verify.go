package server

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/backend/internal/identity"
	"github.com/agentchat/backend/internal/protocol"
)

// pendingVerification is one in-flight peer identity check. The target's
// pubkey is snapshotted at request time so a mid-flight rebind cannot swap
// the key being proven.
type pendingVerification struct {
	ID        string
	Requester string
	Target    string
	Pubkey    ed25519.PublicKey
	PubkeyPEM string
	Nonce     string
	Expires   time.Time
}

// handleVerifyRequest starts a peer verification: the requester's nonce is
// forwarded to the target, who must sign it with the key behind its id.
func (r *Router) handleVerifyRequest(s *Session, msg *protocol.Message) {
	target := protocol.BareID(msg.Target)
	ts, online := r.hub.Agent(target)
	if !online {
		s.Send(protocol.ErrorFrame(protocol.CodeAgentNotFound, "target is not connected"))
		return
	}
	tpub, tpem := ts.Pubkey()
	if tpub == nil {
		s.Send(protocol.ErrorFrame(protocol.CodeNoPubkey, "target has an ephemeral identity"))
		return
	}

	pv := &pendingVerification{
		ID:        uuid.NewString(),
		Requester: s.ID(),
		Target:    target,
		Pubkey:    tpub,
		PubkeyPEM: tpem,
		Nonce:     msg.Nonce,
		Expires:   time.Now().Add(time.Duration(r.cfg.Timeouts.VerificationTimeoutMs) * time.Millisecond),
	}
	r.vmu.Lock()
	r.verifications[pv.ID] = pv
	r.vmu.Unlock()

	ts.Send(protocol.NewFrame(protocol.TypeVerifyForward).
		With("request_id", pv.ID).
		With("from", protocol.WireID(pv.Requester)).
		With("nonce", pv.Nonce))
	s.Send(protocol.NewFrame(protocol.TypeVerifyPending).
		With("request_id", pv.ID).
		With("target", protocol.WireID(target)).
		With("expires_at", pv.Expires.UnixMilli()))
}

// handleVerifyResponse closes the loop: the target's signature over the
// nonce is checked against the pubkey snapshotted when the request was
// filed. Both requester and responder receive the outcome.
func (r *Router) handleVerifyResponse(s *Session, msg *protocol.Message) {
	r.vmu.Lock()
	pv, ok := r.verifications[msg.RequestID]
	if ok {
		delete(r.verifications, msg.RequestID)
	}
	r.vmu.Unlock()

	if !ok {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "unknown request_id"))
		return
	}
	if pv.Target != s.ID() {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "response from wrong agent"))
		return
	}

	requester, online := r.hub.Agent(pv.Requester)

	if time.Now().After(pv.Expires) {
		if online {
			requester.Send(protocol.NewFrame(protocol.TypeVerifyFailed).
				With("request_id", pv.ID).
				With("target", protocol.WireID(pv.Target)).
				With("code", protocol.CodeVerificationExpired))
		}
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationExpired, "verification window closed"))
		return
	}

	verified := pv.Nonce == msg.Nonce && identity.Verify(pv.Pubkey, []byte(pv.Nonce), msg.Sig)

	var outcome protocol.Frame
	if verified {
		outcome = protocol.NewFrame(protocol.TypeVerifySuccess).
			With("request_id", pv.ID).
			With("target", protocol.WireID(pv.Target)).
			With("pubkey", pv.PubkeyPEM).
			With("sig", msg.Sig)
	} else {
		outcome = protocol.NewFrame(protocol.TypeVerifyFailed).
			With("request_id", pv.ID).
			With("target", protocol.WireID(pv.Target)).
			With("code", protocol.CodeVerificationFailed).
			With("reason", "Signature verification failed")
	}
	if online {
		requester.Send(outcome)
	}
	s.Send(outcome)
}

// sweepVerifications fails out expired pending verifications.
func (r *Router) sweepVerifications() {
	now := time.Now()
	var expired []*pendingVerification

	r.vmu.Lock()
	for id, pv := range r.verifications {
		if now.After(pv.Expires) {
			expired = append(expired, pv)
			delete(r.verifications, id)
		}
	}
	r.vmu.Unlock()

	for _, pv := range expired {
		if requester, online := r.hub.Agent(pv.Requester); online {
			requester.Send(protocol.NewFrame(protocol.TypeVerifyFailed).
				With("request_id", pv.ID).
				With("target", protocol.WireID(pv.Target)).
				With("code", protocol.CodeVerificationExpired))
		}
	}
}
