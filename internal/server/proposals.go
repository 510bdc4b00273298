package server

import (
	"errors"
	"log/slog"

	"github.com/agentchat/backend/internal/identity"
	"github.com/agentchat/backend/internal/proposal"
	"github.com/agentchat/backend/internal/protocol"
	"github.com/agentchat/backend/internal/reputation"
)

// requireKeyed rejects signed-surface operations from ephemeral sessions:
// every proposal transition and registration carries a signature, which an
// agent without a key cannot produce.
func (r *Router) requireKeyed(s *Session) bool {
	pub, _ := s.Pubkey()
	if pub == nil {
		s.Send(protocol.ErrorFrame(protocol.CodeSignatureRequired, "operation requires a signing key"))
		return false
	}
	return true
}

func proposalErrorCode(err error) string {
	switch {
	case errors.Is(err, proposal.ErrNotFound):
		return protocol.CodeProposalNotFound
	case errors.Is(err, proposal.ErrExpired):
		return protocol.CodeProposalExpired
	case errors.Is(err, proposal.ErrNotParty):
		return protocol.CodeNotProposalParty
	default:
		return protocol.CodeInvalidProposal
	}
}

// notifyParties sends a frame to both proposal parties if online.
func (r *Router) notifyParties(p proposal.Proposal, frame protocol.Frame) {
	for _, id := range []string{p.From, p.To} {
		if s, online := r.hub.Agent(id); online {
			s.Send(frame)
		}
	}
}

func proposalPayload(p proposal.Proposal) map[string]interface{} {
	out := map[string]interface{}{
		"id":     p.ID,
		"from":   protocol.WireID(p.From),
		"to":     protocol.WireID(p.To),
		"task":   p.Task,
		"status": p.Status,
	}
	if p.Amount > 0 {
		out["amount"] = p.Amount
		out["currency"] = p.Currency
	}
	if p.ProposerStake > 0 {
		out["proposer_stake"] = p.ProposerStake
	}
	if p.AcceptorStake > 0 {
		out["acceptor_stake"] = p.AcceptorStake
	}
	if !p.Expires.IsZero() {
		out["expires_at"] = p.Expires.UnixMilli()
	}
	return out
}

// handleProposal creates a signed proposal addressed to another agent.
func (r *Router) handleProposal(s *Session, msg *protocol.Message) {
	if !r.requireKeyed(s) {
		return
	}
	id := s.ID()
	target := protocol.BareID(msg.To)

	pub, _ := s.Pubkey()
	content := proposal.ProposerContent(msg.To, msg.Task, msg.Amount, msg.Currency,
		msg.PaymentCode, msg.Expires, msg.ELOStake)
	if !identity.Verify(pub, content, msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "proposal signature does not verify"))
		return
	}

	stake := 0
	if msg.ELOStake != nil {
		stake = *msg.ELOStake
	}
	if stake > 0 && r.reps.Available(id) < stake {
		s.Send(protocol.ErrorFrame(protocol.CodeInsufficientRep, "stake exceeds available rating"))
		return
	}

	p := &proposal.Proposal{
		ID:            proposal.NewID(),
		From:          id,
		To:            target,
		Task:          msg.Task,
		Currency:      msg.Currency,
		PaymentCode:   msg.PaymentCode,
		Terms:         msg.Terms,
		Sig:           msg.Sig,
		ProposerStake: stake,
	}
	if msg.Amount != nil {
		p.Amount = *msg.Amount
	}
	if msg.Expires != nil {
		p.TTLSeconds = *msg.Expires
	}
	r.props.Create(p)

	frame := protocol.NewFrame(protocol.TypeProposalCreated).
		With("proposal", proposalPayload(*p)).
		With("sig", p.Sig)
	r.notifyParties(*p, frame)
	slog.Info("proposal created", "id", p.ID, "from", protocol.WireID(p.From),
		"to", protocol.WireID(p.To), "amount", p.Amount, "stake", stake)
}

// handleAccept transitions pending to accepted and locks both stakes in
// escrow. Escrow is checked before the transition so a failed hold leaves
// the proposal pending.
func (r *Router) handleAccept(s *Session, msg *protocol.Message) {
	if !r.requireKeyed(s) {
		return
	}
	id := s.ID()

	p, err := r.props.Get(msg.ProposalID)
	if err != nil {
		s.Send(protocol.ErrorFrame(proposalErrorCode(err), err.Error()))
		return
	}

	pub, _ := s.Pubkey()
	if !identity.Verify(pub, proposal.AcceptContent(msg.ProposalID, msg.PaymentCode, msg.ELOStake), msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "accept signature does not verify"))
		return
	}

	stake := 0
	if msg.ELOStake != nil {
		stake = *msg.ELOStake
	}
	if err := r.reps.HoldEscrow(p.ID, p.From, p.ProposerStake, p.To, stake); err != nil {
		if errors.Is(err, reputation.ErrInsufficientReputation) {
			s.Send(protocol.ErrorFrame(protocol.CodeInsufficientRep, "a party lacks available rating for the stake"))
			return
		}
		s.Send(protocol.ErrorFrame(protocol.CodeInvalidProposal, err.Error()))
		return
	}

	updated, err := r.props.Accept(msg.ProposalID, id, msg.Sig, stake)
	if err != nil {
		r.reps.ReleaseEscrow(p.ID, reputation.SettleExpired)
		s.Send(protocol.ErrorFrame(proposalErrorCode(err), err.Error()))
		return
	}

	r.notifyParties(updated, protocol.NewFrame(protocol.TypeProposalUpdated).
		With("proposal", proposalPayload(updated)))
	slog.Info("proposal accepted", "id", updated.ID, "by", protocol.WireID(id), "stake", stake)
}

func (r *Router) handleReject(s *Session, msg *protocol.Message) {
	if !r.requireKeyed(s) {
		return
	}
	pub, _ := s.Pubkey()
	if !identity.Verify(pub, proposal.RejectContent(msg.ProposalID, msg.Reason), msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "reject signature does not verify"))
		return
	}

	updated, err := r.props.Reject(msg.ProposalID, s.ID(), msg.Sig)
	if err != nil {
		s.Send(protocol.ErrorFrame(proposalErrorCode(err), err.Error()))
		return
	}
	r.notifyParties(updated, protocol.NewFrame(protocol.TypeProposalUpdated).
		With("proposal", proposalPayload(updated)).
		With("reason", msg.Reason))
}

// handleComplete finishes an accepted proposal cooperatively: both parties
// gain rating and any escrow is released.
func (r *Router) handleComplete(s *Session, msg *protocol.Message) {
	if !r.requireKeyed(s) {
		return
	}
	pub, _ := s.Pubkey()
	if !identity.Verify(pub, proposal.CompleteContent(msg.ProposalID, msg.Proof), msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "complete signature does not verify"))
		return
	}

	updated, err := r.props.Complete(msg.ProposalID, s.ID(), msg.Sig, msg.Proof)
	if err != nil {
		s.Send(protocol.ErrorFrame(proposalErrorCode(err), err.Error()))
		return
	}

	gainFrom, gainTo, serr := r.reps.SettleCompletion(updated.ID, updated.From, updated.To)
	if serr != nil {
		slog.Error("completion settlement persist failed", "proposal", updated.ID, "error", serr)
	}
	r.metrics.ProposalsSettled.WithLabelValues("completed").Inc()

	r.notifyParties(updated, protocol.NewFrame(protocol.TypeProposalUpdated).
		With("proposal", proposalPayload(updated)).
		With("ratings", map[string]interface{}{
			protocol.WireID(updated.From): map[string]int{"gain": gainFrom, "rating": r.reps.Get(updated.From).Rating},
			protocol.WireID(updated.To):   map[string]int{"gain": gainTo, "rating": r.reps.Get(updated.To).Rating},
		}))
	slog.Info("proposal completed", "id", updated.ID,
		"gain_from", gainFrom, "gain_to", gainTo)
}

// handleDispute settles a dispute raised directly by one party: the
// counterparty is at fault, losing rating and stake to the disputer. The
// agentcourt surface (DISPUTE_INTENT and its successors) instead puts fault
// before a panel, and mutual settlement is reserved for panel verdicts and
// fallbacks where no disputer prevails.
func (r *Router) handleDispute(s *Session, msg *protocol.Message) {
	if !r.requireKeyed(s) {
		return
	}
	pub, _ := s.Pubkey()
	if !identity.Verify(pub, proposal.DisputeContent(msg.ProposalID, msg.Reason), msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "dispute signature does not verify"))
		return
	}

	updated, err := r.props.Dispute(msg.ProposalID, s.ID(), msg.Sig, msg.Reason)
	if err != nil {
		s.Send(protocol.ErrorFrame(proposalErrorCode(err), err.Error()))
		return
	}

	disputer := s.ID()
	atFault := updated.From
	if disputer == updated.From {
		atFault = updated.To
	}
	loss, gain, serr := r.reps.SettleDispute(updated.ID, disputer, atFault, updated.Amount)
	if serr != nil {
		slog.Error("dispute settlement persist failed", "proposal", updated.ID, "error", serr)
	}
	r.metrics.ProposalsSettled.WithLabelValues("disputed").Inc()

	r.notifyParties(updated, protocol.NewFrame(protocol.TypeProposalUpdated).
		With("proposal", proposalPayload(updated)).
		With("reason", msg.Reason).
		With("outcome", "fault").
		With("at_fault", protocol.WireID(atFault)).
		With("ratings", map[string]interface{}{
			protocol.WireID(disputer): map[string]int{"gain": gain, "rating": r.reps.Get(disputer).Rating},
			protocol.WireID(atFault):  map[string]int{"loss": loss, "rating": r.reps.Get(atFault).Rating},
		}))
	slog.Info("proposal disputed", "id", updated.ID,
		"by", protocol.WireID(disputer), "at_fault", protocol.WireID(atFault))
}
