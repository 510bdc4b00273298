package server

import (
	"errors"
	"log/slog"

	"github.com/agentchat/backend/internal/arbitration"
	"github.com/agentchat/backend/internal/identity"
	"github.com/agentchat/backend/internal/protocol"
)

func courtErrorCode(err error) string {
	switch {
	case errors.Is(err, arbitration.ErrNotFound):
		return protocol.CodeDisputeNotFound
	case errors.Is(err, arbitration.ErrAlreadyExists):
		return protocol.CodeDisputeAlreadyExists
	case errors.Is(err, arbitration.ErrInvalidPhase):
		return protocol.CodeDisputeInvalidPhase
	case errors.Is(err, arbitration.ErrCommitmentMismatch):
		return protocol.CodeDisputeCommitmentMismatch
	case errors.Is(err, arbitration.ErrNotParty):
		return protocol.CodeDisputeNotParty
	case errors.Is(err, arbitration.ErrNotArbiter):
		return protocol.CodeDisputeNotArbiter
	case errors.Is(err, arbitration.ErrDeadlinePassed):
		return protocol.CodeDisputeDeadlinePassed
	case errors.Is(err, arbitration.ErrInsufficientArbiters):
		return protocol.CodeInsufficientArbiters
	default:
		return protocol.CodeInvalidMsg
	}
}

func (r *Router) courtEnabled(s *Session) bool {
	if r.court == nil {
		s.Send(protocol.ErrorFrame(protocol.CodeNotAllowed, "agentcourt is not enabled on this server"))
		return false
	}
	return true
}

// handleDisputeIntent opens the commit-reveal dispute path: the proposal
// transitions to disputed immediately, settlement waits for the panel.
func (r *Router) handleDisputeIntent(s *Session, msg *protocol.Message) {
	if !r.courtEnabled(s) || !r.requireKeyed(s) {
		return
	}
	id := s.ID()

	pub, _ := s.Pubkey()
	if !identity.Verify(pub, arbitration.IntentContent(msg.ProposalID, msg.Commitment, msg.Reason), msg.Sig) {
		s.Send(protocol.ErrorFrame(protocol.CodeVerificationFailed, "intent signature does not verify"))
		return
	}

	p, err := r.props.Dispute(msg.ProposalID, id, msg.Sig, msg.Reason)
	if err != nil {
		s.Send(protocol.ErrorFrame(proposalErrorCode(err), err.Error()))
		return
	}
	respondent := p.From
	if id == p.From {
		respondent = p.To
	}

	d, err := r.court.FileIntent(p.ID, id, respondent, msg.Commitment, msg.Reason, msg.Sig)
	if err != nil {
		s.Send(protocol.ErrorFrame(courtErrorCode(err), err.Error()))
		return
	}

	r.notifyParties(p, protocol.NewFrame(protocol.TypeDisputeFiled).
		With("proposal_id", p.ID).
		With("dispute_id", d.ID).
		With("disputant", protocol.WireID(d.Disputant)).
		With("state", d.State).
		With("reveal_deadline", d.Deadline.UnixMilli()))
	slog.Info("dispute intent filed", "proposal", p.ID, "disputant", protocol.WireID(id))
}

// handleDisputeReveal checks the committed nonce and seats the panel from
// the currently identified agents. A thin arbiter pool drops the dispute to
// the fallback mutual settlement.
func (r *Router) handleDisputeReveal(s *Session, msg *protocol.Message) {
	if !r.courtEnabled(s) {
		return
	}

	d, err := r.court.Reveal(msg.ProposalID, s.ID(), msg.Nonce, r.hub.IdentifiedIDs())
	if errors.Is(err, arbitration.ErrInsufficientArbiters) {
		r.settleFallback(msg.ProposalID)
		return
	}
	if err != nil {
		s.Send(protocol.ErrorFrame(courtErrorCode(err), err.Error()))
		return
	}

	update := protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("proposal_id", d.ProposalID).
		With("state", d.State).
		With("evidence_deadline", d.Deadline.UnixMilli())
	r.notifyDisputeParties(d, update)

	summon := protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("proposal_id", d.ProposalID).
		With("state", d.State).
		With("role", "arbiter").
		With("reason", d.Reason).
		With("disputant", protocol.WireID(d.Disputant)).
		With("respondent", protocol.WireID(d.Respondent)).
		With("evidence_deadline", d.Deadline.UnixMilli())
	for _, arb := range d.Panel {
		if as, online := r.hub.Agent(arb); online {
			as.Send(summon)
		}
	}
	slog.Info("dispute panel seated", "proposal", d.ProposalID, "panel", d.Panel)
}

func (r *Router) handleDisputeEvidence(s *Session, msg *protocol.Message) {
	if !r.courtEnabled(s) {
		return
	}

	d, err := r.court.SubmitEvidence(msg.ProposalID, s.ID(), msg.Items, msg.Statement)
	if err != nil {
		s.Send(protocol.ErrorFrame(courtErrorCode(err), err.Error()))
		return
	}

	s.Send(protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("proposal_id", d.ProposalID).
		With("state", d.State).
		With("evidence_in", len(d.Evidence)))

	if d.State == arbitration.StateDeliberation {
		bundle := protocol.NewFrame(protocol.TypeDisputeUpdate).
			With("proposal_id", d.ProposalID).
			With("state", d.State).
			With("evidence", d.Evidence).
			With("verdict_deadline", d.Deadline.UnixMilli())
		for _, arb := range d.Panel {
			if as, online := r.hub.Agent(arb); online {
				as.Send(bundle)
			}
		}
	}
}

func (r *Router) handleDisputeVerdict(s *Session, msg *protocol.Message) {
	if !r.courtEnabled(s) {
		return
	}

	d, err := r.court.CastVerdict(msg.ProposalID, s.ID(), msg.Verdict, msg.Reason)
	if err != nil {
		s.Send(protocol.ErrorFrame(courtErrorCode(err), err.Error()))
		return
	}

	s.Send(protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("proposal_id", d.ProposalID).
		With("state", d.State).
		With("ballots_in", len(d.Ballots)))

	if d.State == arbitration.StateResolved {
		r.settleCourtOutcome(d)
	}
}

// settleCourtOutcome applies the panel's verdict to ratings and escrow, then
// notifies parties and panel.
func (r *Router) settleCourtOutcome(d *arbitration.Dispute) {
	p, err := r.props.Get(d.ProposalID)
	if err != nil {
		slog.Error("resolved dispute references unknown proposal", "proposal", d.ProposalID, "error", err)
		return
	}

	switch d.Outcome {
	case arbitration.VerdictDisputant:
		r.reps.SettleDispute(p.ID, d.Disputant, d.Respondent, p.Amount)
	case arbitration.VerdictRespondent:
		r.reps.SettleDispute(p.ID, d.Respondent, d.Disputant, p.Amount)
	default:
		r.reps.SettleDisputeMutual(p.ID, p.From, p.To, p.Amount)
	}
	r.metrics.DisputesResolved.WithLabelValues(d.Outcome).Inc()

	with, against := d.MajorityAgreed()
	for _, arb := range with {
		r.reps.AdjustRating(arb, r.court.Reward())
	}
	for _, arb := range against {
		r.reps.AdjustRating(arb, -r.court.Penalty())
	}

	resolved := protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("proposal_id", d.ProposalID).
		With("state", arbitration.StateResolved).
		With("outcome", d.Outcome).
		With("ratings", map[string]interface{}{
			protocol.WireID(d.Disputant):  r.reps.Get(d.Disputant).Rating,
			protocol.WireID(d.Respondent): r.reps.Get(d.Respondent).Rating,
		})
	r.notifyDisputeParties(d, resolved)
	for _, arb := range d.Panel {
		if as, online := r.hub.Agent(arb); online {
			as.Send(resolved)
		}
	}
	slog.Info("dispute resolved", "proposal", d.ProposalID, "outcome", d.Outcome)
}

// settleFallback applies the mutual settlement when no panel can be seated.
func (r *Router) settleFallback(proposalID string) {
	p, err := r.props.Get(proposalID)
	if err != nil {
		return
	}
	r.reps.SettleDisputeMutual(p.ID, p.From, p.To, p.Amount)
	r.metrics.DisputesResolved.WithLabelValues("fallback").Inc()

	r.notifyParties(p, protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("proposal_id", p.ID).
		With("state", arbitration.StateFallback).
		With("outcome", arbitration.VerdictMutual).
		With("reason", "insufficient eligible arbiters"))
	slog.Warn("dispute fell back to mutual settlement", "proposal", p.ID)
}

func (r *Router) notifyDisputeParties(d *arbitration.Dispute, frame protocol.Frame) {
	for _, id := range []string{d.Disputant, d.Respondent} {
		if s, online := r.hub.Agent(id); online {
			s.Send(frame)
		}
	}
}
