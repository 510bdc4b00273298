package reputation

import (
	"errors"
	"time"
)

// Escrow lifecycle states.
const (
	EscrowActive   = "active"
	EscrowReleased = "released"
	EscrowSettled  = "settled"
)

// Settlement reasons.
const (
	SettleCompleted = "completed"
	SettleDisputed  = "disputed"
	SettleExpired   = "expired"
)

// ErrInsufficientReputation is returned when a stake would push an agent
// below the rating floor.
var ErrInsufficientReputation = errors.New("reputation: stake exceeds available rating")

// Escrow holds the staked ELO bound to one proposal.
type Escrow struct {
	ProposalID    string    `json:"proposal_id"`
	Proposer      string    `json:"proposer"`
	ProposerStake int       `json:"proposer_stake"`
	Acceptor      string    `json:"acceptor"`
	AcceptorStake int       `json:"acceptor_stake"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HoldEscrow creates the escrow record for an accepted proposal, reserving
// both stakes. It fails with ErrInsufficientReputation if either party lacks
// headroom; no state changes in that case.
func (s *Store) HoldEscrow(proposalID, proposer string, proposerStake int, acceptor string, acceptorStake int) error {
	if proposerStake == 0 && acceptorStake == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	if proposerStake > 0 && s.availableLocked(proposer) < proposerStake {
		return ErrInsufficientReputation
	}
	if acceptorStake > 0 && s.availableLocked(acceptor) < acceptorStake {
		return ErrInsufficientReputation
	}

	s.held[proposer] += proposerStake
	s.held[acceptor] += acceptorStake
	s.escrows[proposalID] = &Escrow{
		ProposalID:    proposalID,
		Proposer:      proposer,
		ProposerStake: proposerStake,
		Acceptor:      acceptor,
		AcceptorStake: acceptorStake,
		Status:        EscrowActive,
		CreatedAt:     time.Now().UTC(),
	}
	return nil
}

// ReleaseEscrow returns both stakes without rating changes (expiry or other
// non-settlement teardown).
func (s *Store) ReleaseEscrow(proposalID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseEscrowLocked(proposalID, reason)
}

// GetEscrow returns a copy of the escrow record for a proposal.
func (s *Store) GetEscrow(proposalID string) (Escrow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[proposalID]
	if !ok {
		return Escrow{}, false
	}
	return *e, true
}

// Held returns the total active escrowed stake for an agent.
func (s *Store) Held(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held[agentID]
}

func (s *Store) releaseEscrowLocked(proposalID, reason string) {
	e, ok := s.escrows[proposalID]
	if !ok || e.Status != EscrowActive {
		return
	}
	s.held[e.Proposer] -= e.ProposerStake
	s.held[e.Acceptor] -= e.AcceptorStake
	e.Status = EscrowReleased
	e.Reason = reason
}

// settleEscrowLocked frees the held amounts and returns the stakes keyed to
// the two named parties. What happens to the freed stake (transfer or burn)
// is the caller's settlement arithmetic.
func (s *Store) settleEscrowLocked(proposalID, partyA, partyB string) (stakeA, stakeB int) {
	e, ok := s.escrows[proposalID]
	if !ok || e.Status != EscrowActive {
		return 0, 0
	}
	s.held[e.Proposer] -= e.ProposerStake
	s.held[e.Acceptor] -= e.AcceptorStake
	e.Status = EscrowSettled
	e.Reason = SettleDisputed

	stakes := map[string]int{e.Proposer: e.ProposerStake, e.Acceptor: e.AcceptorStake}
	return stakes[partyA], stakes[partyB]
}
