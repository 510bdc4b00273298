// Package proposal implements the signed negotiation-proposal lifecycle:
// pending → accepted → completed|disputed, with rejected and expired as the
// other terminal states. The store enforces party checks, expiry, and the
// transition DAG; signature verification happens in the router, which holds
// the parties' public keys.
package proposal

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Proposal states.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCompleted = "completed"
	StatusDisputed  = "disputed"
	StatusExpired   = "expired"
)

var (
	ErrNotFound = errors.New("proposal: not found")
	ErrExpired  = errors.New("proposal: expired")
	ErrNotParty = errors.New("proposal: actor is not a party")
	ErrBadState = errors.New("proposal: transition not allowed from current state")
)

// Proposal is one negotiation record. Agent ids are bare (no "@" prefix).
type Proposal struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Task        string    `json:"task"`
	Amount      float64   `json:"amount,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	PaymentCode string    `json:"payment_code,omitempty"`
	Terms       string    `json:"terms,omitempty"`
	TTLSeconds  float64   `json:"ttl_seconds,omitempty"`
	Expires     time.Time `json:"expires,omitempty"`
	Status      string    `json:"status"`

	Sig           string `json:"sig"`
	ProposerStake int    `json:"proposer_stake,omitempty"`
	AcceptorStake int    `json:"acceptor_stake,omitempty"`
	ResponseSig   string `json:"response_sig,omitempty"`
	CompletionSig string `json:"completion_sig,omitempty"`
	Proof         string `json:"proof,omitempty"`
	DisputeSig    string `json:"dispute_sig,omitempty"`
	DisputeReason string `json:"dispute_reason,omitempty"`
	DisputedBy    string `json:"disputed_by,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	AcceptedAt  time.Time `json:"accepted_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	DisputedAt  time.Time `json:"disputed_at,omitempty"`
}

// Terminal reports whether the proposal can no longer transition.
func (p *Proposal) Terminal() bool {
	switch p.Status {
	case StatusRejected, StatusCompleted, StatusDisputed, StatusExpired:
		return true
	}
	return false
}

// NewID mints a proposal id: prop_<base36 unix-ms>_<8 hex>.
func NewID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("prop_%s_%s",
		strconv.FormatInt(time.Now().UnixMilli(), 36),
		hex.EncodeToString(buf))
}

// Canonical signing strings. Missing optional fields serialize as empty
// strings; the joins are newline-free so the bytes are unambiguous.

// ProposerContent is what the proposer signs at creation.
// Fields: to|task|amount|currency|payment_code|expires|elo_stake.
func ProposerContent(to, task string, amount *float64, currency, paymentCode string, expires *float64, stake *int) []byte {
	return []byte(strings.Join([]string{
		to, task, optFloat(amount), currency, paymentCode, optFloat(expires), optInt(stake),
	}, "|"))
}

// AcceptContent is what the acceptor signs: ACCEPT|id|payment_code|elo_stake.
func AcceptContent(proposalID, paymentCode string, stake *int) []byte {
	return []byte(strings.Join([]string{"ACCEPT", proposalID, paymentCode, optInt(stake)}, "|"))
}

// RejectContent: REJECT|id|reason.
func RejectContent(proposalID, reason string) []byte {
	return []byte(strings.Join([]string{"REJECT", proposalID, reason}, "|"))
}

// CompleteContent: COMPLETE|id|proof.
func CompleteContent(proposalID, proof string) []byte {
	return []byte(strings.Join([]string{"COMPLETE", proposalID, proof}, "|"))
}

// DisputeContent: DISPUTE|id|reason.
func DisputeContent(proposalID, reason string) []byte {
	return []byte(strings.Join([]string{"DISPUTE", proposalID, reason}, "|"))
}

func optFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func optInt(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}

// Store is the in-memory proposal index.
type Store struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	byAgent   map[string][]string
	logger    *log.Logger
}

// NewStore creates an empty proposal store.
func NewStore() *Store {
	return &Store{
		proposals: make(map[string]*Proposal),
		byAgent:   make(map[string][]string),
		logger:    log.New(log.Writer(), "[PROPOSALS] ", log.LstdFlags),
	}
}

// Create inserts a new pending proposal and indexes it under both parties.
func (s *Store) Create(p *Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p.Status = StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.TTLSeconds > 0 {
		p.Expires = now.Add(time.Duration(p.TTLSeconds * float64(time.Second)))
	}

	s.proposals[p.ID] = p
	s.byAgent[p.From] = append(s.byAgent[p.From], p.ID)
	s.byAgent[p.To] = append(s.byAgent[p.To], p.ID)
}

// Get returns a copy of the proposal, lazily expiring it if its deadline has
// passed.
func (s *Store) Get(id string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	s.expireLocked(p)
	return *p, nil
}

// Accept transitions pending → accepted. Only the "to" party may accept, and
// the proposal must not have expired.
func (s *Store) Accept(id, actor, sig string, acceptorStake int) (Proposal, error) {
	return s.transition(id, func(p *Proposal) error {
		if p.Status != StatusPending {
			if p.Status == StatusExpired {
				return ErrExpired
			}
			return ErrBadState
		}
		if actor != p.To {
			return ErrNotParty
		}
		now := time.Now().UTC()
		p.Status = StatusAccepted
		p.AcceptedAt = now
		p.ResponseSig = sig
		p.AcceptorStake = acceptorStake
		return nil
	})
}

// Reject transitions pending → rejected. Only the "to" party may reject.
func (s *Store) Reject(id, actor, sig string) (Proposal, error) {
	return s.transition(id, func(p *Proposal) error {
		if p.Status != StatusPending {
			if p.Status == StatusExpired {
				return ErrExpired
			}
			return ErrBadState
		}
		if actor != p.To {
			return ErrNotParty
		}
		p.Status = StatusRejected
		p.ResponseSig = sig
		return nil
	})
}

// Complete transitions accepted → completed. Either party may complete.
func (s *Store) Complete(id, actor, sig, proof string) (Proposal, error) {
	return s.transition(id, func(p *Proposal) error {
		if p.Status != StatusAccepted {
			return ErrBadState
		}
		if actor != p.From && actor != p.To {
			return ErrNotParty
		}
		p.Status = StatusCompleted
		p.CompletedAt = time.Now().UTC()
		p.CompletionSig = sig
		p.Proof = proof
		return nil
	})
}

// Dispute transitions accepted → disputed. Either party may dispute.
func (s *Store) Dispute(id, actor, sig, reason string) (Proposal, error) {
	return s.transition(id, func(p *Proposal) error {
		if p.Status != StatusAccepted {
			return ErrBadState
		}
		if actor != p.From && actor != p.To {
			return ErrNotParty
		}
		p.Status = StatusDisputed
		p.DisputedAt = time.Now().UTC()
		p.DisputeSig = sig
		p.DisputeReason = reason
		p.DisputedBy = actor
		return nil
	})
}

func (s *Store) transition(id string, apply func(*Proposal) error) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	s.expireLocked(p)
	if err := apply(p); err != nil {
		return *p, err
	}
	p.UpdatedAt = time.Now().UTC()
	return *p, nil
}

// expireLocked marks a pending proposal expired once its deadline passes.
// Expiry is checked lazily on every read and eagerly on every transition.
func (s *Store) expireLocked(p *Proposal) {
	if p.Status == StatusPending && !p.Expires.IsZero() && time.Now().After(p.Expires) {
		p.Status = StatusExpired
		p.UpdatedAt = time.Now().UTC()
	}
}

// ListByAgent returns copies of the agent's proposals, newest first,
// optionally filtered by status and role ("proposer" or "acceptor").
func (s *Store) ListByAgent(agentID, status, role string, limit int) []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAgent[agentID]
	out := make([]Proposal, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		p, ok := s.proposals[ids[i]]
		if !ok {
			continue
		}
		s.expireLocked(p)
		if status != "" && p.Status != status {
			continue
		}
		if role == "proposer" && p.From != agentID {
			continue
		}
		if role == "acceptor" && p.To != agentID {
			continue
		}
		out = append(out, *p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Sweep drops proposals whose expiry is more than maxAge in the past and
// returns how many were removed. Run on a minute cadence.
func (s *Store) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, p := range s.proposals {
		s.expireLocked(p)
		if !p.Expires.IsZero() && p.Expires.Before(cutoff) {
			delete(s.proposals, id)
			s.unindexLocked(p.From, id)
			s.unindexLocked(p.To, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Printf("swept %d stale proposals", removed)
	}
	return removed
}

func (s *Store) unindexLocked(agentID, proposalID string) {
	ids := s.byAgent[agentID]
	for i, v := range ids {
		if v == proposalID {
			s.byAgent[agentID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Stats returns proposal counts by status for the health snapshot.
func (s *Store) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]int{"total": len(s.proposals)}
	for _, p := range s.proposals {
		s.expireLocked(p)
		stats[p.Status]++
	}
	return stats
}
