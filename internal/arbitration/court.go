// Package arbitration implements the agentcourt panel workflow: a
// commit-reveal dispute intent, deterministic panel selection over eligible
// arbiters, bounded evidence submission, and majority verdicts. Settlement
// itself is applied by the caller from the resolved outcome.
package arbitration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/backend/internal/identity"
)

// Dispute states.
const (
	StateIntent         = "intent"
	StateFiled          = "filed"
	StatePanelSelection = "panel_selection"
	StateEvidence       = "evidence"
	StateDeliberation   = "deliberation"
	StateResolved       = "resolved"
	StateFallback       = "fallback"
	StateExpired        = "expired"
)

// Verdict values an arbiter may cast.
const (
	VerdictDisputant  = "disputant"
	VerdictRespondent = "respondent"
	VerdictMutual     = "mutual"
)

// Evidence bounds.
const (
	MaxEvidenceItems  = 10
	MaxStatementChars = 2000
	MaxReasoningChars = 500
)

var (
	ErrNotFound             = errors.New("arbitration: dispute not found")
	ErrAlreadyExists        = errors.New("arbitration: dispute already exists")
	ErrInvalidPhase         = errors.New("arbitration: operation not valid in current phase")
	ErrCommitmentMismatch   = errors.New("arbitration: revealed nonce does not match commitment")
	ErrNotParty             = errors.New("arbitration: agent is not a dispute party")
	ErrNotArbiter           = errors.New("arbitration: agent is not on the panel")
	ErrDeadlinePassed       = errors.New("arbitration: deadline passed")
	ErrInsufficientArbiters = errors.New("arbitration: not enough eligible arbiters")
	ErrBoundsExceeded       = errors.New("arbitration: evidence bounds exceeded")
)

// Config tunes the court.
type Config struct {
	PanelSize              int
	RevealWindow           time.Duration
	EvidenceWindow         time.Duration
	DeliberationWindow     time.Duration
	MinArbiterRating       int
	MinArbiterTransactions int
	ReplacementRounds      int
	ArbiterReward          int
	ArbiterPenalty         int
}

// DefaultConfig matches the fixed panel of three with short windows.
func DefaultConfig() Config {
	return Config{
		PanelSize:              3,
		RevealWindow:           2 * time.Minute,
		EvidenceWindow:         10 * time.Minute,
		DeliberationWindow:     10 * time.Minute,
		MinArbiterRating:       1100,
		MinArbiterTransactions: 5,
		ReplacementRounds:      2,
		ArbiterReward:          5,
		ArbiterPenalty:         3,
	}
}

// IntentContent is the canonical byte string a disputant signs when filing
// a commit-reveal intent: DISPUTE_INTENT|proposal_id|commitment|reason.
func IntentContent(proposalID, commitment, reason string) []byte {
	return []byte("DISPUTE_INTENT|" + proposalID + "|" + commitment + "|" + reason)
}

// RatingSource filters arbiter eligibility.
type RatingSource interface {
	RatingOf(agentID string) (rating, transactions int)
}

// EvidenceItem is one submitted exhibit.
type EvidenceItem struct {
	Party       string    `json:"party"`
	Items       []string  `json:"items"`
	Statement   string    `json:"statement"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CastBallot is one arbiter's verdict.
type CastBallot struct {
	Arbiter   string    `json:"arbiter"`
	Verdict   string    `json:"verdict"`
	Reasoning string    `json:"reasoning,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

// Dispute is the full panel-dispute record.
type Dispute struct {
	ID             string                  `json:"id"`
	ProposalID     string                  `json:"proposal_id"`
	Disputant      string                  `json:"disputant"`
	Respondent     string                  `json:"respondent"`
	Commitment     string                  `json:"commitment"`
	Reason         string                  `json:"reason"`
	Sig            string                  `json:"sig"`
	State          string                  `json:"state"`
	DisputantNonce string                  `json:"disputant_nonce,omitempty"`
	ServerNonce    string                  `json:"server_nonce"`
	Panel          []string                `json:"panel,omitempty"`
	Evidence       map[string]EvidenceItem `json:"evidence,omitempty"`
	Ballots        map[string]CastBallot   `json:"ballots,omitempty"`
	Outcome        string                  `json:"outcome,omitempty"`
	FiledAt        time.Time               `json:"filed_at"`
	Deadline       time.Time               `json:"deadline"`
}

// Court is the dispute-panel store.
type Court struct {
	mu       sync.Mutex
	disputes map[string]*Dispute // keyed by proposal id
	ratings  RatingSource
	cfg      Config
	logger   *log.Logger
}

// NewCourt creates a court.
func NewCourt(cfg Config, ratings RatingSource) *Court {
	if cfg.PanelSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Court{
		disputes: make(map[string]*Dispute),
		ratings:  ratings,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[AGENTCOURT] ", log.LstdFlags),
	}
}

// FileIntent records a commitment-phase dispute intent. The server nonce is
// minted here and contributes to panel selection after the reveal.
func (c *Court) FileIntent(proposalID, disputant, respondent, commitment, reason, sig string) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.disputes[proposalID]; exists {
		return nil, ErrAlreadyExists
	}
	serverNonce, err := identity.GenerateNonce(16)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	d := &Dispute{
		ID:          uuid.NewString(),
		ProposalID:  proposalID,
		Disputant:   disputant,
		Respondent:  respondent,
		Commitment:  commitment,
		Reason:      reason,
		Sig:         sig,
		State:       StateIntent,
		ServerNonce: serverNonce,
		Evidence:    make(map[string]EvidenceItem),
		Ballots:     make(map[string]CastBallot),
		FiledAt:     now,
		Deadline:    now.Add(c.cfg.RevealWindow),
	}
	c.disputes[proposalID] = d
	c.logger.Printf("intent filed for %s by %s", proposalID, disputant)
	return copyDispute(d), nil
}

// Reveal checks the disclosed nonce against the commitment, seeds panel
// selection, and advances to the evidence phase. candidates is the pool of
// potential arbiters (live keyed agents, parties excluded by the caller).
func (c *Court) Reveal(proposalID, disputant, nonce string, candidates []string) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.disputes[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.State != StateIntent {
		return nil, ErrInvalidPhase
	}
	if disputant != d.Disputant {
		return nil, ErrNotParty
	}
	if time.Now().After(d.Deadline) {
		d.State = StateExpired
		return nil, ErrDeadlinePassed
	}
	sum := sha256.Sum256([]byte(nonce))
	if hex.EncodeToString(sum[:]) != d.Commitment {
		return nil, ErrCommitmentMismatch
	}

	d.DisputantNonce = nonce
	d.State = StatePanelSelection

	panel, err := c.selectPanelLocked(d, candidates)
	if err != nil {
		d.State = StateFallback
		return copyDispute(d), err
	}
	d.Panel = panel
	d.State = StateEvidence
	d.Deadline = time.Now().UTC().Add(c.cfg.EvidenceWindow)
	c.logger.Printf("panel selected for %s: %v", proposalID, panel)
	return copyDispute(d), nil
}

// selectPanelLocked deterministically orders eligible candidates by
// SHA-256(seed || candidate) where seed = SHA-256(proposal_id ||
// disputant_nonce || server_nonce), and takes the first PanelSize.
func (c *Court) selectPanelLocked(d *Dispute, candidates []string) ([]string, error) {
	var eligible []string
	for _, id := range candidates {
		if id == d.Disputant || id == d.Respondent {
			continue
		}
		rating, tx := c.ratings.RatingOf(id)
		if rating < c.cfg.MinArbiterRating || tx < c.cfg.MinArbiterTransactions {
			continue
		}
		eligible = append(eligible, id)
	}
	if len(eligible) < c.cfg.PanelSize {
		return nil, ErrInsufficientArbiters
	}

	seed := sha256.Sum256([]byte(d.ProposalID + d.DisputantNonce + d.ServerNonce))
	type scored struct {
		id    string
		score string
	}
	order := make([]scored, 0, len(eligible))
	for _, id := range eligible {
		h := sha256.Sum256(append(seed[:], []byte(id)...))
		order = append(order, scored{id: id, score: hex.EncodeToString(h[:])})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].score < order[j].score })

	panel := make([]string, c.cfg.PanelSize)
	for i := 0; i < c.cfg.PanelSize; i++ {
		panel[i] = order[i].id
	}
	return panel, nil
}

// SubmitEvidence records a party's bounded evidence and, once both parties
// have submitted or the window closes, advances to deliberation.
func (c *Court) SubmitEvidence(proposalID, party string, items []string, statement string) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.disputes[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.State != StateEvidence {
		return nil, ErrInvalidPhase
	}
	if party != d.Disputant && party != d.Respondent {
		return nil, ErrNotParty
	}
	if time.Now().After(d.Deadline) {
		return nil, ErrDeadlinePassed
	}
	if len(items) > MaxEvidenceItems || len(statement) > MaxStatementChars {
		return nil, ErrBoundsExceeded
	}

	d.Evidence[party] = EvidenceItem{
		Party:       party,
		Items:       items,
		Statement:   statement,
		SubmittedAt: time.Now().UTC(),
	}
	if len(d.Evidence) == 2 {
		d.State = StateDeliberation
		d.Deadline = time.Now().UTC().Add(c.cfg.DeliberationWindow)
	}
	return copyDispute(d), nil
}

// CastVerdict records one arbiter's ballot. When every panel member has
// voted the dispute resolves immediately.
func (c *Court) CastVerdict(proposalID, arbiter, verdict, reasoning string) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.disputes[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	if d.State != StateDeliberation {
		return nil, ErrInvalidPhase
	}
	if !onPanel(d, arbiter) {
		return nil, ErrNotArbiter
	}
	if time.Now().After(d.Deadline) {
		c.resolveLocked(d)
		return nil, ErrDeadlinePassed
	}
	switch verdict {
	case VerdictDisputant, VerdictRespondent, VerdictMutual:
	default:
		return nil, ErrInvalidPhase
	}
	if len(reasoning) > MaxReasoningChars {
		reasoning = reasoning[:MaxReasoningChars]
	}

	d.Ballots[arbiter] = CastBallot{
		Arbiter:   arbiter,
		Verdict:   verdict,
		Reasoning: reasoning,
		CastAt:    time.Now().UTC(),
	}
	if len(d.Ballots) == len(d.Panel) {
		c.resolveLocked(d)
	}
	return copyDispute(d), nil
}

// resolveLocked tallies the ballots: a verdict with at least two votes
// wins; anything else is mutual fault.
func (c *Court) resolveLocked(d *Dispute) {
	tally := make(map[string]int)
	for _, b := range d.Ballots {
		tally[b.Verdict]++
	}
	outcome := VerdictMutual
	for v, n := range tally {
		if n >= 2 {
			outcome = v
			break
		}
	}
	d.Outcome = outcome
	d.State = StateResolved
	c.logger.Printf("dispute %s resolved: %s (%d ballots)", d.ProposalID, outcome, len(d.Ballots))
}

// Get returns a copy of the dispute for a proposal.
func (c *Court) Get(proposalID string) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDispute(d), nil
}

// MajorityAgreed returns the arbiters who voted with the outcome and those
// who voted against it, for reward and penalty application.
func (d *Dispute) MajorityAgreed() (with, against []string) {
	for _, b := range d.Ballots {
		if b.Verdict == d.Outcome {
			with = append(with, b.Arbiter)
		} else {
			against = append(against, b.Arbiter)
		}
	}
	return with, against
}

// Sweep expires disputes past their deadlines. Deliberation-phase disputes
// resolve with whatever ballots arrived; earlier phases expire outright.
// Returns the disputes that resolved so the caller can settle them.
func (c *Court) Sweep() []*Dispute {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var resolved []*Dispute
	for _, d := range c.disputes {
		if d.State == StateResolved || d.State == StateExpired || d.State == StateFallback {
			continue
		}
		if now.After(d.Deadline) {
			if d.State == StateDeliberation {
				c.resolveLocked(d)
				resolved = append(resolved, copyDispute(d))
			} else if d.State == StateEvidence && len(d.Evidence) > 0 {
				// Evidence partially in: move to deliberation anyway.
				d.State = StateDeliberation
				d.Deadline = now.Add(c.cfg.DeliberationWindow)
			} else {
				d.State = StateExpired
			}
		}
	}
	return resolved
}

// Reward and Penalty expose the configured arbiter incentives.
func (c *Court) Reward() int  { return c.cfg.ArbiterReward }
func (c *Court) Penalty() int { return c.cfg.ArbiterPenalty }

func onPanel(d *Dispute, arbiter string) bool {
	for _, id := range d.Panel {
		if id == arbiter {
			return true
		}
	}
	return false
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Panel = append([]string(nil), d.Panel...)
	cp.Evidence = make(map[string]EvidenceItem, len(d.Evidence))
	for k, v := range d.Evidence {
		cp.Evidence[k] = v
	}
	cp.Ballots = make(map[string]CastBallot, len(d.Ballots))
	for k, v := range d.Ballots {
		cp.Ballots[k] = v
	}
	return &cp
}
