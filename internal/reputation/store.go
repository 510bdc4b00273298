// Package reputation implements the ELO rating engine and the stake escrow
// ledger. Ratings and escrow share one store so that stake-availability
// checks and settlements are atomic with respect to each other.
package reputation

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultRating is the starting rating for a previously unseen agent.
	DefaultRating = 1200
	// FloorRating is the absolute minimum rating after any settlement.
	FloorRating = 100

	eloDivisor = 400
)

// Rating is one agent's reputation record.
type Rating struct {
	Rating       int       `json:"rating"`
	Transactions int       `json:"transactions"`
	Updated      time.Time `json:"updated"`
}

// Store holds ratings and the escrow ledger, persisting rating snapshots to
// a JSON file (mode 0600) after every mutation. Loading is lazy: the file is
// read on first access, and a missing file means an empty map.
type Store struct {
	mu     sync.Mutex
	path   string
	loaded bool

	ratings map[string]*Rating // bare agent id -> record
	escrows map[string]*Escrow // proposal id -> escrow
	held    map[string]int     // bare agent id -> total active stake

	logger *log.Logger
}

// NewStore creates a store backed by the snapshot file at path. An empty
// path disables persistence (used by tests).
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		ratings: make(map[string]*Rating),
		escrows: make(map[string]*Escrow),
		held:    make(map[string]int),
		logger:  log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
}

// Get returns a copy of the agent's rating record, creating the default
// record view for unseen agents without persisting it.
func (s *Store) Get(agentID string) Rating {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	if r, ok := s.ratings[agentID]; ok {
		return *r
	}
	return Rating{Rating: DefaultRating}
}

// RatingOf returns the agent's rating and transaction count. Satisfies the
// small rating-source interfaces declared by skills and arbitration.
func (s *Store) RatingOf(agentID string) (rating, transactions int) {
	r := s.Get(agentID)
	return r.Rating, r.Transactions
}

// Available returns the stake headroom for an agent:
// rating − currently escrowed − FloorRating.
func (s *Store) Available(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.availableLocked(agentID)
}

func (s *Store) availableLocked(agentID string) int {
	rating := DefaultRating
	if r, ok := s.ratings[agentID]; ok {
		rating = r.Rating
	}
	return rating - s.held[agentID] - FloorRating
}

// Expected is the ELO expected score of a against b.
func Expected(a, b int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(b-a)/eloDivisor))
}

// KFactor selects the ELO volatility multiplier by transaction count:
// newcomers move fast, veterans move slowly.
func KFactor(transactions int) int {
	switch {
	case transactions < 30:
		return 32
	case transactions < 100:
		return 24
	default:
		return 16
	}
}

// effectiveK scales K by the economic weight of the disputed proposal,
// capped at 3x. Only dispute settlements carry the scaling; cooperative
// completions move on plain K.
func effectiveK(k int, amount float64) float64 {
	if amount <= 0 {
		return float64(k)
	}
	scale := 1 + math.Log10(amount+1)
	if scale > 3 {
		scale = 3
	}
	return float64(k) * scale
}

// SettleCompletion applies the cooperative settlement for a completed
// proposal: each party gains max(1, round(K*(1-E_self)/2)). The halving
// keeps staked completions from inflating the rating pool, and the proposal
// amount does not scale the gain. Any active escrow for the proposal is
// released. Returns the two gains.
func (s *Store) SettleCompletion(proposalID, a, b string) (gainA, gainB int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	ra := s.ensureLocked(a)
	rb := s.ensureLocked(b)

	ea := Expected(ra.Rating, rb.Rating)
	eb := Expected(rb.Rating, ra.Rating)
	gainA = settlementPoints(float64(KFactor(ra.Transactions)), 1-ea, 0.5)
	gainB = settlementPoints(float64(KFactor(rb.Transactions)), 1-eb, 0.5)

	ra.Rating += gainA
	rb.Rating += gainB
	ra.Transactions++
	rb.Transactions++
	now := time.Now().UTC()
	ra.Updated = now
	rb.Updated = now

	s.releaseEscrowLocked(proposalID, SettleCompleted)

	if err := s.persistLocked(); err != nil {
		s.logger.Printf("snapshot write failed after completion %s: %v", proposalID, err)
		return gainA, gainB, err
	}
	return gainA, gainB, nil
}

// SettleDispute applies the at-fault settlement: the at-fault party loses
// max(1, round(Keff*E_atFault)) plus their stake; the winner gains half the
// ELO loss plus the at-fault stake. The winner's own stake is returned.
func (s *Store) SettleDispute(proposalID, winner, atFault string, amount float64) (loss, gain int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	rw := s.ensureLocked(winner)
	rf := s.ensureLocked(atFault)

	ef := Expected(rf.Rating, rw.Rating)
	loss = settlementPoints(effectiveK(KFactor(rf.Transactions), amount), ef, 1)
	gain = int(math.Round(float64(loss) * 0.5))

	winnerStake, faultStake := s.settleEscrowLocked(proposalID, winner, atFault)

	rf.Rating = clampFloor(rf.Rating - loss - faultStake)
	rw.Rating += gain + faultStake
	_ = winnerStake // returned implicitly: it was never deducted, only held

	rw.Transactions++
	rf.Transactions++
	now := time.Now().UTC()
	rw.Updated = now
	rf.Updated = now

	if err := s.persistLocked(); err != nil {
		s.logger.Printf("snapshot write failed after dispute %s: %v", proposalID, err)
		return loss, gain, err
	}
	return loss, gain, nil
}

// SettleDisputeMutual applies the no-disputer settlement: both parties lose
// the symmetric ELO amount and both stakes are burned.
func (s *Store) SettleDisputeMutual(proposalID, a, b string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	ra := s.ensureLocked(a)
	rb := s.ensureLocked(b)

	ea := Expected(ra.Rating, rb.Rating)
	eb := Expected(rb.Rating, ra.Rating)
	lossA := settlementPoints(effectiveK(KFactor(ra.Transactions), amount), ea, 1)
	lossB := settlementPoints(effectiveK(KFactor(rb.Transactions), amount), eb, 1)

	stakeA, stakeB := s.settleEscrowLocked(proposalID, a, b)

	ra.Rating = clampFloor(ra.Rating - lossA - stakeA)
	rb.Rating = clampFloor(rb.Rating - lossB - stakeB)
	ra.Transactions++
	rb.Transactions++
	now := time.Now().UTC()
	ra.Updated = now
	rb.Updated = now

	if err := s.persistLocked(); err != nil {
		s.logger.Printf("snapshot write failed after mutual dispute %s: %v", proposalID, err)
		return err
	}
	return nil
}

// AdjustRating applies a flat delta (arbiter rewards and penalties). The
// floor still holds and the change writes through.
func (s *Store) AdjustRating(agentID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	r := s.ensureLocked(agentID)
	r.Rating = clampFloor(r.Rating + delta)
	r.Updated = time.Now().UTC()
	if err := s.persistLocked(); err != nil {
		s.logger.Printf("snapshot write failed after adjustment for %s: %v", agentID, err)
		return err
	}
	return nil
}

// settlementPoints converts an expected-score term into rating points with
// the minimum-movement rule.
func settlementPoints(kEff, term, half float64) int {
	pts := int(math.Round(kEff * term * half))
	if pts < 1 {
		return 1
	}
	return pts
}

func clampFloor(r int) int {
	if r < FloorRating {
		return FloorRating
	}
	return r
}

func (s *Store) ensureLocked(agentID string) *Rating {
	r, ok := s.ratings[agentID]
	if !ok {
		r = &Rating{Rating: DefaultRating, Updated: time.Now().UTC()}
		s.ratings[agentID] = r
	}
	return r
}

// Count returns the number of agents with a persisted rating record.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return len(s.ratings)
}

// Flush writes the current snapshot to disk. Used on graceful shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.persistLocked()
}

// loadLocked reads the snapshot file on first access. A missing file yields
// an empty map; a corrupt file is logged and treated as empty rather than
// crashing the relay.
func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("failed to read snapshot %s: %v", s.path, err)
		}
		return
	}
	var onDisk map[string]*Rating
	if err := json.Unmarshal(data, &onDisk); err != nil {
		s.logger.Printf("corrupt snapshot %s: %v", s.path, err)
		return
	}
	for key, r := range onDisk {
		s.ratings[strings.TrimPrefix(key, "@")] = r
	}
	s.logger.Printf("loaded %d rating records from %s", len(s.ratings), s.path)
}

// persistLocked writes the full snapshot through to disk, keyed by the wire
// "@id" form per the on-disk contract. File mode is 0600.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	onDisk := make(map[string]*Rating, len(s.ratings))
	for id, r := range s.ratings {
		onDisk["@"+id] = r
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("reputation: marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("reputation: mkdir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("reputation: write snapshot: %w", err)
	}
	return nil
}
