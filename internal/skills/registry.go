// Package skills maintains the capability index agents advertise through
// REGISTER_SKILLS and the search used for provider discovery.
package skills

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentchat/backend/internal/protocol"
)

// RatingSource supplies the reputation enrichment attached to search
// results.
type RatingSource interface {
	RatingOf(agentID string) (rating, transactions int)
}

// Record is one agent's registered skill set.
type Record struct {
	AgentID      string           `json:"agent_id"`
	Skills       []protocol.Skill `json:"skills"`
	Sig          string           `json:"sig"`
	RegisteredAt time.Time        `json:"registered_at"`
}

// Result is one search hit, enriched with the provider's current standing.
type Result struct {
	AgentID      string           `json:"agent_id"`
	Skills       []protocol.Skill `json:"skills"`
	Rating       int              `json:"rating"`
	Transactions int              `json:"transactions"`
	RegisteredAt time.Time        `json:"registered_at"`
}

// DefaultSearchLimit caps result sets when the query omits a limit.
const DefaultSearchLimit = 50

// Registry is the in-memory capability index.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	ratings RatingSource
}

// NewRegistry creates a registry drawing enrichment from src.
func NewRegistry(src RatingSource) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		ratings: src,
	}
}

// Register replaces the agent's skill record.
func (r *Registry) Register(agentID string, skillSet []protocol.Skill, sig string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &Record{
		AgentID:      agentID,
		Skills:       skillSet,
		Sig:          sig,
		RegisteredAt: time.Now().UTC(),
	}
	r.records[agentID] = rec
	return rec
}

// Unregister drops the agent's record.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, agentID)
}

// Get returns the agent's record, if any.
func (r *Registry) Get(agentID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[agentID]
	return rec, ok
}

// Search filters the index by capability substring (case-insensitive),
// max rate, and currency (case-insensitive exact), then sorts by rating
// descending and registration time descending.
func (r *Registry) Search(q protocol.SkillQuery) []Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	capNeedle := strings.ToLower(q.Capability)
	var out []Result
	for _, rec := range r.records {
		matched := matchSkills(rec.Skills, capNeedle, q.MaxRate, q.Currency)
		if len(matched) == 0 {
			continue
		}
		rating, tx := r.ratings.RatingOf(rec.AgentID)
		out = append(out, Result{
			AgentID:      rec.AgentID,
			Skills:       matched,
			Rating:       rating,
			Transactions: tx,
			RegisteredAt: rec.RegisteredAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchSkills(skillSet []protocol.Skill, capNeedle string, maxRate float64, currency string) []protocol.Skill {
	var matched []protocol.Skill
	for _, sk := range skillSet {
		if capNeedle != "" && !strings.Contains(strings.ToLower(sk.Capability), capNeedle) {
			continue
		}
		if maxRate > 0 && sk.Rate > maxRate {
			continue
		}
		if currency != "" && !strings.EqualFold(sk.Currency, currency) {
			continue
		}
		matched = append(matched, sk)
	}
	return matched
}
