package proposal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(t *testing.T, s *Store) *Proposal {
	t.Helper()
	p := &Proposal{
		ID:   NewID(),
		From: "alice",
		To:   "bob",
		Task: "summarize a dataset",
		Sig:  "sig-proposer",
	}
	s.Create(p)
	return p
}

func TestNewIDShape(t *testing.T) {
	id := NewID()
	assert.True(t, strings.HasPrefix(id, "prop_"))
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 8)
	assert.NotEqual(t, id, NewID())
}

func TestLifecycleCompletePath(t *testing.T) {
	s := NewStore()
	p := newPending(t, s)

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.Terminal())

	accepted, err := s.Accept(p.ID, "bob", "sig-accept", 25)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.Equal(t, 25, accepted.AcceptorStake)
	assert.False(t, accepted.AcceptedAt.IsZero())

	completed, err := s.Complete(p.ID, "alice", "sig-complete", "ipfs://proof")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, "ipfs://proof", completed.Proof)
	assert.True(t, completed.Terminal())

	_, err = s.Dispute(p.ID, "alice", "sig", "too late")
	assert.ErrorIs(t, err, ErrBadState)
}

func TestOnlyRecipientMayAcceptOrReject(t *testing.T) {
	s := NewStore()
	p := newPending(t, s)

	_, err := s.Accept(p.ID, "alice", "sig", 0)
	assert.ErrorIs(t, err, ErrNotParty)
	_, err = s.Accept(p.ID, "mallory", "sig", 0)
	assert.ErrorIs(t, err, ErrNotParty)

	rejected, err := s.Reject(p.ID, "bob", "sig-reject")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)

	_, err = s.Accept(p.ID, "bob", "sig", 0)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestEitherPartyMayCompleteOrDispute(t *testing.T) {
	s := NewStore()
	p := newPending(t, s)
	_, err := s.Accept(p.ID, "bob", "sig", 0)
	require.NoError(t, err)

	_, err = s.Complete(p.ID, "mallory", "sig", "")
	assert.ErrorIs(t, err, ErrNotParty)

	disputed, err := s.Dispute(p.ID, "bob", "sig-dispute", "work not delivered")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)
	assert.Equal(t, "bob", disputed.DisputedBy)
}

func TestCannotCompleteWhilePending(t *testing.T) {
	s := NewStore()
	p := newPending(t, s)
	_, err := s.Complete(p.ID, "alice", "sig", "")
	assert.ErrorIs(t, err, ErrBadState)
}

func TestExpiryIsLazy(t *testing.T) {
	s := NewStore()
	p := &Proposal{
		ID:         NewID(),
		From:       "alice",
		To:         "bob",
		Task:       "quick task",
		Sig:        "sig",
		TTLSeconds: 0.01,
	}
	s.Create(p)
	time.Sleep(20 * time.Millisecond)

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = s.Accept(p.ID, "bob", "sig", 0)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestGetUnknown(t *testing.T) {
	s := NewStore()
	_, err := s.Get("prop_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByAgentFilters(t *testing.T) {
	s := NewStore()
	p1 := newPending(t, s)
	p2 := newPending(t, s)
	_, err := s.Accept(p2.ID, "bob", "sig", 0)
	require.NoError(t, err)

	all := s.ListByAgent("alice", "", "", 0)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, p2.ID, all[0].ID)
	assert.Equal(t, p1.ID, all[1].ID)

	pending := s.ListByAgent("alice", StatusPending, "", 0)
	require.Len(t, pending, 1)
	assert.Equal(t, p1.ID, pending[0].ID)

	asProposer := s.ListByAgent("bob", "", "proposer", 0)
	assert.Empty(t, asProposer)
	asAcceptor := s.ListByAgent("bob", "", "acceptor", 1)
	assert.Len(t, asAcceptor, 1)
}

func TestSweepDropsStaleProposals(t *testing.T) {
	s := NewStore()
	stale := &Proposal{ID: NewID(), From: "alice", To: "bob", Task: "old", Sig: "sig", TTLSeconds: 0.001}
	s.Create(stale)
	fresh := newPending(t, s)
	time.Sleep(5 * time.Millisecond)

	removed := s.Sweep(0)
	assert.Equal(t, 1, removed)

	_, err := s.Get(stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)
	assert.Empty(t, s.ListByAgent("alice", StatusExpired, "", 0))
}

func TestCanonicalSigningContent(t *testing.T) {
	amount := 12.5
	expires := 3600.0
	stake := 50
	content := ProposerContent("@bob12345", "translate", &amount, "USDC", "pay-1", &expires, &stake)
	assert.Equal(t, "@bob12345|translate|12.5|USDC|pay-1|3600|50", string(content))

	// Optional fields serialize as empty strings.
	content = ProposerContent("@bob12345", "translate", nil, "", "", nil, nil)
	assert.Equal(t, "@bob12345|translate|||||", string(content))

	stake25 := 25
	assert.Equal(t, "ACCEPT|prop_1|pay-2|25", string(AcceptContent("prop_1", "pay-2", &stake25)))
	assert.Equal(t, "ACCEPT|prop_1||", string(AcceptContent("prop_1", "", nil)))
	assert.Equal(t, "REJECT|prop_1|busy", string(RejectContent("prop_1", "busy")))
	assert.Equal(t, "COMPLETE|prop_1|proof-url", string(CompleteContent("prop_1", "proof-url")))
	assert.Equal(t, "DISPUTE|prop_1|no delivery", string(DisputeContent("prop_1", "no delivery")))
}

func TestStats(t *testing.T) {
	s := NewStore()
	p := newPending(t, s)
	newPending(t, s)
	_, err := s.Accept(p.ID, "bob", "sig", 0)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusAccepted])
}
