package arbitration

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRatings map[string][2]int

func (s stubRatings) RatingOf(agentID string) (int, int) {
	r, ok := s[agentID]
	if !ok {
		return 1200, 10
	}
	return r[0], r[1]
}

func commitment(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

func testCourt() *Court {
	return NewCourt(DefaultConfig(), stubRatings{})
}

var candidatePool = []string{"arb1", "arb2", "arb3", "arb4", "arb5"}

func fileAndReveal(t *testing.T, c *Court) *Dispute {
	t.Helper()
	_, err := c.FileIntent("prop-1", "alice", "bob", commitment("secret"), "no delivery", "sig")
	require.NoError(t, err)
	d, err := c.Reveal("prop-1", "alice", "secret", candidatePool)
	require.NoError(t, err)
	return d
}

func TestFileIntentOncePerProposal(t *testing.T) {
	c := testCourt()
	d, err := c.FileIntent("prop-1", "alice", "bob", commitment("n"), "reason", "sig")
	require.NoError(t, err)
	assert.Equal(t, StateIntent, d.State)
	assert.NotEmpty(t, d.ServerNonce)

	_, err = c.FileIntent("prop-1", "alice", "bob", commitment("n"), "reason", "sig")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRevealRejectsWrongNonce(t *testing.T) {
	c := testCourt()
	_, err := c.FileIntent("prop-1", "alice", "bob", commitment("secret"), "reason", "sig")
	require.NoError(t, err)

	_, err = c.Reveal("prop-1", "alice", "wrong", candidatePool)
	assert.ErrorIs(t, err, ErrCommitmentMismatch)

	_, err = c.Reveal("prop-1", "bob", "secret", candidatePool)
	assert.ErrorIs(t, err, ErrNotParty)
}

func TestRevealSeatsPanelExcludingParties(t *testing.T) {
	c := testCourt()
	_, err := c.FileIntent("prop-1", "alice", "bob", commitment("secret"), "reason", "sig")
	require.NoError(t, err)

	pool := append([]string{"alice", "bob"}, candidatePool...)
	d, err := c.Reveal("prop-1", "alice", "secret", pool)
	require.NoError(t, err)

	assert.Equal(t, StateEvidence, d.State)
	require.Len(t, d.Panel, 3)
	assert.NotContains(t, d.Panel, "alice")
	assert.NotContains(t, d.Panel, "bob")
}

func TestPanelSelectionIsDeterministic(t *testing.T) {
	// Two courts, same nonces: identical panels regardless of candidate
	// order.
	run := func(pool []string) []string {
		c := testCourt()
		d, err := c.FileIntent("prop-1", "alice", "bob", commitment("secret"), "r", "s")
		require.NoError(t, err)
		d.ServerNonce = "fixed-server-nonce"
		c.disputes["prop-1"] = d
		out, err := c.Reveal("prop-1", "alice", "secret", pool)
		require.NoError(t, err)
		return out.Panel
	}

	p1 := run(candidatePool)
	reversed := make([]string, len(candidatePool))
	for i, id := range candidatePool {
		reversed[len(candidatePool)-1-i] = id
	}
	p2 := run(reversed)
	assert.Equal(t, p1, p2)
}

func TestRevealFallsBackWithoutArbiters(t *testing.T) {
	c := NewCourt(DefaultConfig(), stubRatings{
		"arb1": {1000, 10}, // rating too low
		"arb2": {1300, 1},  // too few transactions
	})
	_, err := c.FileIntent("prop-1", "alice", "bob", commitment("secret"), "r", "s")
	require.NoError(t, err)

	d, err := c.Reveal("prop-1", "alice", "secret", []string{"arb1", "arb2"})
	assert.ErrorIs(t, err, ErrInsufficientArbiters)
	assert.Equal(t, StateFallback, d.State)
}

func TestEvidenceAdvancesToDeliberation(t *testing.T) {
	c := testCourt()
	fileAndReveal(t, c)

	d, err := c.SubmitEvidence("prop-1", "alice", []string{"log-a"}, "they never delivered")
	require.NoError(t, err)
	assert.Equal(t, StateEvidence, d.State)

	_, err = c.SubmitEvidence("prop-1", "mallory", nil, "")
	assert.ErrorIs(t, err, ErrNotParty)

	d, err = c.SubmitEvidence("prop-1", "bob", []string{"log-b"}, "payment never arrived")
	require.NoError(t, err)
	assert.Equal(t, StateDeliberation, d.State)
}

func TestEvidenceBounds(t *testing.T) {
	c := testCourt()
	fileAndReveal(t, c)

	tooMany := make([]string, MaxEvidenceItems+1)
	_, err := c.SubmitEvidence("prop-1", "alice", tooMany, "")
	assert.ErrorIs(t, err, ErrBoundsExceeded)

	_, err = c.SubmitEvidence("prop-1", "alice", nil, strings.Repeat("x", MaxStatementChars+1))
	assert.ErrorIs(t, err, ErrBoundsExceeded)
}

func TestMajorityVerdict(t *testing.T) {
	c := testCourt()
	d := fileAndReveal(t, c)
	_, err := c.SubmitEvidence("prop-1", "alice", nil, "a")
	require.NoError(t, err)
	_, err = c.SubmitEvidence("prop-1", "bob", nil, "b")
	require.NoError(t, err)

	_, err = c.CastVerdict("prop-1", "alice", VerdictDisputant, "")
	assert.ErrorIs(t, err, ErrNotArbiter)

	_, err = c.CastVerdict("prop-1", d.Panel[0], VerdictDisputant, "clear breach")
	require.NoError(t, err)
	_, err = c.CastVerdict("prop-1", d.Panel[1], VerdictDisputant, "")
	require.NoError(t, err)
	resolved, err := c.CastVerdict("prop-1", d.Panel[2], VerdictRespondent, "")
	require.NoError(t, err)

	assert.Equal(t, StateResolved, resolved.State)
	assert.Equal(t, VerdictDisputant, resolved.Outcome)

	with, against := resolved.MajorityAgreed()
	assert.Len(t, with, 2)
	assert.Len(t, against, 1)
}

func TestSplitVerdictIsMutual(t *testing.T) {
	c := testCourt()
	d := fileAndReveal(t, c)
	c.SubmitEvidence("prop-1", "alice", nil, "a")
	c.SubmitEvidence("prop-1", "bob", nil, "b")

	c.CastVerdict("prop-1", d.Panel[0], VerdictDisputant, "")
	c.CastVerdict("prop-1", d.Panel[1], VerdictRespondent, "")
	resolved, err := c.CastVerdict("prop-1", d.Panel[2], VerdictMutual, "")
	require.NoError(t, err)

	assert.Equal(t, VerdictMutual, resolved.Outcome)
}

func TestSweepResolvesStalledDeliberation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeliberationWindow = time.Millisecond
	c := NewCourt(cfg, stubRatings{})
	d := fileAndReveal(t, c)
	c.SubmitEvidence("prop-1", "alice", nil, "a")
	c.SubmitEvidence("prop-1", "bob", nil, "b")

	_, err := c.CastVerdict("prop-1", d.Panel[0], VerdictDisputant, "")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	resolved := c.Sweep()
	require.Len(t, resolved, 1)
	assert.Equal(t, StateResolved, resolved[0].State)
	// One ballot cannot reach the two-vote bar: mutual.
	assert.Equal(t, VerdictMutual, resolved[0].Outcome)
}

func TestSweepExpiresUnrevealedIntent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RevealWindow = time.Millisecond
	c := NewCourt(cfg, stubRatings{})
	_, err := c.FileIntent("prop-1", "alice", "bob", commitment("n"), "r", "s")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Empty(t, c.Sweep())
	d, err := c.Get("prop-1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, d.State)
}

func TestIntentContent(t *testing.T) {
	assert.Equal(t, "DISPUTE_INTENT|prop-1|abc|late delivery",
		string(IntentContent("prop-1", "abc", "late delivery")))
}
