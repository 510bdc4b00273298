package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/backend/internal/config"
	"github.com/agentchat/backend/internal/floor"
	"github.com/agentchat/backend/internal/identity"
	"github.com/agentchat/backend/internal/moderation"
	"github.com/agentchat/backend/internal/proposal"
	"github.com/agentchat/backend/internal/protocol"
	"github.com/agentchat/backend/internal/reputation"
	"github.com/agentchat/backend/internal/skills"
)

type testStack struct {
	ws     *httptest.Server
	srv    *Server
	router *Router
}

func newTestStack(t *testing.T, mutate func(*config.Config)) *testStack {
	t.Helper()
	cfg := config.Default()
	cfg.Ratings.Path = ""
	if mutate != nil {
		mutate(cfg)
	}

	reps := reputation.NewStore("")
	props := proposal.NewStore()
	reg := skills.NewRegistry(reps)
	fc := floor.NewController(time.Second)
	mods := moderation.NewPipeline()
	hub := NewHub(cfg.Limits.MessageBufferSize, cfg.Limits.MaxConnectionsPerIP, DefaultChannels)
	metrics := NewMetrics(prometheus.NewRegistry())
	router := NewRouter(cfg, hub, reps, props, reg, fc, mods, nil, metrics,
		"welcome to the test relay", nil, nil)
	srv := New(cfg, router)

	ws := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ws.Close)
	return &testStack{ws: ws, srv: srv, router: router}
}

func (ts *testStack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.ws.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, fields map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(fields))
}

// recvType reads frames until one of the wanted type arrives, skipping
// heartbeats and presence noise.
func recvType(t *testing.T, conn *websocket.Conn, frameType string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", frameType)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func identifyEphemeral(t *testing.T, conn *websocket.Conn, name string) string {
	t.Helper()
	send(t, conn, map[string]interface{}{"type": protocol.TypeIdentify, "name": name})
	welcome := recvType(t, conn, protocol.TypeWelcome)
	return welcome["agent_id"].(string)
}

func TestEphemeralIdentify(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)

	send(t, conn, map[string]interface{}{"type": protocol.TypeIdentify, "name": "scout"})
	welcome := recvType(t, conn, protocol.TypeWelcome)

	assert.Regexp(t, "^@[a-z0-9]{8}$", welcome["agent_id"])
	assert.Equal(t, "scout", welcome["name"])
	assert.Equal(t, false, welcome["keyed"])
	assert.Equal(t, float64(reputation.DefaultRating), welcome["rating"])
	assert.Equal(t, "welcome to the test relay", welcome["motd"])
}

func TestKeyedIdentifyChallengeFlow(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)

	kp, err := identity.Generate()
	require.NoError(t, err)
	pubPEM, err := identity.EncodePublicKeyPEM(kp.Public)
	require.NoError(t, err)

	send(t, conn, map[string]interface{}{
		"type": protocol.TypeIdentify, "name": "signer", "pubkey": pubPEM,
	})
	challenge := recvType(t, conn, protocol.TypeChallenge)
	nonce := challenge["nonce"].(string)
	challengeID := challenge["challenge_id"].(string)
	assert.Len(t, nonce, 32)

	now := time.Now().UnixMilli()
	sig := identity.Sign(kp.Private, protocol.AuthSigningContent(nonce, challengeID, now))
	send(t, conn, map[string]interface{}{
		"type":         protocol.TypeVerifyIdentity,
		"challenge_id": challengeID,
		"signature":    sig,
		"timestamp":    now,
	})

	welcome := recvType(t, conn, protocol.TypeWelcome)
	assert.Equal(t, protocol.WireID(identity.AgentID(pubPEM)), welcome["agent_id"])
	assert.Equal(t, true, welcome["keyed"])
}

func TestKeyedIdentifyRejectsBadSignature(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)

	kp, err := identity.Generate()
	require.NoError(t, err)
	pubPEM, err := identity.EncodePublicKeyPEM(kp.Public)
	require.NoError(t, err)

	send(t, conn, map[string]interface{}{
		"type": protocol.TypeIdentify, "name": "forger", "pubkey": pubPEM,
	})
	challenge := recvType(t, conn, protocol.TypeChallenge)

	other, err := identity.Generate()
	require.NoError(t, err)
	now := time.Now().UnixMilli()
	sig := identity.Sign(other.Private, protocol.AuthSigningContent(
		challenge["nonce"].(string), challenge["challenge_id"].(string), now))
	send(t, conn, map[string]interface{}{
		"type":         protocol.TypeVerifyIdentity,
		"challenge_id": challenge["challenge_id"],
		"signature":    sig,
		"timestamp":    now,
	})

	errFrame := recvType(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.CodeVerificationFailed, errFrame["code"])
}

func TestAuthRequiredBeforeDispatch(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)

	send(t, conn, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#general"})
	errFrame := recvType(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.CodeAuthRequired, errFrame["code"])
}

func TestChannelMessageRelay(t *testing.T) {
	ts := newTestStack(t, nil)
	alice := ts.dial(t)
	bob := ts.dial(t)

	aliceID := identifyEphemeral(t, alice, "alice")
	identifyEphemeral(t, bob, "bob")

	send(t, alice, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#general"})
	joined := recvType(t, alice, protocol.TypeJoined)
	assert.Equal(t, "#general", joined["channel"])
	assert.Contains(t, joined["agents"], aliceID)

	send(t, bob, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#general"})
	recvType(t, bob, protocol.TypeJoined)
	arrival := recvType(t, alice, protocol.TypeAgentJoined)
	assert.Equal(t, "#general", arrival["channel"])

	send(t, alice, map[string]interface{}{
		"type": protocol.TypeMsg, "to": "#general", "content": "hello agents",
	})
	msg := recvType(t, bob, protocol.TypeMsg)
	assert.Equal(t, aliceID, msg["from"])
	assert.Equal(t, "hello agents", msg["content"])
	assert.NotEmpty(t, msg["msg_id"])

	// The sender receives its own frame back with the assigned msg_id.
	echo := recvType(t, alice, protocol.TypeMsg)
	assert.Equal(t, aliceID, echo["from"])
	assert.Equal(t, "hello agents", echo["content"])
	assert.Equal(t, msg["msg_id"], echo["msg_id"])
}

func TestDirectMessageEcho(t *testing.T) {
	ts := newTestStack(t, nil)
	alice := ts.dial(t)
	bob := ts.dial(t)

	aliceID := identifyEphemeral(t, alice, "alice")
	bobID := identifyEphemeral(t, bob, "bob")

	send(t, alice, map[string]interface{}{
		"type": protocol.TypeMsg, "to": bobID, "content": "psst",
	})
	delivered := recvType(t, bob, protocol.TypeMsg)
	assert.Equal(t, aliceID, delivered["from"])
	assert.Equal(t, "psst", delivered["content"])

	echo := recvType(t, alice, protocol.TypeMsg)
	assert.Equal(t, "psst", echo["content"])
	assert.Equal(t, delivered["msg_id"], echo["msg_id"])
}

func TestReplayOnJoin(t *testing.T) {
	ts := newTestStack(t, nil)
	alice := ts.dial(t)
	aliceID := identifyEphemeral(t, alice, "alice")

	send(t, alice, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#random"})
	recvType(t, alice, protocol.TypeJoined)
	send(t, alice, map[string]interface{}{
		"type": protocol.TypeMsg, "to": "#random", "content": "for the record",
	})

	// Give the broadcast a moment to land in the ring.
	time.Sleep(50 * time.Millisecond)

	bob := ts.dial(t)
	identifyEphemeral(t, bob, "bob")
	send(t, bob, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#random"})
	recvType(t, bob, protocol.TypeJoined)

	replayed := recvType(t, bob, protocol.TypeMsg)
	assert.Equal(t, "for the record", replayed["content"])
	assert.Equal(t, aliceID, replayed["from"])
	assert.Equal(t, true, replayed["replay"])
}

func TestDirectMessageToOfflineAgent(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)
	identifyEphemeral(t, conn, "loner")

	send(t, conn, map[string]interface{}{
		"type": protocol.TypeMsg, "to": "@nobody99", "content": "anyone there?",
	})
	errFrame := recvType(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.CodeAgentNotFound, errFrame["code"])
}

func TestMsgThrottle(t *testing.T) {
	ts := newTestStack(t, nil) // default 1000ms interval
	conn := ts.dial(t)
	identifyEphemeral(t, conn, "chatter")

	send(t, conn, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#general"})
	recvType(t, conn, protocol.TypeJoined)

	send(t, conn, map[string]interface{}{
		"type": protocol.TypeMsg, "to": "#general", "content": "one",
	})
	send(t, conn, map[string]interface{}{
		"type": protocol.TypeMsg, "to": "#general", "content": "two",
	})
	limited := recvType(t, conn, protocol.TypeRateLimited)
	assert.Equal(t, "message rate exceeded", limited["reason"])
}

func TestInviteOnlyChannelFlow(t *testing.T) {
	ts := newTestStack(t, nil)
	owner := ts.dial(t)
	guest := ts.dial(t)

	identifyEphemeral(t, owner, "owner")
	guestID := identifyEphemeral(t, guest, "guest")

	send(t, owner, map[string]interface{}{
		"type": protocol.TypeCreateChannel, "channel": "#private", "invite_only": true,
	})
	recvType(t, owner, protocol.TypeChannelCreated)

	send(t, guest, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#private"})
	errFrame := recvType(t, guest, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotInvited, errFrame["code"])

	send(t, owner, map[string]interface{}{
		"type": protocol.TypeInvite, "channel": "#private", "agent": guestID,
	})
	recvType(t, guest, protocol.TypeInvited)

	send(t, guest, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#private"})
	joined := recvType(t, guest, protocol.TypeJoined)
	assert.Equal(t, "#private", joined["channel"])
}

func TestSessionDisplacement(t *testing.T) {
	ts := newTestStack(t, nil)

	kp, err := identity.Generate()
	require.NoError(t, err)
	pubPEM, err := identity.EncodePublicKeyPEM(kp.Public)
	require.NoError(t, err)

	identifyKeyed := func(conn *websocket.Conn) string {
		send(t, conn, map[string]interface{}{
			"type": protocol.TypeIdentify, "name": "dual", "pubkey": pubPEM,
		})
		challenge := recvType(t, conn, protocol.TypeChallenge)
		now := time.Now().UnixMilli()
		sig := identity.Sign(kp.Private, protocol.AuthSigningContent(
			challenge["nonce"].(string), challenge["challenge_id"].(string), now))
		send(t, conn, map[string]interface{}{
			"type":         protocol.TypeVerifyIdentity,
			"challenge_id": challenge["challenge_id"],
			"signature":    sig,
			"timestamp":    now,
		})
		return recvType(t, conn, protocol.TypeWelcome)["agent_id"].(string)
	}

	first := ts.dial(t)
	id1 := identifyKeyed(first)
	second := ts.dial(t)
	id2 := identifyKeyed(second)
	assert.Equal(t, id1, id2)

	displaced := recvType(t, first, protocol.TypeSessionDisplaced)
	assert.NotEmpty(t, displaced["reason"])
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)
	identifyEphemeral(t, conn, "probe")

	rec := httptest.NewRecorder()
	ts.srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, "ok", snapshot["status"])
	assert.Equal(t, Version, snapshot["version"])

	agents := snapshot["agents"].(map[string]interface{})
	assert.Equal(t, float64(1), agents["with_identity"])
	channels := snapshot["channels"].(map[string]interface{})
	assert.Equal(t, float64(len(DefaultChannels)), channels["total"])
}

func TestSkillsRegisterAndSearch(t *testing.T) {
	ts := newTestStack(t, nil)
	conn := ts.dial(t)

	kp, err := identity.Generate()
	require.NoError(t, err)
	pubPEM, err := identity.EncodePublicKeyPEM(kp.Public)
	require.NoError(t, err)

	send(t, conn, map[string]interface{}{
		"type": protocol.TypeIdentify, "name": "vendor", "pubkey": pubPEM,
	})
	challenge := recvType(t, conn, protocol.TypeChallenge)
	now := time.Now().UnixMilli()
	sig := identity.Sign(kp.Private, protocol.AuthSigningContent(
		challenge["nonce"].(string), challenge["challenge_id"].(string), now))
	send(t, conn, map[string]interface{}{
		"type": protocol.TypeVerifyIdentity, "challenge_id": challenge["challenge_id"],
		"signature": sig, "timestamp": now,
	})
	recvType(t, conn, protocol.TypeWelcome)

	skillSet := []protocol.Skill{{Capability: "translation", Rate: 5, Currency: "USDC"}}
	payload, err := json.Marshal(skillSet)
	require.NoError(t, err)
	send(t, conn, map[string]interface{}{
		"type":   protocol.TypeRegisterSkills,
		"skills": skillSet,
		"sig":    identity.Sign(kp.Private, payload),
	})
	registered := recvType(t, conn, protocol.TypeSkillsRegistered)
	assert.Equal(t, float64(1), registered["count"])

	send(t, conn, map[string]interface{}{
		"type":  protocol.TypeSearchSkills,
		"query": map[string]interface{}{"capability": "trans"},
	})
	result := recvType(t, conn, protocol.TypeSkillsResult)
	assert.Equal(t, float64(1), result["total"])
}

func TestSkillRegistrationAnnouncedInDiscovery(t *testing.T) {
	ts := newTestStack(t, nil)
	listener := ts.dial(t)
	identifyEphemeral(t, listener, "listener")
	send(t, listener, map[string]interface{}{"type": protocol.TypeJoin, "channel": "#discovery"})
	recvType(t, listener, protocol.TypeJoined)

	vendor := newKeyedClient(t, ts, "vendor")
	skillSet := []protocol.Skill{{Capability: "auditing", Rate: 12, Currency: "USDC"}}
	payload, err := json.Marshal(skillSet)
	require.NoError(t, err)
	send(t, vendor.conn, map[string]interface{}{
		"type":   protocol.TypeRegisterSkills,
		"skills": skillSet,
		"sig":    identity.Sign(vendor.kp.Private, payload),
	})
	recvType(t, vendor.conn, protocol.TypeSkillsRegistered)

	announcement := recvType(t, listener, protocol.TypeMsg)
	assert.Equal(t, "@server", announcement["from"])
	assert.Equal(t, "#discovery", announcement["to"])
	assert.Equal(t, vendor.id, announcement["agent"])
	assert.Contains(t, announcement["content"], "auditing")
}
