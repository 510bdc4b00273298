package server

import (
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentchat/backend/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// authChallenge is the pending IDENTIFY challenge bound to one connection.
type authChallenge struct {
	ID      string
	Nonce   string
	Expires time.Time
}

// Session is one live WebSocket connection. All writes go through the send
// channel to the writePump goroutine; readPump is the only reader. Handlers
// run on the readPump goroutine, one frame at a time, so per-frame handler
// state needs no extra locking; the mutex covers fields read by sweeps and
// by other connections' handlers.
type Session struct {
	router *Router
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	remoteIP    string
	connectedAt time.Time
	lastPong    atomic.Int64 // unix ms

	preAuth *slidingWindow
	frames  *slidingWindow
	msgs    *msgThrottle

	mu         sync.Mutex
	id         string
	name       string
	nick       string
	pubkeyPEM  string
	pubkey     ed25519.PublicKey
	identified bool
	admin      bool
	presence   string
	statusText string
	channels   map[string]bool
	challenge  *authChallenge
	muteUntil  time.Time
}

func newSession(r *Router, conn *websocket.Conn, remoteIP string) *Session {
	s := &Session{
		router:      r,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		remoteIP:    remoteIP,
		connectedAt: time.Now(),
		preAuth:     newSlidingWindow(preAuthFrames, windowSpan),
		frames:      newSlidingWindow(postAuthFrames, windowSpan),
		msgs:        newMsgThrottle(time.Duration(r.cfg.Limits.RateLimitMs) * time.Millisecond),
		presence:    protocol.PresenceOnline,
		channels:    make(map[string]bool),
	}
	s.lastPong.Store(time.Now().UnixMilli())
	return s
}

// ID returns the agent id ("" until identified).
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Identified reports whether IDENTIFY (and any challenge) completed.
func (s *Session) Identified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identified
}

// Pubkey returns the cached Ed25519 key and its PEM form.
func (s *Session) Pubkey() (ed25519.PublicKey, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pubkey, s.pubkeyPEM
}

// DisplayName returns the nickname when set, else the display name.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nick != "" {
		return s.nick
	}
	return s.name
}

// Presence returns the current presence state and status text.
func (s *Session) Presence() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence, s.statusText
}

// Send marshals and queues an outbound frame. Best-effort: a saturated
// buffer drops the frame rather than blocking the caller's fan-out.
func (s *Session) Send(f protocol.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("frame marshal failed", "error", err)
		return
	}
	s.SendRaw(data)
}

// SendRaw queues pre-marshaled bytes.
func (s *Session) SendRaw(data []byte) {
	select {
	case s.send <- data:
	default:
		s.router.metrics.DroppedFrames.Inc()
		slog.Warn("send buffer full, dropping frame", "agent", s.ID())
	}
}

// close shuts the session down exactly once: disconnect cleanup first, then
// the socket.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.router.handleDisconnect(s)
		s.conn.Close()
	})
}

// Close terminates the session from outside the pumps (displacement,
// heartbeat timeout, kick).
func (s *Session) Close() { s.close() }

// writePump owns all writes to the connection: queued frames and the
// keepalive pings. Exactly one goroutine per session.
func (s *Session) writePump() {
	interval := time.Duration(s.router.cfg.Timeouts.HeartbeatIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Drain what queued while we were writing.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// readPump owns all reads. Each frame is validated and dispatched to
// completion before the next is read, giving the per-connection sequential
// semantics the handlers rely on.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(int64(s.router.cfg.Limits.MaxFrameBytes))
	timeout := time.Duration(s.router.cfg.Timeouts.HeartbeatIntervalMs+s.router.cfg.Timeouts.HeartbeatTimeoutMs) * time.Millisecond
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixMilli())
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("read error", "agent", s.ID(), "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		if !s.router.HandleFrame(s, payload) {
			return
		}
	}
}

// staleSince reports whether the peer has not answered a ping since the
// cutoff.
func (s *Session) staleSince(cutoff time.Time) bool {
	return s.lastPong.Load() < cutoff.UnixMilli()
}
