package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentchat/backend/internal/config"
)

// Version is reported by the health endpoint.
const Version = "1.2.0"

// Server owns the HTTP listener: the WebSocket endpoint, health, and
// metrics.
type Server struct {
	cfg      *config.Config
	router   *Router
	upgrader websocket.Upgrader

	httpSrv *http.Server
	cancel  context.CancelFunc
}

// New builds the HTTP server around a wired router.
func New(cfg *config.Config, router *Router) *Server {
	s := &Server{
		cfg:    cfg,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from anywhere; identity comes from keys,
			// not origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	m := mux.NewRouter()
	m.HandleFunc("/ws", s.handleWS)
	m.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	m.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the sweeps and serves until Shutdown. Blocks.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.router.StartSweeps(ctx)

	slog.Info("relay listening", "addr", s.httpSrv.Addr, "tls", s.cfg.TLS.Enabled())
	var err error
	if s.cfg.TLS.Enabled() {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, halts the sweeps, flushes the
// rating snapshot, and closes every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down")
	if s.cancel != nil {
		s.cancel()
	}
	err := s.httpSrv.Shutdown(ctx)

	if ferr := s.router.reps.Flush(); ferr != nil {
		slog.Error("rating snapshot flush failed", "error", ferr)
		if err == nil {
			err = ferr
		}
	}
	for _, sess := range s.router.hub.Sessions() {
		sess.Close()
	}
	return err
}

// handleWS upgrades the connection and starts the session pumps.
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Debug("upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	ip, _, splitErr := net.SplitHostPort(req.RemoteAddr)
	if splitErr != nil {
		ip = req.RemoteAddr
	}

	sess := newSession(s.router, conn, ip)
	if !s.router.hub.TrackConn(sess) {
		slog.Warn("connection cap reached for ip", "ip", ip)
		conn.Close()
		return
	}
	s.router.metrics.ConnectionsOpen.Inc()

	go sess.writePump()
	go sess.readPump()
}

// handleHealth returns the liveness snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	conns, identified := s.router.hub.Counts()
	totalCh, publicCh := s.router.hub.ChannelStats()

	snapshot := map[string]interface{}{
		"status":         "ok",
		"server":         s.cfg.Server.Name,
		"version":        Version,
		"started_at":     s.router.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.router.startedAt).Seconds()),
		"agents": map[string]int{
			"connected":     conns,
			"with_identity": identified,
		},
		"channels": map[string]int{
			"total":  totalCh,
			"public": publicCh,
		},
		"proposals": s.router.props.Stats(),
		"timestamp": time.Now().UnixMilli(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
