// Package server implements the rendezvous signaling transport: it
// accepts WebSocket connections, registers them as sessions, dispatches
// matchmaking and handshake messages, and cleans up on disconnect. It is
// the only server-side component doing network I/O.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/peepel/rendezvous/internal/logging"
	"github.com/peepel/rendezvous/internal/protocol"
	"github.com/peepel/rendezvous/internal/registry"
	"github.com/peepel/rendezvous/internal/relay"
)

var log = logging.WithComponent("server")

// Config holds the signaling server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// HeartbeatInterval is the expected client ping cadence. Sessions
	// silent for two intervals are reaped.
	HeartbeatInterval time.Duration

	// AllowedOrigins restricts browser clients. Empty means all origins
	// are accepted; non-browser clients (no Origin header) always are.
	AllowedOrigins []string

	// ICEServers is handed to every client in the connected message.
	// Empty falls back to the STUN-only default list.
	ICEServers []webrtc.ICEServer

	// Rate limiting for the upgrade endpoint.
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		HeartbeatInterval: 30 * time.Second,
		RateLimitMax:      30,
		RateLimitWindow:   time.Minute,
	}
}

// Server pairs anonymous clients and relays their WebRTC handshakes.
type Server struct {
	cfg      Config
	reg      *registry.Registry
	mm       *registry.Matchmaker
	rly      *relay.Relay
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a server over a fresh registry and starts the session
// reaper. Call Close (or Shutdown) to release the background work.
func New(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 30
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = protocol.DefaultICEServers()
	}

	reg := registry.New()
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		mm:      registry.NewMatchmaker(reg),
		rly:     relay.New(reg),
		limiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		stop:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	go s.reapLoop()
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Sessions reports the number of live sessions.
func (s *Server) Sessions() int {
	return s.reg.Len()
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Start binds the listen address and serves until Shutdown. Failure to
// bind is the only fatal condition; everything after that is isolated
// per session.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	log.Info("signaling server listening", logging.F("addr", s.cfg.Addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
}

// Shutdown gracefully stops the HTTP server and background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Close stops the reaper and rate limiter. Safe to call multiple times.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.limiter.Stop()
	})
}

// wsConn adapts a gorilla connection to the registry's transport handle.
// Gorilla conns allow only one concurrent writer; the mutex serializes
// the read-loop replies, relay deliveries and reaper notifications.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// HandleWebSocket upgrades a connection and runs its session until the
// transport closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.Allow(ip) {
		log.Warn("rate limit exceeded", logging.F("ip", ip))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.F("ip", ip, "error", err.Error()))
		return
	}

	sess := s.reg.Register(&wsConn{conn: conn})
	log.Info("session connected", logging.F("session", sess.ID, "ip", ip))

	if err := sess.Send(protocol.Connected(sess.ID, s.cfg.ICEServers)); err != nil {
		s.disconnect(sess)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.disconnect(sess)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed input is isolated to this session; the
			// connection stays up.
			log.Debug("malformed message", logging.F("session", sess.ID))
			sess.Send(protocol.ErrorReply("malformed message"))
			continue
		}

		s.reg.Heartbeat(sess.ID)
		s.dispatch(sess, msg)
	}
}

func (s *Server) dispatch(sess *registry.Session, msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindFindPeer:
		s.handleFindPeer(sess)

	case protocol.KindOffer, protocol.KindAnswer, protocol.KindCandidate:
		if err := s.rly.Forward(sess.ID, msg); err != nil {
			sess.Send(protocol.ErrorReply("not paired"))
		}

	case protocol.KindPing:
		sess.Send(protocol.Pong())

	default:
		// Unknown kinds are ignored for forward compatibility.
		log.Debug("ignoring unknown message kind", logging.F("session", sess.ID))
	}
}

func (s *Server) handleFindPeer(sess *registry.Session) {
	match, err := s.mm.Request(sess.ID)
	if err != nil {
		// Invariant violation; reject loudly without touching anything.
		log.Error("pairing rejected", logging.F("session", sess.ID, "error", err.Error()))
		sess.Send(protocol.ErrorReply("pairing failed"))
		return
	}
	if match == nil {
		sess.Send(protocol.Waiting())
		return
	}

	log.Info("peers matched", logging.F(
		"initiator", match.Initiator.ID,
		"responder", match.Responder.ID,
	))
	match.Initiator.Send(protocol.PeerFound(match.Responder.ID, true))
	match.Responder.Send(protocol.PeerFound(match.Initiator.ID, false))
}

// disconnect tears a session down and notifies its former peer, if any.
func (s *Server) disconnect(sess *registry.Session) {
	peer := s.reg.Unregister(sess.ID)
	sess.Close()
	log.Info("session disconnected", logging.F("session", sess.ID))

	if peer != nil {
		peer.Send(protocol.PeerDisconnected(sess.ID))
	}
}

// reapLoop unregisters sessions with no liveness signal for two
// heartbeat intervals, bounding the cost of half-open transports.
func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		for _, sess := range s.reg.Expired(2 * s.cfg.HeartbeatInterval) {
			log.Warn("reaping silent session", logging.F("session", sess.ID))
			s.disconnect(sess)
		}
	}
}
