// Package client implements the browser-equivalent side of the
// rendezvous protocol: a signaling channel that survives physical
// reconnects, and a connection state machine that drives the WebRTC
// offer/answer/ICE exchange over it.
package client

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/peepel/rendezvous/internal/logging"
	"github.com/peepel/rendezvous/internal/protocol"
)

var (
	// ErrNotConnected means the operation requires a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrPeerMismatch means a handshake send named a peer other than
	// the currently matched one. Stale sends after peer_disconnected
	// are blocked this way.
	ErrPeerMismatch = errors.New("peer id does not match current peer")
)

var chanLog = logging.WithComponent("channel")

// State is the channel's logical connection state. Searching and Matched
// decorate Connected: the transport is up and an application sub-state
// gates which sends are valid.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSearching
	StateMatched
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSearching:
		return "searching"
	case StateMatched:
		return "matched"
	default:
		return "unknown"
	}
}

// Config holds channel tunables. The zero value of any field selects
// its default.
type Config struct {
	// URL is the signaling endpoint, e.g. "ws://host:8080/ws".
	URL string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// PingInterval is the heartbeat cadence (default 15s).
	PingInterval time.Duration

	// QueueTimeout bounds how long a find_peer request stays pending
	// before the caller is told nobody showed up (default 30s).
	QueueTimeout time.Duration

	// Reconnect policy: exponential backoff from ReconnectBase (1s)
	// capped at ReconnectMax (10s), at most MaxReconnectAttempts (5)
	// automatic attempts before giving up until an explicit Connect.
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

func (c *Config) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10 * time.Second
	}
}

// Channel is the client's logical connection to the signaling server.
// It reconnects with backoff, queues outgoing messages while offline,
// and delivers every inbound message to a single registered callback.
type Channel struct {
	cfg Config

	mu         sync.Mutex
	conn       *websocket.Conn
	state      State
	userID     string
	peerID     string
	iceServers []webrtc.ICEServer
	pending    []protocol.Message
	onMessage  func(protocol.Message)
	closed     bool
	gen        int

	attempts       int
	backoff        *Backoff
	reconnectTimer *time.Timer
	queueTimer     *time.Timer
	pingStop       chan struct{}

	writeMu sync.Mutex
}

// NewChannel creates a channel; no connection is opened until Connect
// or the first Send.
func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg: cfg,
		backoff: &Backoff{
			Initial:    cfg.ReconnectBase,
			Max:        cfg.ReconnectMax,
			Multiplier: 2.0,
		},
	}
}

// OnMessage registers the dispatch target for all inbound messages,
// replacing any previous registration. The channel supports one active
// listener.
func (c *Channel) OnMessage(cb func(protocol.Message)) {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
}

// State returns the current logical connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the session id assigned by the server, once connected.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// PeerID returns the currently matched peer, if any.
func (c *Channel) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// ICEServers returns the ICE configuration delivered by the server, or
// the STUN-only fallback before the bootstrap arrives.
func (c *Channel) ICEServers() []webrtc.ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.iceServers) == 0 {
		return protocol.DefaultICEServers()
	}
	return c.iceServers
}

// ReconnectAttempts reports automatic reconnect attempts made since the
// last successful connection.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the transport. It is a no-op while connecting or
// connected. The reconnect budget resets on every successful connect.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.backoff.Reset()
	queued := c.pending
	c.pending = nil
	stop := make(chan struct{})
	c.pingStop = stop
	c.mu.Unlock()

	go c.readPump(conn, gen)
	go c.pingLoop(conn, stop)

	// Flush the offline queue in FIFO order.
	for _, msg := range queued {
		if err := c.write(conn, msg); err != nil {
			break // the read pump will notice and reconnect
		}
	}
	return nil
}

// Send transmits a message, queueing it (and triggering a connect) when
// the transport is down. Queued messages flush in FIFO order.
func (c *Channel) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.state >= StateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return c.write(conn, msg)
	}
	c.pending = append(c.pending, msg)
	c.mu.Unlock()

	go c.Connect()
	return nil
}

// FindPeer asks the server for a pairing. If nobody is matched within
// the queue timeout, a synthetic error event is delivered and the
// channel drops back to plain connected.
func (c *Channel) FindPeer() error {
	c.mu.Lock()
	if c.state < StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil // already searching or matched
	}
	c.state = StateSearching
	c.stopQueueTimerLocked()
	c.queueTimer = time.AfterFunc(c.cfg.QueueTimeout, c.queueTimeout)
	c.mu.Unlock()

	return c.Send(protocol.Message{Kind: protocol.KindFindPeer})
}

func (c *Channel) queueTimeout() {
	c.mu.Lock()
	if c.state != StateSearching {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	cb := c.onMessage
	c.mu.Unlock()

	chanLog.Info("no peer found before queue timeout")
	if cb != nil {
		cb(protocol.ErrorReply("no peer found before timeout"))
	}
}

// SendOffer forwards a local SDP offer to the matched peer. The peer id
// must name the currently tracked peer.
func (c *Channel) SendOffer(peerID string, sdp webrtc.SessionDescription) error {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	if err := c.checkMatched(peerID); err != nil {
		return err
	}
	return c.Send(protocol.Message{Kind: protocol.KindOffer, PeerID: peerID, Offer: payload})
}

// SendAnswer forwards a local SDP answer to the matched peer.
func (c *Channel) SendAnswer(peerID string, sdp webrtc.SessionDescription) error {
	payload, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	if err := c.checkMatched(peerID); err != nil {
		return err
	}
	return c.Send(protocol.Message{Kind: protocol.KindAnswer, PeerID: peerID, Answer: payload})
}

// SendCandidate forwards a local ICE candidate to the matched peer.
func (c *Channel) SendCandidate(peerID string, cand webrtc.ICECandidateInit) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return err
	}
	if err := c.checkMatched(peerID); err != nil {
		return err
	}
	return c.Send(protocol.Message{Kind: protocol.KindCandidate, PeerID: peerID, Candidate: payload})
}

func (c *Channel) checkMatched(peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateMatched || peerID == "" || peerID != c.peerID {
		return ErrPeerMismatch
	}
	return nil
}

// Disconnect closes the transport and resets all state. No automatic
// reconnection follows an intentional disconnect. Safe to call multiple
// times.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.userID = ""
	c.peerID = ""
	c.pending = nil
	c.attempts = 0
	c.backoff.Reset()
	c.stopQueueTimerLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) stopQueueTimerLocked() {
	if c.queueTimer != nil {
		c.queueTimer.Stop()
		c.queueTimer = nil
	}
}

func (c *Channel) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readPump(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.pumpClosed(gen)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			chanLog.Debug("dropping malformed server message")
			continue
		}
		c.handleInbound(msg)
	}
}

// handleInbound tracks connection sub-state before handing the message
// to the registered listener.
func (c *Channel) handleInbound(msg protocol.Message) {
	c.mu.Lock()
	switch msg.Kind {
	case protocol.KindConnected:
		c.userID = msg.UserID
		if len(msg.ICEServers) > 0 {
			c.iceServers = msg.ICEServers
		}
	case protocol.KindPeerFound:
		c.peerID = msg.PeerID
		if c.state >= StateConnected {
			c.state = StateMatched
		}
		c.stopQueueTimerLocked()
	case protocol.KindPeerDisconnected:
		c.peerID = ""
		if c.state >= StateConnected {
			c.state = StateConnected
		}
	}
	cb := c.onMessage
	c.mu.Unlock()

	if cb != nil && msg.Kind != protocol.KindPong {
		cb(msg)
	}
}

// pumpClosed runs when the read pump observes a transport failure.
func (c *Channel) pumpClosed(gen int) {
	c.mu.Lock()
	if c.gen != gen {
		// A newer connection replaced this one; nothing to do.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.peerID = ""
	c.stopQueueTimerLocked()
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
	intentional := c.closed
	c.mu.Unlock()

	if !intentional {
		chanLog.Warn("signaling connection lost")
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the next automatic attempt, or gives up once
// the budget is spent. A later explicit Connect starts a fresh budget.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state != StateDisconnected {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		chanLog.Error("reconnect attempts exhausted",
			logging.F("attempts", strconv.Itoa(c.attempts)))
		return
	}
	c.attempts++
	delay := c.backoff.Next()
	chanLog.Info("reconnecting", logging.F(
		"attempt", strconv.Itoa(c.attempts),
		"delay", delay.String(),
	))
	c.reconnectTimer = time.AfterFunc(delay, func() { c.Connect() })
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		// A failed ping is left to the read pump to notice.
		c.write(conn, protocol.Message{Kind: protocol.KindPing})
	}
}

