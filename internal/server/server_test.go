package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peepel/rendezvous/internal/protocol"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 1000
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return msg
}

// connect dials and consumes the connected bootstrap, returning the
// assigned session id.
func connect(t *testing.T, ts *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, ts)
	msg := readMsg(t, conn)
	if msg.Kind != protocol.KindConnected {
		t.Fatalf("first message kind = %q, want connected", msg.Kind)
	}
	if msg.UserID == "" {
		t.Fatal("connected message must carry a session id")
	}
	return conn, msg.UserID
}

func TestConnectedCarriesICEConfig(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn := dial(t, ts)

	msg := readMsg(t, conn)
	if msg.Kind != protocol.KindConnected {
		t.Fatalf("kind = %q, want connected", msg.Kind)
	}
	if len(msg.ICEServers) != len(protocol.DefaultICEServers()) {
		t.Errorf("iceServers = %d entries, want default STUN list", len(msg.ICEServers))
	}
}

func TestFindPeerAloneGetsWaiting(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn, _ := connect(t, ts)

	writeMsg(t, conn, protocol.Message{Kind: protocol.KindFindPeer})
	msg := readMsg(t, conn)
	if msg.Kind != protocol.KindWaiting {
		t.Fatalf("kind = %q, want waiting", msg.Kind)
	}
}

func TestEndToEndPairingAndRelay(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	connX, idX := connect(t, ts)
	connY, idY := connect(t, ts)

	// X queues first and is told to wait.
	writeMsg(t, connX, protocol.Message{Kind: protocol.KindFindPeer})
	if msg := readMsg(t, connX); msg.Kind != protocol.KindWaiting {
		t.Fatalf("X first reply = %q, want waiting", msg.Kind)
	}

	// Y's request matches the pair. The waiting side initiates.
	writeMsg(t, connY, protocol.Message{Kind: protocol.KindFindPeer})

	foundX := readMsg(t, connX)
	if foundX.Kind != protocol.KindPeerFound || foundX.PeerID != idY || !foundX.Initiator {
		t.Fatalf("X got %+v, want peer_found{peerId:%s, initiator:true}", foundX, idY)
	}
	foundY := readMsg(t, connY)
	if foundY.Kind != protocol.KindPeerFound || foundY.PeerID != idX || foundY.Initiator {
		t.Fatalf("Y got %+v, want peer_found{peerId:%s, initiator:false}", foundY, idX)
	}

	// X offers, Y answers; payloads pass through verbatim tagged with
	// the sender's id.
	offer := json.RawMessage(`{"type":"offer","sdp":"v=0 X"}`)
	writeMsg(t, connX, protocol.Message{Kind: protocol.KindOffer, PeerID: idY, Offer: offer})

	gotOffer := readMsg(t, connY)
	if gotOffer.Kind != protocol.KindOffer || gotOffer.PeerID != idX {
		t.Fatalf("Y got %+v, want offer from %s", gotOffer, idX)
	}
	if string(gotOffer.Data) != string(offer) {
		t.Errorf("offer payload = %s, want %s", gotOffer.Data, offer)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0 Y"}`)
	writeMsg(t, connY, protocol.Message{Kind: protocol.KindAnswer, PeerID: idX, Answer: answer})

	gotAnswer := readMsg(t, connX)
	if gotAnswer.Kind != protocol.KindAnswer || gotAnswer.PeerID != idY {
		t.Fatalf("X got %+v, want answer from %s", gotAnswer, idY)
	}
	if string(gotAnswer.Data) != string(answer) {
		t.Errorf("answer payload = %s, want %s", gotAnswer.Data, answer)
	}
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	srv, ts := newTestServer(t, Config{})

	connX, idX := connect(t, ts)
	connY, _ := connect(t, ts)

	writeMsg(t, connX, protocol.Message{Kind: protocol.KindFindPeer})
	readMsg(t, connX) // waiting
	writeMsg(t, connY, protocol.Message{Kind: protocol.KindFindPeer})
	readMsg(t, connX) // peer_found
	readMsg(t, connY) // peer_found

	connX.Close()

	msg := readMsg(t, connY)
	if msg.Kind != protocol.KindPeerDisconnected {
		t.Fatalf("kind = %q, want peer_disconnected", msg.Kind)
	}
	if msg.PeerID != idX {
		t.Errorf("peerId = %q, want departed session %q", msg.PeerID, idX)
	}

	// X's session id must no longer resolve.
	deadline := time.Now().Add(2 * time.Second)
	for srv.Sessions() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Sessions() != 1 {
		t.Errorf("sessions = %d after disconnect, want 1", srv.Sessions())
	}
}

func TestRelayWithoutPairing(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn, _ := connect(t, ts)

	writeMsg(t, conn, protocol.Message{
		Kind:  protocol.KindOffer,
		Offer: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	msg := readMsg(t, conn)
	if msg.Kind != protocol.KindError {
		t.Fatalf("kind = %q, want error", msg.Kind)
	}
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn, _ := connect(t, ts)

	writeMsg(t, conn, protocol.Message{Kind: protocol.KindPing})
	if msg := readMsg(t, conn); msg.Kind != protocol.KindPong {
		t.Fatalf("kind = %q, want pong", msg.Kind)
	}
}

func TestMalformedInputIsIsolated(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn, _ := connect(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{{{ not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if msg := readMsg(t, conn); msg.Kind != protocol.KindError {
		t.Fatalf("kind = %q, want error reply", msg.Kind)
	}

	// The connection must survive.
	writeMsg(t, conn, protocol.Message{Kind: protocol.KindPing})
	if msg := readMsg(t, conn); msg.Kind != protocol.KindPong {
		t.Fatalf("connection did not survive malformed input")
	}
}

func TestUnknownKindIgnored(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	conn, _ := connect(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"future_feature","x":1}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// No error reply; the next message answered is the ping.
	writeMsg(t, conn, protocol.Message{Kind: protocol.KindPing})
	if msg := readMsg(t, conn); msg.Kind != protocol.KindPong {
		t.Fatalf("kind = %q, want pong (unknown kind must be ignored)", msg.Kind)
	}
}

func TestHeartbeatReapsSilentSessions(t *testing.T) {
	srv, ts := newTestServer(t, Config{HeartbeatInterval: 100 * time.Millisecond})
	connect(t, ts)

	deadline := time.Now().Add(3 * time.Second)
	for srv.Sessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if srv.Sessions() != 0 {
		t.Errorf("sessions = %d, want silent session reaped", srv.Sessions())
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, Config{RateLimitMax: 2, RateLimitWindow: time.Minute})

	dial(t, ts)
	dial(t, ts)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("third dial should be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429 response, got %+v", resp)
	}
}

func TestOriginAllowList(t *testing.T) {
	_, ts := newTestServer(t, Config{AllowedOrigins: []string{"http://good.example"}})

	// Listed origin connects.
	header := http.Header{"Origin": []string{"http://good.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()

	// Unlisted origin is refused at upgrade time.
	header = http.Header{"Origin": []string{"http://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header); err == nil {
		t.Fatal("unlisted origin should be rejected")
	}

	// Non-browser clients (no Origin) always connect.
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil); err != nil {
		t.Fatalf("originless client rejected: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
