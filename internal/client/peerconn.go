package client

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peepel/rendezvous/internal/logging"
	"github.com/peepel/rendezvous/internal/protocol"
)

var pcLog = logging.WithComponent("peerconn")

// ConnState is the WebRTC connection state machine's state.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnNegotiating
	ConnConnected
	ConnClosed
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnNegotiating:
		return "negotiating"
	case ConnConnected:
		return "connected"
	case ConnClosed:
		return "closed"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Signaler is the outbound half of the signaling channel as seen by the
// state machine. *Channel satisfies it; tests use fakes.
type Signaler interface {
	FindPeer() error
	SendOffer(peerID string, sdp webrtc.SessionDescription) error
	SendAnswer(peerID string, sdp webrtc.SessionDescription) error
	SendCandidate(peerID string, cand webrtc.ICECandidateInit) error
	ICEServers() []webrtc.ICEServer
}

// TrackSource supplies local media tracks for a pairing. The capture
// layer owns the tracks and their device handles; the state machine
// only attaches them to the peer connection it creates.
type TrackSource func() ([]webrtc.TrackLocal, error)

// PeerConn drives the WebRTC offer/answer/ICE exchange for exactly one
// active pairing at a time.
//
// Everything acquired when negotiation starts - the peer connection and
// the ICE candidate buffer - is released on every path out of the
// active states, including failures, so repeated skips never leak.
type PeerConn struct {
	sig    Signaler
	tracks TrackSource

	mu        sync.Mutex
	state     ConnState
	peerID    string
	pc        *webrtc.PeerConnection
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	offerOut  bool

	onRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState       func(ConnState)
}

// NewPeerConn creates an idle state machine. tracks may be nil for a
// receive-only client.
func NewPeerConn(sig Signaler, tracks TrackSource) *PeerConn {
	return &PeerConn{sig: sig, tracks: tracks}
}

// OnRemoteTrack registers the callback invoked when the remote peer's
// media arrives.
func (p *PeerConn) OnRemoteTrack(cb func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onRemoteTrack = cb
	p.mu.Unlock()
}

// OnStateChange registers the state transition callback.
func (p *PeerConn) OnStateChange(cb func(ConnState)) {
	p.mu.Lock()
	p.onState = cb
	p.mu.Unlock()
}

// State returns the current state.
func (p *PeerConn) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PeerID returns the peer of the active pairing, if any.
func (p *PeerConn) PeerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerID
}

// HandleSignal consumes one signaling channel event. Wire it up with
// Channel.OnMessage(pc.HandleSignal).
func (p *PeerConn) HandleSignal(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindPeerFound:
		p.handlePeerFound(msg.PeerID, msg.Initiator)
	case protocol.KindOffer:
		p.handleOffer(msg.PeerID, msg.HandshakePayload())
	case protocol.KindAnswer:
		p.handleAnswer(msg.PeerID, msg.HandshakePayload())
	case protocol.KindCandidate:
		p.handleCandidate(msg.PeerID, msg.HandshakePayload())
	case protocol.KindPeerDisconnected:
		p.handlePeerGone(msg.PeerID)
	}
}

// Next skips the current pairing, if any, and requests a fresh one.
// Media resources are fully released before the new find_peer goes out.
func (p *PeerConn) Next() error {
	p.mu.Lock()
	p.teardownLocked(ConnIdle)
	p.mu.Unlock()
	p.notifyState()

	return p.sig.FindPeer()
}

// Close tears down the active pairing and retires the state machine.
func (p *PeerConn) Close() {
	p.mu.Lock()
	p.teardownLocked(ConnClosed)
	p.mu.Unlock()
	p.notifyState()
}

func (p *PeerConn) handlePeerFound(peerID string, initiator bool) {
	p.mu.Lock()
	if p.state == ConnClosed {
		p.mu.Unlock()
		return
	}
	// A match while a pairing is still active means our previous peer
	// was replaced server-side; release the old connection first.
	if p.state != ConnIdle && p.state != ConnFailed {
		p.teardownLocked(ConnIdle)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.sig.ICEServers(),
	})
	if err != nil {
		p.mu.Unlock()
		pcLog.Error("peer connection setup failed", logging.F("error", err.Error()))
		p.fail()
		return
	}

	p.pc = pc
	p.peerID = peerID
	p.state = ConnNegotiating
	p.remoteSet = false
	p.offerOut = false
	p.mu.Unlock()

	role := "responder"
	if initiator {
		role = "initiator"
	}
	pcLog.Info("pairing established", logging.F("peer", peerID, "role", role))

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		p.mu.Lock()
		cb := p.onRemoteTrack
		p.mu.Unlock()
		if cb != nil {
			cb(track, recv)
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // gathering finished
		}
		if err := p.sig.SendCandidate(peerID, cand.ToJSON()); err != nil {
			pcLog.Debug("candidate not sent", logging.F("error", err.Error()))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.handleTransportState(pc, state)
	})

	if err := p.attachLocalTracks(pc); err != nil {
		pcLog.Error("attaching local media failed", logging.F("error", err.Error()))
		p.fail()
		return
	}

	if !initiator {
		return // wait for the peer's offer
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		pcLog.Error("offer creation failed", logging.F("error", err.Error()))
		p.fail()
		return
	}

	p.mu.Lock()
	p.offerOut = true
	p.mu.Unlock()

	if err := p.sig.SendOffer(peerID, offer); err != nil {
		pcLog.Error("offer send failed", logging.F("error", err.Error()))
		p.fail()
	}
}

func (p *PeerConn) attachLocalTracks(pc *webrtc.PeerConnection) error {
	if p.tracks == nil {
		return nil
	}
	tracks, err := p.tracks()
	if err != nil {
		return err
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			return err
		}
	}
	return nil
}

func (p *PeerConn) handleOffer(from string, payload json.RawMessage) {
	p.mu.Lock()
	if p.state != ConnNegotiating || from != p.peerID {
		p.mu.Unlock()
		pcLog.Warn("dropping offer outside negotiation", logging.F("from", from))
		return
	}
	pc := p.pc
	p.mu.Unlock()

	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sdp); err != nil {
		pcLog.Warn("unparseable offer", logging.F("error", err.Error()))
		return
	}

	if err := pc.SetRemoteDescription(sdp); err != nil {
		pcLog.Error("applying remote offer failed", logging.F("error", err.Error()))
		p.fail()
		return
	}
	p.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		pcLog.Error("answer creation failed", logging.F("error", err.Error()))
		p.fail()
		return
	}

	if err := p.sig.SendAnswer(from, answer); err != nil {
		pcLog.Error("answer send failed", logging.F("error", err.Error()))
		p.fail()
	}
}

func (p *PeerConn) handleAnswer(from string, payload json.RawMessage) {
	p.mu.Lock()
	if p.state != ConnNegotiating || from != p.peerID || !p.offerOut {
		// An answer with no outstanding offer is a stale negotiation;
		// applying it would corrupt the session. Drop it.
		p.mu.Unlock()
		pcLog.Warn("dropping unexpected answer", logging.F("from", from))
		return
	}
	pc := p.pc
	p.offerOut = false
	p.mu.Unlock()

	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(payload, &sdp); err != nil {
		pcLog.Warn("unparseable answer", logging.F("error", err.Error()))
		return
	}

	if err := pc.SetRemoteDescription(sdp); err != nil {
		pcLog.Error("applying remote answer failed", logging.F("error", err.Error()))
		p.fail()
		return
	}
	p.flushCandidates(pc)
}

// handleCandidate applies a remote ICE candidate, buffering it when the
// remote description has not arrived yet. Candidates legally race ahead
// of the SDP they belong to; the buffer flushes once the description
// lands.
func (p *PeerConn) handleCandidate(from string, payload json.RawMessage) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		pcLog.Warn("unparseable candidate", logging.F("error", err.Error()))
		return
	}

	p.mu.Lock()
	if p.state != ConnNegotiating && p.state != ConnConnected {
		p.mu.Unlock()
		return
	}
	if from != p.peerID {
		p.mu.Unlock()
		pcLog.Warn("dropping candidate from unexpected sender", logging.F("from", from))
		return
	}
	if !p.remoteSet {
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return
	}
	pc := p.pc
	p.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		pcLog.Warn("candidate rejected", logging.F("error", err.Error()))
	}
}

// flushCandidates marks the remote description as set and applies every
// buffered candidate in arrival order.
func (p *PeerConn) flushCandidates(pc *webrtc.PeerConnection) {
	p.mu.Lock()
	p.remoteSet = true
	buffered := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, cand := range buffered {
		if err := pc.AddICECandidate(cand); err != nil {
			pcLog.Warn("buffered candidate rejected", logging.F("error", err.Error()))
		}
	}
}

func (p *PeerConn) handlePeerGone(peerID string) {
	p.mu.Lock()
	if p.peerID == "" || (peerID != "" && peerID != p.peerID) {
		p.mu.Unlock()
		return
	}
	p.teardownLocked(ConnIdle)
	p.mu.Unlock()

	pcLog.Info("peer disconnected", logging.F("peer", peerID))
	p.notifyState()
}

// handleTransportState reacts to pion's connection state, guarding
// against callbacks from an already-replaced peer connection.
func (p *PeerConn) handleTransportState(pc *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	p.mu.Lock()
	if p.pc != pc {
		p.mu.Unlock()
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.state = ConnConnected
	case webrtc.PeerConnectionStateFailed:
		p.teardownLocked(ConnFailed)
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.notifyState()
}

// fail releases everything and parks the machine in ConnFailed.
// Recovery is a fresh Next or FindPeer from the application, never an
// automatic retry of the stale negotiation.
func (p *PeerConn) fail() {
	p.mu.Lock()
	p.teardownLocked(ConnFailed)
	p.mu.Unlock()
	p.notifyState()
}

// teardownLocked is the single release path for every exit from the
// active states: peer connection closed, candidate buffer cleared,
// negotiation flags dropped.
func (p *PeerConn) teardownLocked(next ConnState) {
	if p.pc != nil {
		p.pc.Close()
		p.pc = nil
	}
	p.pending = nil
	p.remoteSet = false
	p.offerOut = false
	p.peerID = ""
	p.state = next
}

func (p *PeerConn) notifyState() {
	p.mu.Lock()
	cb := p.onState
	state := p.state
	p.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}
