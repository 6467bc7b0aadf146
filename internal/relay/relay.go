// Package relay forwards WebRTC handshake payloads between paired
// sessions. It is content-agnostic: SDP and ICE blobs pass through
// verbatim, and the only routing rule is "current pairing partner".
package relay

import (
	"errors"

	"github.com/peepel/rendezvous/internal/logging"
	"github.com/peepel/rendezvous/internal/protocol"
	"github.com/peepel/rendezvous/internal/registry"
)

// ErrNotPaired means the sender has no current partner to relay to.
// The caller converts it into a targeted error reply; it never crosses
// the transport boundary as a failure of the connection itself.
var ErrNotPaired = errors.New("not paired")

var log = logging.WithComponent("relay")

// Relay forwards handshake messages through the session registry.
type Relay struct {
	reg *registry.Registry
}

// New creates a relay over the given registry.
func New(reg *registry.Registry) *Relay {
	return &Relay{reg: reg}
}

// Forward delivers a handshake message from sender to its current peer.
//
// The peerId field supplied by the client is deliberately ignored for
// routing: delivery always targets the registry's notion of the current
// partner, so a forged target id can never reach a third session. The
// outbound message is tagged with the sender's id instead.
//
// A send failure on the peer's transport is swallowed: the peer is
// mid-disconnect and its own close event will run cleanup.
func (r *Relay) Forward(senderID string, msg protocol.Message) error {
	if !msg.IsHandshake() {
		return ErrNotPaired
	}

	peerID, ok := r.reg.Peer(senderID)
	if !ok {
		return ErrNotPaired
	}
	if msg.PeerID != "" && msg.PeerID != peerID {
		log.Warn("handshake target mismatch, routing to current peer",
			logging.F("sender", senderID, "claimed", msg.PeerID, "actual", peerID))
	}

	peer, ok := r.reg.Lookup(peerID)
	if !ok {
		return ErrNotPaired
	}

	out := protocol.Forward(msg.Kind, senderID, msg.HandshakePayload())
	if err := peer.Send(out); err != nil {
		log.Debug("dropping handshake for closing peer",
			logging.F("peer", peerID, "kind", string(msg.Kind)))
	}
	return nil
}
