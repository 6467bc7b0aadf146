// Package protocol defines the JSON wire format spoken between signaling
// clients and the rendezvous server.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the message discriminant. The set of kinds is closed: anything
// outside it decodes as KindUnknown and is ignored by dispatchers so that
// newer clients don't break older servers (and vice versa).
type Kind string

const (
	// Client to server
	KindFindPeer  Kind = "find_peer"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindPing      Kind = "ping"

	// Server to client
	KindConnected        Kind = "connected"
	KindWaiting          Kind = "waiting"
	KindPeerFound        Kind = "peer_found"
	KindPeerDisconnected Kind = "peer_disconnected"
	KindError            Kind = "error"
	KindPong             Kind = "pong"

	// KindUnknown marks a syntactically valid message whose kind is not
	// part of the protocol.
	KindUnknown Kind = ""
)

// Message is the single wire envelope. Which fields are populated depends
// on Kind; handshake payloads are raw JSON and are never interpreted.
type Message struct {
	Kind       Kind               `json:"type"`
	UserID     string             `json:"userId,omitempty"`
	PeerID     string             `json:"peerId,omitempty"`
	Initiator  bool               `json:"initiator,omitempty"`
	Offer      json.RawMessage    `json:"offer,omitempty"`
	Answer     json.RawMessage    `json:"answer,omitempty"`
	Candidate  json.RawMessage    `json:"candidate,omitempty"`
	Data       json.RawMessage    `json:"data,omitempty"`
	Text       string             `json:"message,omitempty"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

var knownKinds = map[Kind]bool{
	KindFindPeer:         true,
	KindOffer:            true,
	KindAnswer:           true,
	KindCandidate:        true,
	KindPing:             true,
	KindConnected:        true,
	KindWaiting:          true,
	KindPeerFound:        true,
	KindPeerDisconnected: true,
	KindError:            true,
	KindPong:             true,
}

// Decode parses a wire message. Malformed JSON is an error; well-formed
// JSON with an unrecognized kind is not - it comes back as KindUnknown so
// the caller can skip it without tearing down the connection.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if !knownKinds[msg.Kind] {
		msg.Kind = KindUnknown
	}
	return msg, nil
}

// Encode serializes a message for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsHandshake reports whether the message carries an SDP or ICE payload
// that should be relayed to the paired peer.
func (m Message) IsHandshake() bool {
	return m.Kind == KindOffer || m.Kind == KindAnswer || m.Kind == KindCandidate
}

// HandshakePayload returns the payload blob for a handshake message.
// Clients send the payload under the kind-named field (offer/answer/
// candidate); the server forwards it under data. Both are accepted.
func (m Message) HandshakePayload() json.RawMessage {
	var payload json.RawMessage
	switch m.Kind {
	case KindOffer:
		payload = m.Offer
	case KindAnswer:
		payload = m.Answer
	case KindCandidate:
		payload = m.Candidate
	}
	if payload == nil {
		payload = m.Data
	}
	return payload
}

// Connected builds the bootstrap message sent once per connection.
func Connected(userID string, iceServers []webrtc.ICEServer) Message {
	return Message{Kind: KindConnected, UserID: userID, ICEServers: iceServers}
}

// Waiting tells a requester that no peer is currently available.
func Waiting() Message {
	return Message{Kind: KindWaiting, Text: "waiting for a peer"}
}

// PeerFound notifies one side of a fresh pairing.
func PeerFound(peerID string, initiator bool) Message {
	return Message{Kind: KindPeerFound, PeerID: peerID, Initiator: initiator}
}

// PeerDisconnected notifies a session that its partner left.
func PeerDisconnected(peerID string) Message {
	return Message{Kind: KindPeerDisconnected, PeerID: peerID}
}

// Forward wraps a handshake payload for delivery to the peer. The peerId
// on the outbound message is the sender, so the receiver knows whom the
// payload came from.
func Forward(kind Kind, senderID string, payload json.RawMessage) Message {
	return Message{Kind: kind, PeerID: senderID, Data: payload}
}

// ErrorReply builds a targeted error message for a single session.
func ErrorReply(text string) Message {
	return Message{Kind: KindError, Text: text}
}

// Pong is the heartbeat reply.
func Pong() Message {
	return Message{Kind: KindPong}
}
