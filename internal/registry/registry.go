// Package registry is the single source of truth for live signaling
// sessions and their pairing state. Every mutation goes through one mutex
// so pairing invariants hold under concurrent connection handling:
// a paired session always has a peer whose peer link points straight back,
// and a searching session never has a peer link.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peepel/rendezvous/internal/protocol"
)

// ErrInvalidState is returned when SetPaired would violate a pairing
// invariant (missing session or one side already paired).
var ErrInvalidState = errors.New("invalid session state")

// Conn is the transport handle owned exclusively by a registry entry.
// The websocket implementation lives in the server package; tests use
// in-memory fakes.
type Conn interface {
	Send(msg protocol.Message) error
	Close() error
}

// PairState tracks where a session is in the matchmaking lifecycle.
type PairState int

const (
	StateIdle PairState = iota
	StateSearching
	StatePaired
)

func (s PairState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StatePaired:
		return "paired"
	default:
		return "unknown"
	}
}

// Session is one live client connection. ID and conn are set at creation
// and never change; the pairing fields are guarded by the registry mutex.
type Session struct {
	ID   string
	conn Conn

	state    PairState
	peerID   string
	lastBeat time.Time
}

// Send forwards a message over the session's transport.
func (s *Session) Send(msg protocol.Message) error {
	return s.conn.Send(msg)
}

// Close closes the session's transport.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Registry tracks every live session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// waiting is the matchmaking FIFO queue, owned by the Matchmaker but
	// guarded by the same mutex so pairing decisions and state changes
	// are a single critical section.
	waiting []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register creates an idle session for a freshly accepted transport.
// It never fails; the returned session's ID is unique for the lifetime
// of the process.
func (r *Registry) Register(conn Conn) *Session {
	sess := &Session{
		ID:       uuid.NewString(),
		conn:     conn,
		state:    StateIdle,
		lastBeat: time.Now(),
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	return sess
}

// Unregister removes a session. If it was paired, the peer is reset to
// idle and returned so the caller can notify it; the peer's transport is
// untouched. Unregistering an unknown id is a no-op. Stale waiting-queue
// entries are not removed here; the matchmaker drops them lazily on its
// next scan.
func (r *Registry) Unregister(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)

	if sess.state != StatePaired {
		return nil
	}

	peer, ok := r.sessions[sess.peerID]
	if !ok {
		return nil
	}
	peer.state = StateIdle
	peer.peerID = ""
	return peer
}

// SetPaired cross-links two sessions as chat partners. Either side being
// missing or already paired is an invariant violation: the call fails
// with ErrInvalidState and no existing pairing is touched.
func (r *Registry) SetPaired(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setPairedLocked(a, b)
}

func (r *Registry) setPairedLocked(a, b string) error {
	if a == b {
		return ErrInvalidState
	}
	sa, ok := r.sessions[a]
	if !ok || sa.state == StatePaired {
		return ErrInvalidState
	}
	sb, ok := r.sessions[b]
	if !ok || sb.state == StatePaired {
		return ErrInvalidState
	}

	sa.state, sb.state = StatePaired, StatePaired
	sa.peerID, sb.peerID = b, a
	return nil
}

// Peer returns the current pairing partner of a session, if any.
func (r *Registry) Peer(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok || sess.state != StatePaired {
		return "", false
	}
	return sess.peerID, true
}

// Lookup resolves a session by id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	return sess, ok
}

// State returns a session's current pairing state.
func (r *Registry) State(id string) (PairState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return StateIdle, false
	}
	return sess.state, true
}

// Heartbeat records a liveness signal for a session.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok {
		sess.lastBeat = time.Now()
	}
}

// Expired returns the sessions whose last liveness signal is older than
// maxAge. The caller unregisters and closes them; half-open transports
// are bounded this way.
func (r *Registry) Expired(maxAge time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var dead []*Session
	for _, sess := range r.sessions {
		if sess.lastBeat.Before(cutoff) {
			dead = append(dead, sess)
		}
	}
	return dead
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
