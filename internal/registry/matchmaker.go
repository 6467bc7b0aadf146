package registry

// Match describes a freshly established pairing. The initiator is the
// side responsible for the first WebRTC offer; the rule is fixed here and
// nowhere else: the session that was already waiting initiates, the newly
// arrived requester responds.
type Match struct {
	Initiator *Session
	Responder *Session
}

// Matchmaker pairs searching sessions in FIFO order over a Registry's
// waiting queue.
type Matchmaker struct {
	reg *Registry
}

// NewMatchmaker creates a matchmaker over the given registry.
func NewMatchmaker(reg *Registry) *Matchmaker {
	return &Matchmaker{reg: reg}
}

// Request asks for a pairing on behalf of a session.
//
// A session that is already searching or paired is left alone: duplicate
// find_peer requests never create double pairings or duplicate queue
// entries. Otherwise the waiting queue is scanned front to back for the
// first entry that still resolves to a live searching session; entries
// referring to sessions that have since disconnected (or the requester
// itself) are dropped on the way. A hit pairs the two and returns the
// match; a miss enqueues the requester at the tail and returns nil.
func (m *Matchmaker) Request(id string) (*Match, error) {
	r := m.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrInvalidState
	}
	if sess.state != StateIdle {
		return nil, nil
	}

	for len(r.waiting) > 0 {
		candidateID := r.waiting[0]
		r.waiting = r.waiting[1:]

		if candidateID == id {
			continue
		}
		candidate, ok := r.sessions[candidateID]
		if !ok || candidate.state != StateSearching {
			// Stale entry: the session disconnected or was matched
			// through another path. Queue hygiene is lazy.
			continue
		}

		// Pairing clears the searching state; mark the waiter idle
		// first so the invariant check in setPairedLocked passes.
		candidate.state = StateIdle
		if err := r.setPairedLocked(id, candidateID); err != nil {
			return nil, err
		}
		return &Match{Initiator: candidate, Responder: sess}, nil
	}

	sess.state = StateSearching
	r.waiting = append(r.waiting, id)
	return nil, nil
}

// QueueLen reports the waiting queue length, stale entries included.
func (m *Matchmaker) QueueLen() int {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	return len(m.reg.waiting)
}
