package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peepel/rendezvous/internal/protocol"
)

// fakeConn records everything sent through it.
type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func (f *fakeConn) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	reg := New()

	a := reg.Register(&fakeConn{})
	b := reg.Register(&fakeConn{})

	if a.ID == "" || b.ID == "" {
		t.Fatal("session ids must be non-empty")
	}
	if a.ID == b.ID {
		t.Fatalf("session ids must be unique, both %q", a.ID)
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}

	state, ok := reg.State(a.ID)
	if !ok || state != StateIdle {
		t.Errorf("new session state = %v, want idle", state)
	}
}

func TestSetPairedSymmetry(t *testing.T) {
	reg := New()
	a := reg.Register(&fakeConn{})
	b := reg.Register(&fakeConn{})

	if err := reg.SetPaired(a.ID, b.ID); err != nil {
		t.Fatalf("SetPaired failed: %v", err)
	}

	peerOfA, ok := reg.Peer(a.ID)
	if !ok || peerOfA != b.ID {
		t.Errorf("Peer(a) = %q, want %q", peerOfA, b.ID)
	}
	peerOfB, ok := reg.Peer(b.ID)
	if !ok || peerOfB != a.ID {
		t.Errorf("Peer(b) = %q, want %q", peerOfB, a.ID)
	}
}

func TestSetPairedInvalidStates(t *testing.T) {
	reg := New()
	a := reg.Register(&fakeConn{})
	b := reg.Register(&fakeConn{})
	c := reg.Register(&fakeConn{})

	if err := reg.SetPaired(a.ID, b.ID); err != nil {
		t.Fatalf("SetPaired failed: %v", err)
	}

	tests := []struct {
		name string
		x, y string
	}{
		{"first already paired", a.ID, c.ID},
		{"second already paired", c.ID, b.ID},
		{"missing session", c.ID, "no-such-id"},
		{"self pairing", c.ID, c.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.SetPaired(tt.x, tt.y); !errors.Is(err, ErrInvalidState) {
				t.Errorf("SetPaired = %v, want ErrInvalidState", err)
			}
		})
	}

	// The rejections must not have disturbed the existing pairing.
	peerOfA, ok := reg.Peer(a.ID)
	if !ok || peerOfA != b.ID {
		t.Errorf("pairing corrupted: Peer(a) = %q, want %q", peerOfA, b.ID)
	}
}

func TestUnregisterResetsPeer(t *testing.T) {
	reg := New()
	a := reg.Register(&fakeConn{})
	b := reg.Register(&fakeConn{})

	if err := reg.SetPaired(a.ID, b.ID); err != nil {
		t.Fatalf("SetPaired failed: %v", err)
	}

	peer := reg.Unregister(a.ID)
	if peer == nil || peer.ID != b.ID {
		t.Fatalf("Unregister should return the former peer %q", b.ID)
	}

	if _, ok := reg.Lookup(a.ID); ok {
		t.Error("unregistered session must not resolve")
	}
	state, ok := reg.State(b.ID)
	if !ok || state != StateIdle {
		t.Errorf("peer state = %v, want idle", state)
	}
	if _, paired := reg.Peer(b.ID); paired {
		t.Error("peer link must be cleared on partner disconnect")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := New()
	a := reg.Register(&fakeConn{})

	if peer := reg.Unregister(a.ID); peer != nil {
		t.Errorf("unpaired session has no peer to return, got %q", peer.ID)
	}
	if peer := reg.Unregister(a.ID); peer != nil {
		t.Error("double unregister must be a no-op")
	}
	if peer := reg.Unregister("never-existed"); peer != nil {
		t.Error("unregistering an unknown id must be a no-op")
	}
}

func TestExpired(t *testing.T) {
	reg := New()
	stale := reg.Register(&fakeConn{})
	fresh := reg.Register(&fakeConn{})

	// Age the first session past the cutoff, refresh the second.
	reg.mu.Lock()
	reg.sessions[stale.ID].lastBeat = time.Now().Add(-time.Minute)
	reg.mu.Unlock()
	reg.Heartbeat(fresh.ID)

	dead := reg.Expired(30 * time.Second)
	if len(dead) != 1 || dead[0].ID != stale.ID {
		t.Fatalf("Expired = %d sessions, want exactly the stale one", len(dead))
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	reg := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := reg.Register(&fakeConn{})
			reg.Heartbeat(sess.ID)
			reg.Unregister(sess.ID)
		}()
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Errorf("Len = %d after balanced register/unregister, want 0", reg.Len())
	}
}
