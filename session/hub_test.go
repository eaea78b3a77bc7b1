package session

import (
	"sync"
	"testing"
)

type fakeHandle struct {
	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	event   string
	payload any
}

func (f *fakeHandle) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{event, payload})
	return nil
}

func (f *fakeHandle) Close() error { return nil }

func (f *fakeHandle) received(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func newSession(t *testing.T, h *Hub, id string) *fakeHandle {
	t.Helper()
	handle := &fakeHandle{}
	h.OnConnect(id, handle)
	return handle
}

// TestJoinGameBroadcastsToOthersNotSelf is scenario E5: s1 joins a game
// with s2, s3 already present; s1 receives no player-connected for
// itself, s2 and s3 each receive exactly one carrying s1's id.
func TestJoinGameBroadcastsToOthersNotSelf(t *testing.T) {
	h := NewHub()
	h1 := newSession(t, h, "s1")
	h2 := newSession(t, h, "s2")
	h3 := newSession(t, h, "s3")

	if err := h.JoinGame("s2", "g1", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.JoinGame("s3", "g1", ""); err != nil {
		t.Fatal(err)
	}
	if err := h.JoinGame("s1", "g1", ""); err != nil {
		t.Fatal(err)
	}

	if n := h1.received(EventPlayerConnected); n != 0 {
		t.Fatalf("s1 should not see its own join, got %d", n)
	}
	if n := h2.received(EventPlayerConnected); n != 1 {
		t.Fatalf("s2 expected exactly one player-connected, got %d", n)
	}
	if n := h3.received(EventPlayerConnected); n != 1 {
		t.Fatalf("s3 expected exactly one player-connected, got %d", n)
	}
}

// TestChunkSubscribeRequiresGameMembership checks the membership
// violation path from spec §4.2.
func TestChunkSubscribeRequiresGameMembership(t *testing.T) {
	h := NewHub()
	handle := newSession(t, h, "s1")

	err := h.SubscribeChunk("s1", "g1", "0,0")
	if err != ErrNotInGame {
		t.Fatalf("expected ErrNotInGame, got %v", err)
	}
	if n := handle.received(EventError); n != 1 {
		t.Fatalf("expected an error event reported to the session, got %d", n)
	}
	if h.ChunkSubscriberCount("g1", "0,0") != 0 {
		t.Fatal("violating subscribe must not take effect")
	}
}

// TestFanOutIsolation is P4: a broadcast to one chunk sub-room never
// reaches a session that hasn't subscribed to it.
func TestFanOutIsolation(t *testing.T) {
	h := NewHub()
	s1 := newSession(t, h, "s1")
	s2 := newSession(t, h, "s2")
	s3 := newSession(t, h, "s3")

	h.JoinGame("s1", "A", "")
	h.JoinGame("s2", "A", "")
	h.JoinGame("s3", "B", "")

	if err := h.SubscribeChunk("s1", "A", "0,0"); err != nil {
		t.Fatal(err)
	}
	if err := h.SubscribeChunk("s2", "A", "1,0"); err != nil {
		t.Fatal(err)
	}

	h.BroadcastToChunk("A", "0,0", EventChunkUpdated, "payload")

	if n := s1.received(EventChunkUpdated); n != 1 {
		t.Fatalf("s1 subscribed to (A,0,0) expected 1 delivery, got %d", n)
	}
	if n := s2.received(EventChunkUpdated); n != 0 {
		t.Fatalf("s2 not subscribed to (A,0,0) expected 0 deliveries, got %d", n)
	}
	if n := s3.received(EventChunkUpdated); n != 0 {
		t.Fatalf("s3 in a different game expected 0 deliveries, got %d", n)
	}
}

// TestDisconnectCleanup is P6: after disconnect, the session holds no
// room/sub-room membership, and a chunk with zero remaining subscribers
// on this process reports zero.
func TestDisconnectCleanup(t *testing.T) {
	h := NewHub()
	newSession(t, h, "s1")
	h.JoinGame("s1", "g1", "")
	h.SubscribeChunk("s1", "g1", "0,0")

	if h.ChunkSubscriberCount("g1", "0,0") != 1 {
		t.Fatal("expected subscription to have taken effect")
	}

	h.Disconnect("s1")

	if got := h.SessionGames("s1"); got != nil {
		t.Fatalf("expected no games after disconnect, got %v", got)
	}
	if h.ChunkSubscriberCount("g1", "0,0") != 0 {
		t.Fatal("expected zero subscribers after disconnect")
	}

	// Idempotent: a second disconnect must not panic or error visibly.
	h.Disconnect("s1")
}

// TestMembershipContainment is P3: the chunk sub-rooms a session belongs
// to are always a subset of the games it has joined.
func TestMembershipContainment(t *testing.T) {
	h := NewHub()
	newSession(t, h, "s1")
	h.JoinGame("s1", "g1", "")
	h.SubscribeChunk("s1", "g1", "0,0")
	h.SubscribeChunk("s1", "g1", "1,0")

	h.LeaveGame("s1", "g1")

	for _, chunk := range []string{"0,0", "1,0"} {
		if h.ChunkSubscriberCount("g1", chunk) != 0 {
			t.Fatalf("expected chunk %s empty after leaving game", chunk)
		}
	}
	if got := h.SessionChunks("s1", "g1"); len(got) != 0 {
		t.Fatalf("expected no residual chunk subscriptions, got %v", got)
	}
}
