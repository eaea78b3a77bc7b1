package chunkrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/turnforge/syncfabric/bus"
	"github.com/turnforge/syncfabric/session"
)

func newTestRig(t *testing.T) (*bus.LocalBus, *session.Hub, *Router) {
	t.Helper()
	b := bus.NewLocalBus("game:", time.Hour)
	h := session.NewHub()
	r := NewRouter(b, h, 64)
	t.Cleanup(func() {
		r.Close()
		b.Close()
	})
	return b, h, r
}

// TestSubscriptionDiffIdempotence is P2: calling SubscribeToViewport
// twice with the same viewport yields an empty diff on the second call.
func TestSubscriptionDiffIdempotence(t *testing.T) {
	_, h, r := newTestRig(t)
	h.OnConnect("s1", &session.NullHandle{})
	h.JoinGame("s1", "g1", "")

	v := Viewport{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10}
	ctx := context.Background()

	first, err := r.SubscribeToViewport(ctx, "s1", "g1", v)
	if err != nil {
		t.Fatal(err)
	}
	before := h.ChunkSubscriberCount("g1", "0,0")

	second, err := r.SubscribeToViewport(ctx, "s1", "g1", v)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk sets should be identical: %v vs %v", first, second)
	}
	after := h.ChunkSubscriberCount("g1", "0,0")
	if before != after {
		t.Fatalf("second identical subscribe must be a no-op diff: before=%d after=%d", before, after)
	}
}

// TestSequenceMonotonicity is P5: successive sequence allocations for one
// game (nextSequence, which PublishChunkUpdate calls once per batch)
// strictly increase.
func TestSequenceMonotonicity(t *testing.T) {
	_, _, r := newTestRig(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		seq := r.nextSequence("g1")
		if seq <= last {
			t.Fatalf("sequence did not strictly increase: %d after %d", seq, last)
		}
		last = seq
	}
	_ = ctx
}

// TestScenarioE1ThreeSessionsOneChunkUpdate.
func TestScenarioE1ThreeSessionsOneChunkUpdate(t *testing.T) {
	_, h, r := newTestRig(t)
	ctx := context.Background()

	handles := map[string]*recordingHandle{}
	for _, id := range []string{"s1", "s2", "s3"} {
		handle := &recordingHandle{}
		handles[id] = handle
		h.OnConnect(id, handle)
		h.JoinGame(id, "G", "")
		if _, err := r.SubscribeToViewport(ctx, id, "G", Viewport{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.PublishChunkUpdate(ctx, "G", []CellChange{{X: 3, Y: 5, NewValue: 1}}); err != nil {
		t.Fatal(err)
	}

	for id, handle := range handles {
		updates := handle.chunkUpdates()
		if len(updates) != 1 {
			t.Fatalf("%s: expected exactly one chunk-updated, got %d", id, len(updates))
		}
		cu := updates[0]
		if cu.ChunkId != "0,0" || cu.Sequence != 1 || len(cu.Changes) != 1 {
			t.Fatalf("%s: unexpected chunk update: %+v", id, cu)
		}
	}
}

// TestScenarioE2ViewportMoveStopsOldChunkDelivery.
func TestScenarioE2ViewportMoveStopsOldChunkDelivery(t *testing.T) {
	_, h, r := newTestRig(t)
	ctx := context.Background()
	handle := &recordingHandle{}
	h.OnConnect("s1", handle)
	h.JoinGame("s1", "G", "")

	if _, err := r.SubscribeToViewport(ctx, "s1", "G", FromCenter(0, 0, 4, 4)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SubscribeToViewport(ctx, "s1", "G", FromCenter(200, 0, 4, 4)); err != nil {
		t.Fatal(err)
	}

	// Old chunk around the origin must have no subscribers left.
	if h.ChunkSubscriberCount("G", "0,0") != 0 {
		t.Fatal("expected session to have left the old chunk")
	}

	if err := r.PublishChunkUpdate(ctx, "G", []CellChange{{X: 3, Y: 3, NewValue: 1}}); err != nil {
		t.Fatal(err)
	}
	if len(handle.chunkUpdates()) != 0 {
		t.Fatal("session must not receive updates for chunks it has left")
	}
}

// TestInboundBusDeliveryDedupsLocalOrigin is scenario E4: the Router's
// own startup subscription to "<prefix>*" must not double-deliver a
// chunk-update this same process already delivered locally.
func TestInboundBusDeliveryDedupsLocalOrigin(t *testing.T) {
	_, h, r := newTestRig(t)
	ctx := context.Background()
	handle := &recordingHandle{}
	h.OnConnect("s1", handle)
	h.JoinGame("s1", "G", "")
	if _, err := r.SubscribeToViewport(ctx, "s1", "G", Viewport{MinX: 0, MaxX: 10, MinY: 0, MaxY: 10}); err != nil {
		t.Fatal(err)
	}

	if err := r.PublishChunkUpdate(ctx, "G", []CellChange{{X: 1, Y: 1, NewValue: 1}}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond) // let the pattern-subscription loopback settle

	if n := len(handle.chunkUpdates()); n != 1 {
		t.Fatalf("expected exactly one delivery despite bus loopback, got %d", n)
	}
}

type recordingHandle struct {
	session.NullHandle
	mu      sync.Mutex
	updates []ChunkUpdate
}

func (r *recordingHandle) Send(event string, payload any) error {
	if event == session.EventChunkUpdated {
		if cu, ok := payload.(ChunkUpdate); ok {
			r.mu.Lock()
			r.updates = append(r.updates, cu)
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *recordingHandle) chunkUpdates() []ChunkUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChunkUpdate(nil), r.updates...)
}
