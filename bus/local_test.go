package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBus() *LocalBus {
	return NewLocalBus("game:", time.Hour)
}

func TestPublishGameDeliversToSubscriber(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	got := make(chan Envelope, 1)
	unsub := b.SubscribeGame("g1", func(env Envelope) { got <- env })
	defer unsub()

	// give the subscriber goroutine a moment to register its fan-out leg
	time.Sleep(10 * time.Millisecond)

	if _, err := b.PublishGame(context.Background(), "g1", EventStateChange, map[string]any{"a": 1}, "p1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-got:
		if env.GameId != "g1" || env.Type != EventStateChange || env.PlayerId != "p1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribeAllGamesPatternMatchesEveryChannel(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var count int32
	unsub := b.SubscribeAllGames(func(channel string, env Envelope) {
		atomic.AddInt32(&count, 1)
	})
	defer unsub()
	time.Sleep(10 * time.Millisecond)

	b.PublishGame(context.Background(), "g1", EventMove, nil, "")
	b.PublishChunk(context.Background(), "g1", "0,0", nil)

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Fatalf("expected 2 pattern deliveries, got %d", got)
	}
}

func TestSubscribeGameChunksOnlyMatchesThatGamesChunks(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got []string
	var mu sync.Mutex
	unsub := b.SubscribeGameChunks("g1", func(channel string, env Envelope) {
		mu.Lock()
		got = append(got, env.ChunkId)
		mu.Unlock()
	})
	defer unsub()
	time.Sleep(10 * time.Millisecond)

	b.PublishChunk(context.Background(), "g1", "0,0", nil)
	b.PublishChunk(context.Background(), "g2", "0,0", nil) // different game, must not match

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "0,0" {
		t.Fatalf("expected exactly one chunk delivery for g1, got %v", got)
	}
}

func TestActiveChunksSetRoundTripAndEmptyDeletes(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	ctx := context.Background()

	if err := b.SetActiveChunks(ctx, "g1", []string{"0,0", "1,0"}); err != nil {
		t.Fatal(err)
	}
	chunks, err := b.GetActiveChunks(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %v", chunks)
	}

	if err := b.SetActiveChunks(ctx, "g1", nil); err != nil {
		t.Fatal(err)
	}
	chunks, _ = b.GetActiveChunks(ctx, "g1")
	if len(chunks) != 0 {
		t.Fatalf("expected empty write to delete the set, got %v", chunks)
	}
}

func TestCacheGameStateRoundTrip(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	ctx := context.Background()

	if err := b.CacheGameState(ctx, "g1", map[string]int{"v": 3}, 300); err != nil {
		t.Fatal(err)
	}
	v, ok, err := b.GetCachedGameState(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("expected cached state, ok=%v err=%v", ok, err)
	}
	m := v.(map[string]int)
	if m["v"] != 3 {
		t.Fatalf("unexpected cached value: %v", m)
	}
}

// TestWithLockMutualExclusion verifies P9: two concurrent withLock calls
// on the same key execute fn serially.
func TestWithLockMutualExclusion(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	ctx := context.Background()

	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.WithLock(ctx, "k1", time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
			if err != nil {
				t.Errorf("withLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("expected serial execution, saw max concurrency %d", maxConcurrent)
	}
}

// TestLockExpiryAllowsNewHolderAndOldReleaseIsNoOp verifies the second
// half of P9: a TTL-expired lock may be acquired by another caller, and
// the original holder's release is a no-op against the new holder.
func TestLockExpiryAllowsNewHolderAndOldReleaseIsNoOp(t *testing.T) {
	b := newTestBus()
	defer b.Close()
	ctx := context.Background()

	first, err := b.AcquireLock(ctx, "k2", 20*time.Millisecond, 0, 0)
	if err != nil || !first.Acquired {
		t.Fatalf("expected to acquire: err=%v acquired=%v", err, first.Acquired)
	}

	time.Sleep(40 * time.Millisecond) // let TTL elapse

	second, err := b.AcquireLock(ctx, "k2", time.Second, 0, 0)
	if err != nil || !second.Acquired {
		t.Fatalf("expected second acquire after TTL expiry: err=%v acquired=%v", err, second.Acquired)
	}

	// Original holder's release must not evict the new holder's lock.
	if err := first.Release(ctx); err != nil {
		t.Fatal(err)
	}
	stillHeld, err := b.AcquireLock(ctx, "k2", time.Second, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stillHeld.Acquired {
		t.Fatal("stale release must not free the new holder's lock")
	}
}
