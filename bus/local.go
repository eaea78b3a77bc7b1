package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/panyam/gocurrent"

	"github.com/turnforge/syncfabric/internal/obs"
)

// LocalBus is a process-local Bus implementation. It satisfies the same
// contract a Redis-backed Bus would (spec §4.1): the pub/sub fabric is
// built from one gocurrent.FanOut[Envelope] per channel, the same
// per-channel fan-out primitive the teacher's GameSyncService uses for
// per-game broadcast; the KV side channel is an in-memory TTL-swept map.
//
// This is the implementation every test in this module runs against.
// Wiring a real broker means implementing Bus against its client and
// leaving everything upstream (Session Hub, Chunk Router, Sync
// Coordinator) untouched.
type LocalBus struct {
	prefix string

	mu       sync.Mutex
	channels map[string]*gocurrent.FanOut[Envelope]
	patterns map[string]*patternSub

	kv *kvStore

	closeOnce sync.Once
	closed    bool
}

type patternSub struct {
	matches func(channel string) bool
	handler PatternHandler
}

// NewLocalBus constructs a LocalBus with the given channel prefix
// (default "game:" per spec §4.1/§6). Active-chunks sets live for 300s and
// cached game state for the TTL its caller passes; expired entries are
// swept every sweepInterval.
func NewLocalBus(prefix string, sweepInterval time.Duration) *LocalBus {
	if prefix == "" {
		prefix = "game:"
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	b := &LocalBus{
		prefix:   prefix,
		channels: make(map[string]*gocurrent.FanOut[Envelope]),
		patterns: make(map[string]*patternSub),
		kv:       newKVStore(sweepInterval),
	}
	return b
}

func (b *LocalBus) fanOutFor(channel string) *gocurrent.FanOut[Envelope] {
	b.mu.Lock()
	defer b.mu.Unlock()
	fo, ok := b.channels[channel]
	if !ok {
		fo = gocurrent.NewFanOut[Envelope](
			gocurrent.WithFanOutInputBuffer[Envelope](100),
		)
		b.channels[channel] = fo
	}
	return fo
}

func (b *LocalBus) publish(ctx context.Context, channel string, env Envelope) (int, error) {
	_, span := obs.Tracer.Start(ctx, "bus.publish")
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrUnavailable
	}
	fo, hasExact := b.channels[channel]
	pats := make([]*patternSub, 0, len(b.patterns))
	for _, p := range b.patterns {
		if p.matches(channel) {
			pats = append(pats, p)
		}
	}
	b.mu.Unlock()

	delivered := 0
	if hasExact && fo.Count() > 0 {
		delivered = fo.Count()
		fo.Send(env)
	}
	for _, p := range pats {
		go func(p *patternSub) {
			defer func() {
				if r := recover(); r != nil {
					obs.Logger.Error("bus: pattern handler panicked", "recover", r)
				}
			}()
			p.handler(channel, env)
		}(p)
	}
	return delivered, nil
}

func (b *LocalBus) PublishGame(ctx context.Context, gameId string, typ EventType, data any, playerId string) (int, error) {
	channel := GameChannel(b.prefix, gameId)
	env := Envelope{GameId: gameId, Type: typ, Data: data, Timestamp: NowStamp(), PlayerId: playerId}
	return b.publish(ctx, channel, env)
}

func (b *LocalBus) PublishChunk(ctx context.Context, gameId, chunkId string, data any) (int, error) {
	channel := ChunkChannel(b.prefix, gameId, chunkId)
	env := Envelope{GameId: gameId, Type: EventChunkUpdate, Data: data, Timestamp: NowStamp(), ChunkId: chunkId}
	return b.publish(ctx, channel, env)
}

func (b *LocalBus) SubscribeGame(gameId string, handler Handler) func() {
	channel := GameChannel(b.prefix, gameId)
	return b.subscribeExact(channel, handler)
}

func (b *LocalBus) subscribeExact(channel string, handler Handler) func() {
	fo := b.fanOutFor(channel)
	out := fo.New(nil)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case env, ok := <-out:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							obs.Logger.Error("bus: handler panicked", "recover", r)
						}
					}()
					handler(env)
				}()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-fo.Remove(out, true)
			b.mu.Lock()
			if fo.Count() == 0 {
				delete(b.channels, channel)
			}
			b.mu.Unlock()
		})
	}
}

func (b *LocalBus) SubscribeAllGames(handler PatternHandler) func() {
	return b.registerPattern(func(channel string) bool {
		return matchesAllGames(b.prefix, channel)
	}, handler)
}

func (b *LocalBus) SubscribeGameChunks(gameId string, handler PatternHandler) func() {
	return b.registerPattern(func(channel string) bool {
		return matchesGameChunks(b.prefix, gameId, channel)
	}, handler)
}

func (b *LocalBus) registerPattern(matches func(string) bool, handler PatternHandler) func() {
	id := randomId()
	b.mu.Lock()
	b.patterns[id] = &patternSub{matches: matches, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.patterns, id)
			b.mu.Unlock()
		})
	}
}

func (b *LocalBus) CacheGameState(ctx context.Context, gameId string, state any, ttlSeconds int) error {
	b.kv.set("state:"+gameId, state, time.Duration(ttlSeconds)*time.Second)
	return nil
}

func (b *LocalBus) GetCachedGameState(ctx context.Context, gameId string) (any, bool, error) {
	v, ok := b.kv.get("state:" + gameId)
	return v, ok, nil
}

func (b *LocalBus) SetActiveChunks(ctx context.Context, gameId string, chunkIds []string) error {
	key := "chunks:" + gameId
	if len(chunkIds) == 0 {
		b.kv.delete(key)
		return nil
	}
	b.kv.set(key, append([]string(nil), chunkIds...), 300*time.Second)
	return nil
}

func (b *LocalBus) GetActiveChunks(ctx context.Context, gameId string) ([]string, error) {
	v, ok := b.kv.get("chunks:" + gameId)
	if !ok {
		return nil, nil
	}
	chunks, _ := v.([]string)
	return chunks, nil
}

func (b *LocalBus) AcquireLock(ctx context.Context, key string, ttl time.Duration, retries int, delay time.Duration) (LockHandle, error) {
	lockKey := "lock:" + key
	lockId := randomId()
	for attempt := 0; attempt <= retries; attempt++ {
		if b.kv.setIfAbsent(lockKey, lockId, ttl) {
			return LockHandle{
				Acquired: true,
				LockId:   lockId,
				Release: func(ctx context.Context) error {
					b.kv.compareAndDelete(lockKey, lockId)
					return nil
				},
			}, nil
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return LockHandle{}, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return LockHandle{Acquired: false}, nil
}

func (b *LocalBus) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	handle, err := b.AcquireLock(ctx, key, ttl, 10, 50*time.Millisecond)
	if err != nil {
		return err
	}
	if !handle.Acquired {
		return ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			handle.Release(ctx)
			panic(r)
		}
	}()
	err = fn(ctx)
	if relErr := handle.Release(ctx); relErr != nil && err == nil {
		err = relErr
	}
	return err
}

func (b *LocalBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.kv.stop()
	})
}

func randomId() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
