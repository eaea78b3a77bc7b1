package chunkrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/turnforge/syncfabric/bus"
	"github.com/turnforge/syncfabric/internal/obs"
	"github.com/turnforge/syncfabric/session"
)

// Hub is the subset of session.Hub the Router needs. Declared here (not
// imported as a concrete type requirement beyond *session.Hub) to keep
// the dependency direction of spec §9's design note explicit: the Router
// holds a reference to the Hub, the Hub has no knowledge of the Router.
type Hub interface {
	SubscribeChunk(sessionId, gameId, chunkId string) error
	UnsubscribeChunk(sessionId, gameId, chunkId string) error
	BroadcastToChunk(gameId, chunkId, event string, payload any)
	SessionChunks(sessionId, gameId string) []string
	ChunkSubscriberCount(gameId, chunkId string) int
	ActiveChunksForGame(gameId string) []string
}

var _ Hub = (*session.Hub)(nil)

// Router is the Chunk Router (spec §4.3). It owns no room state itself —
// that lives in the Hub — only the per-session viewport-derived
// subscription set, per-game sequence counters, and the dedup record for
// its own locally-originated publishes.
type Router struct {
	bus       bus.Bus
	hub       Hub
	chunkSize int

	mu       sync.Mutex
	viewport map[string]map[string]map[string]ChunkId // sessionId -> gameId -> chunk set
	sequence map[string]int64                         // gameId -> last sequence issued by this process

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	unsubscribe func()
}

// NewRouter constructs a Router and subscribes it to every game's chunk
// traffic on the Bus (spec §4.3 inbound path: subscribes at startup to
// "<prefix>*").
func NewRouter(b bus.Bus, hub Hub, chunkSize int) *Router {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	r := &Router{
		bus:       b,
		hub:       hub,
		chunkSize: chunkSize,
		viewport:  make(map[string]map[string]map[string]ChunkId),
		sequence:  make(map[string]int64),
		dedup:     make(map[string]time.Time),
	}
	r.unsubscribe = b.SubscribeAllGames(r.onBusEnvelope)
	return r
}

// Close stops the Router's Bus subscription.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// SubscribeToViewport computes the chunk set the viewport overlaps,
// diffs it against the session's current set, applies Hub subscribe/
// unsubscribe calls for the difference, republishes the per-process
// active-chunks set to the Bus, and returns the new chunk list (spec
// §4.3).
func (r *Router) SubscribeToViewport(ctx context.Context, sessionId, gameId string, v Viewport) ([]ChunkId, error) {
	newSet := ChunkSet(v, r.chunkSize)

	r.mu.Lock()
	gameMap, ok := r.viewport[sessionId]
	if !ok {
		gameMap = make(map[string]map[string]ChunkId)
		r.viewport[sessionId] = gameMap
	}
	curSet := gameMap[gameId]
	if curSet == nil {
		curSet = make(map[string]ChunkId)
	}

	var toAdd, toRemove []ChunkId
	for key, c := range newSet {
		if _, exists := curSet[key]; !exists {
			toAdd = append(toAdd, c)
		}
	}
	for key, c := range curSet {
		if _, exists := newSet[key]; !exists {
			toRemove = append(toRemove, c)
		}
	}
	gameMap[gameId] = newSet
	r.mu.Unlock()

	for _, c := range toAdd {
		if err := r.hub.SubscribeChunk(sessionId, gameId, c.String()); err != nil {
			return nil, err
		}
	}
	for _, c := range toRemove {
		if err := r.hub.UnsubscribeChunk(sessionId, gameId, c.String()); err != nil {
			return nil, err
		}
	}

	if len(toAdd) > 0 || len(toRemove) > 0 {
		if err := r.republishActiveChunks(ctx, gameId); err != nil {
			obs.Logger.Warn("chunkrouter: failed to republish active chunks", "gameId", gameId, "error", err)
		}
	}

	out := make([]ChunkId, 0, len(newSet))
	for _, c := range newSet {
		out = append(out, c)
	}
	return out, nil
}

// SubscribeChunk adds a single chunk to a session's tracked subscription
// set and republishes the game's active-chunk record, keeping spec §3's
// invariant ("the Bus's active-chunks record equals the union of all
// connected sessions' subscribed chunks") true on the direct
// subscribe-chunk transport path, not just viewport changes and
// disconnect cleanup.
func (r *Router) SubscribeChunk(ctx context.Context, sessionId, gameId, chunkId string) error {
	c, err := ParseChunkId(chunkId)
	if err != nil {
		return err
	}
	if err := r.hub.SubscribeChunk(sessionId, gameId, chunkId); err != nil {
		return err
	}

	r.mu.Lock()
	gameMap, ok := r.viewport[sessionId]
	if !ok {
		gameMap = make(map[string]map[string]ChunkId)
		r.viewport[sessionId] = gameMap
	}
	curSet := gameMap[gameId]
	if curSet == nil {
		curSet = make(map[string]ChunkId)
		gameMap[gameId] = curSet
	}
	curSet[c.String()] = c
	r.mu.Unlock()

	if err := r.republishActiveChunks(ctx, gameId); err != nil {
		obs.Logger.Warn("chunkrouter: failed to republish active chunks", "gameId", gameId, "error", err)
	}
	return nil
}

// UnsubscribeChunk is SubscribeChunk's inverse.
func (r *Router) UnsubscribeChunk(ctx context.Context, sessionId, gameId, chunkId string) error {
	c, err := ParseChunkId(chunkId)
	if err != nil {
		return err
	}
	if err := r.hub.UnsubscribeChunk(sessionId, gameId, chunkId); err != nil {
		return err
	}

	r.mu.Lock()
	if gameMap, ok := r.viewport[sessionId]; ok {
		if curSet, ok := gameMap[gameId]; ok {
			delete(curSet, c.String())
		}
	}
	r.mu.Unlock()

	if err := r.republishActiveChunks(ctx, gameId); err != nil {
		obs.Logger.Warn("chunkrouter: failed to republish active chunks", "gameId", gameId, "error", err)
	}
	return nil
}

func (r *Router) republishActiveChunks(ctx context.Context, gameId string) error {
	active := r.hub.ActiveChunksForGame(gameId)
	return r.bus.SetActiveChunks(ctx, gameId, active)
}

// PublishChunkUpdate groups changes by ChunkId, allocates one sequence
// number for the whole batch, and for each chunk group publishes through
// the Bus and delivers locally through the Hub, avoiding a Bus
// round-trip for clients on this process (spec §4.3).
func (r *Router) PublishChunkUpdate(ctx context.Context, gameId string, changes []CellChange) error {
	groups := make(map[string][]CellChange)
	order := make([]string, 0)
	for _, c := range changes {
		key := ChunkOf(float64(c.X), float64(c.Y), r.chunkSize).String()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], c)
	}

	seq := r.nextSequence(gameId)
	ts := bus.NowStamp()

	for _, chunkId := range order {
		update := ChunkUpdate{
			GameId:    gameId,
			ChunkId:   chunkId,
			Changes:   groups[chunkId],
			Timestamp: ts,
			Sequence:  seq,
		}

		r.markLocalOrigin(gameId, chunkId, seq)
		r.hub.BroadcastToChunk(gameId, chunkId, session.EventChunkUpdated, update)

		if _, err := r.bus.PublishChunk(ctx, gameId, chunkId, update); err != nil {
			obs.Logger.Warn("chunkrouter: bus publish failed", "gameId", gameId, "chunkId", chunkId, "error", err)
		}
	}
	return nil
}

// nextSequence allocates the next per-process, per-game batch sequence
// number; monotonic starting at 1 (spec §4.3/P5).
func (r *Router) nextSequence(gameId string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence[gameId]++
	return r.sequence[gameId]
}

func dedupKey(gameId, chunkId string, seq int64) string {
	return fmt.Sprintf("%s|%s|%d", gameId, chunkId, seq)
}

func (r *Router) markLocalOrigin(gameId, chunkId string, seq int64) {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	r.dedup[dedupKey(gameId, chunkId, seq)] = time.Now()
	if len(r.dedup) > 1000 {
		cutoff := time.Now().Add(-5 * time.Second)
		for k, t := range r.dedup {
			if t.Before(cutoff) {
				delete(r.dedup, k)
			}
		}
	}
}

func (r *Router) consumeLocalOrigin(gameId, chunkId string, seq int64) bool {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	key := dedupKey(gameId, chunkId, seq)
	if _, ok := r.dedup[key]; ok {
		delete(r.dedup, key)
		return true
	}
	return false
}

// onBusEnvelope handles inbound envelopes from "<prefix>*". Only
// chunk-update envelopes are dispatched to the local chunk sub-room; a
// message that this very process just originated (and already delivered
// locally) is skipped so scenario E4's same-process double-delivery
// never happens. Malformed payloads are logged and dropped, never
// crash the dispatcher (spec §4.1/§4.3).
func (r *Router) onBusEnvelope(channel string, env bus.Envelope) {
	if env.Type != bus.EventChunkUpdate {
		return
	}
	update, err := decodeChunkUpdate(env.Data)
	if err != nil {
		obs.Logger.Warn("chunkrouter: dropping malformed chunk-update", "channel", channel, "error", err)
		return
	}
	if r.consumeLocalOrigin(update.GameId, update.ChunkId, update.Sequence) {
		return
	}
	r.hub.BroadcastToChunk(update.GameId, update.ChunkId, session.EventChunkUpdated, update)
}

// decodeChunkUpdate accepts either an already-typed ChunkUpdate (the
// in-process LocalBus delivery path) or a JSON-shaped map (a real broker
// round-trip), since the Bus's Envelope.Data is `any` by design.
func decodeChunkUpdate(data any) (ChunkUpdate, error) {
	if cu, ok := data.(ChunkUpdate); ok {
		return cu, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ChunkUpdate{}, err
	}
	var cu ChunkUpdate
	if err := json.Unmarshal(raw, &cu); err != nil {
		return ChunkUpdate{}, err
	}
	return cu, nil
}

// CleanupSession mirrors spec §4.3's disconnect cleanup: it drops the
// session's viewport bookkeeping, issues a Hub chunk-unsubscribe for every
// subscription the session held, then republishes each game's active set.
// That set is taken from the Hub's chunk rooms, so a chunk left with zero
// subscribers on this process drops out of it.
func (r *Router) CleanupSession(ctx context.Context, sessionId string) {
	r.mu.Lock()
	gameMap := r.viewport[sessionId]
	delete(r.viewport, sessionId)
	games := make([]string, 0, len(gameMap))
	for gameId := range gameMap {
		games = append(games, gameId)
	}
	r.mu.Unlock()

	for _, gameId := range games {
		for chunkId := range gameMap[gameId] {
			// The Hub may already have forgotten the session; that is fine here.
			_ = r.hub.UnsubscribeChunk(sessionId, gameId, chunkId)
		}
		if err := r.republishActiveChunks(ctx, gameId); err != nil {
			obs.Logger.Warn("chunkrouter: failed to republish active chunks on cleanup", "gameId", gameId, "error", err)
		}
	}
}
