package synccoordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/turnforge/syncfabric/bus"
	"github.com/turnforge/syncfabric/internal/obs"
	"github.com/turnforge/syncfabric/session"
)

// Hub is the subset of session.Hub the Coordinator needs to broadcast
// reconciled state to every member except the one that caused it.
type Hub interface {
	BroadcastToGameExcept(gameId, exceptSessionId, event string, payload any)
}

var _ Hub = (*session.Hub)(nil)

type pendingEntry struct {
	update OptimisticUpdate
	timer  *time.Timer
}

type gameState struct {
	snapshot map[string]any
	pending  map[string]*pendingEntry // updateId -> entry, insertion order tracked separately
	order    []string                 // updateId insertion order, oldest first
}

// Coordinator is the Sync Coordinator (spec §4.4).
type Coordinator struct {
	busImpl bus.Bus
	hub     Hub
	cfg     Config
	prefix  string

	mu    sync.Mutex
	games map[string]*gameState

	moveHandlersMu sync.Mutex
	moveHandlers   []func(gameId string, playerId string, payload any)

	updateHandlersMu sync.Mutex
	updateHandlers   []func(gameId string, snapshot map[string]any)

	unsubscribe func()
}

// NewCoordinator constructs a Coordinator and subscribes it to
// "<prefix>*" on the Bus (spec §4.4 subscription).
func NewCoordinator(b bus.Bus, hub Hub, prefix string, cfg Config) *Coordinator {
	if cfg.Merge == nil {
		cfg.Merge = defaultMerge
	}
	if cfg.DetectConflict == nil {
		cfg.DetectConflict = defaultConflictDetector
	}
	if cfg.MaxPendingUpdates <= 0 {
		cfg.MaxPendingUpdates = 100
	}
	if cfg.AcknowledgementTimeout <= 0 {
		cfg.AcknowledgementTimeout = 5000 * time.Millisecond
	}
	c := &Coordinator{
		busImpl: b,
		hub:     hub,
		cfg:     cfg,
		prefix:  prefix,
		games:   make(map[string]*gameState),
	}
	c.unsubscribe = b.SubscribeAllGames(c.onBusEnvelope)
	return c
}

// Close stops the Coordinator's Bus subscription and cancels every live
// timer.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, gs := range c.games {
		for _, e := range gs.pending {
			e.timer.Stop()
		}
	}
}

// RegisterMoveHandler adds a callback invoked for every inbound "move"
// envelope (spec §4.4 subscription table).
func (c *Coordinator) RegisterMoveHandler(fn func(gameId, playerId string, payload any)) {
	c.moveHandlersMu.Lock()
	defer c.moveHandlersMu.Unlock()
	c.moveHandlers = append(c.moveHandlers, fn)
}

// RegisterUpdateHandler adds a callback invoked after applyServerUpdate
// resolves and applies an authoritative update.
func (c *Coordinator) RegisterUpdateHandler(fn func(gameId string, snapshot map[string]any)) {
	c.updateHandlersMu.Lock()
	defer c.updateHandlersMu.Unlock()
	c.updateHandlers = append(c.updateHandlers, fn)
}

func (c *Coordinator) gameStateFor(gameId string) *gameState {
	gs, ok := c.games[gameId]
	if !ok {
		gs = &gameState{snapshot: make(map[string]any), pending: make(map[string]*pendingEntry)}
		c.games[gameId] = gs
	}
	return gs
}

// ApplyOptimistic generates an UpdateId, optionally pre-applies payload
// to the local snapshot, starts the acknowledgement timer, and always
// publishes a state-change envelope via the Bus (spec §4.4). The
// returned `published` flag is false when the Bus publish failed — the
// local state change (if optimistic) still took effect; the caller is
// responsible for reconciling on reconnection (spec §4.4 failure
// semantics).
func (c *Coordinator) ApplyOptimistic(ctx context.Context, gameId, playerId, kind string, payload, rollbackPayload map[string]any) (updateId string, published bool, err error) {
	_, span := obs.Tracer.Start(ctx, "synccoordinator.applyOptimistic")
	defer span.End()

	updateId = newUpdateId()
	update := OptimisticUpdate{
		UpdateId:        updateId,
		GameId:          gameId,
		PlayerId:        playerId,
		Kind:            kind,
		Payload:         payload,
		RollbackPayload: rollbackPayload,
		CreatedAt:       time.Now(),
	}

	if c.cfg.OptimisticEnabled {
		c.mu.Lock()
		gs := c.gameStateFor(gameId)
		gs.snapshot = c.cfg.Merge(payload, gs.snapshot)
		if len(gs.order) >= c.cfg.MaxPendingUpdates {
			oldest := gs.order[0]
			gs.order = gs.order[1:]
			if e, ok := gs.pending[oldest]; ok {
				e.timer.Stop()
				delete(gs.pending, oldest)
				obs.Logger.Warn("synccoordinator: discarding oldest pending update past capacity", "gameId", gameId, "updateId", oldest)
			}
		}
		timer := time.AfterFunc(c.cfg.AcknowledgementTimeout, func() { c.onAckTimeout(gameId, updateId) })
		gs.pending[updateId] = &pendingEntry{update: update, timer: timer}
		gs.order = append(gs.order, updateId)
		c.mu.Unlock()
	}

	_, err = c.busImpl.PublishGame(ctx, gameId, bus.EventStateChange, map[string]any{
		"updateId":   updateId,
		"kind":       kind,
		"payload":    payload,
		"optimistic": true,
	}, playerId)
	if err != nil {
		obs.Logger.Warn("synccoordinator: failed to publish optimistic update", "gameId", gameId, "updateId", updateId, "error", err)
		return updateId, false, nil
	}
	return updateId, true, nil
}

func (c *Coordinator) onAckTimeout(gameId, updateId string) {
	c.mu.Lock()
	gs, ok := c.games[gameId]
	if !ok {
		c.mu.Unlock()
		return
	}
	_, stillPending := gs.pending[updateId]
	c.mu.Unlock()
	if stillPending {
		obs.Logger.Warn("synccoordinator: optimistic update timed out without acknowledgement", "gameId", gameId, "updateId", updateId)
	}
}

// ApplyServerUpdate detects conflicts against currently pending
// optimistic updates, resolves per the configured conflict policy,
// applies the result to the snapshot, notifies registered handlers, and
// broadcasts state-updated via the Hub (spec §4.4).
func (c *Coordinator) ApplyServerUpdate(ctx context.Context, gameId string, update AuthoritativeUpdate) error {
	c.mu.Lock()
	gs := c.gameStateFor(gameId)

	resolved := update.Updates
	for _, updateId := range gs.order {
		entry, ok := gs.pending[updateId]
		if !ok {
			continue
		}
		if !c.cfg.DetectConflict(entry.update, update) {
			continue
		}
		resolved = c.resolveConflict(entry.update, AuthoritativeUpdate{
			GameId: gameId, PlayerId: update.PlayerId, Updates: resolved, Timestamp: update.Timestamp,
		})
	}

	gs.snapshot = c.cfg.Merge(resolved, gs.snapshot)
	snapshotCopy := cloneMap(gs.snapshot)
	c.mu.Unlock()

	c.hub.BroadcastToGameExcept(gameId, update.PlayerId, session.EventStateUpdated, map[string]any{
		"updates": resolved,
	})
	c.notifyUpdateHandlers(gameId, snapshotCopy)
	return nil
}

// resolveConflict applies c.cfg.ConflictPolicy. Must be called with c.mu
// held.
func (c *Coordinator) resolveConflict(pending OptimisticUpdate, update AuthoritativeUpdate) map[string]any {
	switch c.cfg.ConflictPolicy {
	case PolicyClientWins:
		out := cloneMap(update.Updates)
		for k, v := range pending.Payload {
			out[k] = v
		}
		return out
	case PolicyMerge:
		return c.cfg.Merge(update.Updates, pending.Payload)
	case PolicyCustom:
		if c.cfg.ResolveCustom != nil {
			return c.cfg.ResolveCustom(pending, update, c.cfg.Merge)
		}
		fallthrough
	default: // PolicyServerWins
		return update.Updates
	}
}

// Acknowledge removes the matching pending update and cancels its timer.
// If serverState is non-nil it is merged into the snapshot with
// serverState's fields taking precedence; no conflict detection or
// conflict policy is applied to it.
func (c *Coordinator) Acknowledge(ctx context.Context, gameId, updateId string, serverState map[string]any) error {
	c.mu.Lock()
	gs, ok := c.games[gameId]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	entry, ok := gs.pending[updateId]
	if ok {
		entry.timer.Stop()
		delete(gs.pending, updateId)
		gs.order = removeString(gs.order, updateId)
	}
	if serverState != nil {
		gs.snapshot = c.cfg.Merge(serverState, gs.snapshot)
	}
	c.mu.Unlock()
	return nil
}

// RollbackAll iterates pending updates in reverse order, merging each
// rollbackPayload (when present) into the snapshot, then clears the
// pending list and timers (spec §4.4).
func (c *Coordinator) RollbackAll(gameId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gs, ok := c.games[gameId]
	if !ok {
		return
	}
	for i := len(gs.order) - 1; i >= 0; i-- {
		updateId := gs.order[i]
		entry, ok := gs.pending[updateId]
		if !ok {
			continue
		}
		entry.timer.Stop()
		if entry.update.RollbackPayload != nil {
			gs.snapshot = c.cfg.Merge(entry.update.RollbackPayload, gs.snapshot)
		}
	}
	gs.pending = make(map[string]*pendingEntry)
	gs.order = nil
}

// GetPendingUpdates returns the pending optimistic updates for gameId.
func (c *Coordinator) GetPendingUpdates(gameId string) []OptimisticUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	gs, ok := c.games[gameId]
	if !ok {
		return nil
	}
	out := make([]OptimisticUpdate, 0, len(gs.order))
	for _, updateId := range gs.order {
		if e, ok := gs.pending[updateId]; ok {
			out = append(out, e.update)
		}
	}
	return out
}

// GetGameState returns the current snapshot for gameId, or (nil, false)
// if the Coordinator has never seen it.
func (c *Coordinator) GetGameState(gameId string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gs, ok := c.games[gameId]
	if !ok {
		return nil, false
	}
	return cloneMap(gs.snapshot), true
}

// DisconnectSession cancels all timers and drops pending updates
// belonging to a disconnecting session's player, per spec §5
// cancellation rules. Games are not otherwise scoped per-session here;
// callers pass the set of (gameId, playerId) pairs the session owned.
func (c *Coordinator) DisconnectSession(gameId, playerId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gs, ok := c.games[gameId]
	if !ok {
		return
	}
	var kept []string
	for _, updateId := range gs.order {
		entry, ok := gs.pending[updateId]
		if !ok {
			continue
		}
		if entry.update.PlayerId == playerId {
			entry.timer.Stop()
			delete(gs.pending, updateId)
			continue
		}
		kept = append(kept, updateId)
	}
	gs.order = kept
}

func (c *Coordinator) onBusEnvelope(channel string, env bus.Envelope) {
	switch env.Type {
	case bus.EventStateChange:
		c.handleStateChange(env)
	case bus.EventMove:
		c.handleMove(env)
	}
}

func (c *Coordinator) handleStateChange(env bus.Envelope) {
	data, ok := env.Data.(map[string]any)
	if !ok {
		data = decodeAsMap(env.Data)
	}
	if data == nil {
		obs.Logger.Warn("synccoordinator: dropping malformed state-change", "gameId", env.GameId)
		return
	}

	optimistic, _ := data["optimistic"].(bool)
	updateId, _ := data["updateId"].(string)

	if optimistic && updateId != "" {
		c.mu.Lock()
		isPending := false
		if gs, ok := c.games[env.GameId]; ok {
			_, isPending = gs.pending[updateId]
		}
		c.mu.Unlock()
		if isPending {
			_ = c.Acknowledge(context.Background(), env.GameId, updateId, nil)
			return
		}
	}

	updates, _ := data["payload"].(map[string]any)
	if updates == nil {
		updates, _ = data["updates"].(map[string]any)
	}
	_ = c.ApplyServerUpdate(context.Background(), env.GameId, AuthoritativeUpdate{
		GameId:    env.GameId,
		PlayerId:  env.PlayerId,
		Updates:   updates,
		Timestamp: env.Timestamp,
	})
}

func (c *Coordinator) handleMove(env bus.Envelope) {
	c.moveHandlersMu.Lock()
	handlers := append([]func(string, string, any){}, c.moveHandlers...)
	c.moveHandlersMu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					obs.Logger.Error("synccoordinator: move handler panicked", "recover", r)
				}
			}()
			h(env.GameId, env.PlayerId, env.Data)
		}()
	}
}

func (c *Coordinator) notifyUpdateHandlers(gameId string, snapshot map[string]any) {
	c.updateHandlersMu.Lock()
	handlers := append([]func(string, map[string]any){}, c.updateHandlers...)
	c.updateHandlersMu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					obs.Logger.Error("synccoordinator: update handler panicked", "recover", r)
				}
			}()
			h(gameId, snapshot)
		}()
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func decodeAsMap(data any) map[string]any {
	m, _ := data.(map[string]any)
	return m
}

func newUpdateId() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
