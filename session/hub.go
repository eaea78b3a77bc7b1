package session

import (
	"sync"

	"github.com/turnforge/syncfabric/internal/obs"
)

type sessionState struct {
	id     string
	handle SendHandle
	games  map[string]string            // gameId -> gameType ("" if none registered)
	chunks map[string]map[string]struct{} // gameId -> set of chunkId
}

// Hub owns the set of connected clients for one server process, the
// game/chunk room memberships, and the registered per-game-type
// handlers. All mutation goes through a single mutex; broadcasts take a
// snapshot of the room membership under the lock and then deliver
// outside it, so a slow or failing send to one session never blocks
// fan-out to others and the Hub never holds the lock while doing
// transport I/O (spec §4.2/§9).
type Hub struct {
	mu sync.Mutex

	sessions map[string]*sessionState

	// gameId -> sessionId set
	gameRooms map[string]map[string]struct{}
	// gameId -> chunkId -> sessionId set
	chunkRooms map[string]map[string]map[string]struct{}

	// gameType -> handler
	handlers map[string]GameHandler
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		sessions:   make(map[string]*sessionState),
		gameRooms:  make(map[string]map[string]struct{}),
		chunkRooms: make(map[string]map[string]map[string]struct{}),
		handlers:   make(map[string]GameHandler),
	}
}

// RegisterGameHandler registers callbacks for one game type.
func (h *Hub) RegisterGameHandler(gameType string, handler GameHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[gameType] = handler
}

// OnConnect registers a new session with its transport send-handle.
func (h *Hub) OnConnect(sessionId string, handle SendHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sessionId] = &sessionState{
		id:     sessionId,
		handle: handle,
		games:  make(map[string]string),
		chunks: make(map[string]map[string]struct{}),
	}
}

// JoinGame adds a session to a game room, invokes the game-type handler's
// OnPlayerJoined if registered, and broadcasts player-connected to the
// other existing members before returning (spec §5 ordering guarantee:
// player-connected always precedes any move-made/chunk-updated
// attributable to this session).
func (h *Hub) JoinGame(sessionId, gameId, gameType string) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionId]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	room, ok := h.gameRooms[gameId]
	if !ok {
		room = make(map[string]struct{})
		h.gameRooms[gameId] = room
	}
	others := make([]string, 0, len(room))
	for id := range room {
		others = append(others, id)
	}
	room[sessionId] = struct{}{}
	sess.games[gameId] = gameType
	handler := h.handlers[gameType]
	h.mu.Unlock()

	h.deliverTo(others, EventPlayerConnected, map[string]any{"sessionId": sessionId})

	if handler != nil {
		if err := safeCall(func() error { return handler.OnPlayerJoined(gameId, sessionId) }); err != nil {
			obs.Logger.Error("session: onPlayerJoined handler failed", "gameId", gameId, "sessionId", sessionId, "error", err)
			h.SendToSession(sessionId, EventError, ErrorPayload{Type: "handler-error", Message: err.Error()})
		}
	}
	return nil
}

// LeaveGame removes a session from the game room and from every chunk
// sub-room of that game it belonged to, in that order, then broadcasts
// player-disconnected (spec §4.2).
func (h *Hub) LeaveGame(sessionId, gameId string) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionId]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	gameType := sess.games[gameId]
	delete(sess.games, gameId)
	if room, ok := h.gameRooms[gameId]; ok {
		delete(room, sessionId)
		if len(room) == 0 {
			delete(h.gameRooms, gameId)
		}
	}
	for chunkId := range sess.chunks[gameId] {
		h.removeFromChunkRoomLocked(gameId, chunkId, sessionId)
	}
	delete(sess.chunks, gameId)

	remaining := h.gameRooms[gameId]
	others := make([]string, 0, len(remaining))
	for id := range remaining {
		others = append(others, id)
	}
	handler := h.handlers[gameType]
	h.mu.Unlock()

	h.deliverTo(others, EventPlayerDisconnected, map[string]any{"sessionId": sessionId})

	if handler != nil {
		if err := safeCall(func() error { return handler.OnPlayerLeft(gameId, sessionId) }); err != nil {
			obs.Logger.Error("session: onPlayerLeft handler failed", "gameId", gameId, "sessionId", sessionId, "error", err)
			h.SendToSession(sessionId, EventError, ErrorPayload{Type: "handler-error", Message: err.Error()})
		}
	}
	return nil
}

func (h *Hub) removeFromChunkRoomLocked(gameId, chunkId, sessionId string) {
	rooms := h.chunkRooms[gameId]
	if rooms == nil {
		return
	}
	room := rooms[chunkId]
	if room == nil {
		return
	}
	delete(room, sessionId)
	if len(room) == 0 {
		delete(rooms, chunkId)
	}
	if len(rooms) == 0 {
		delete(h.chunkRooms, gameId)
	}
}

// SubscribeChunk adds sessionId to the chunk sub-room. Idempotent; the
// session must already be a member of the game room, otherwise this is a
// membership violation reported to the session as an error event and
// ignored (spec §4.2).
func (h *Hub) SubscribeChunk(sessionId, gameId, chunkId string) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionId]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	if _, inGame := sess.games[gameId]; !inGame {
		h.mu.Unlock()
		h.SendToSession(sessionId, EventError, ErrorPayload{
			Type:    "not-in-game",
			Message: "cannot subscribe to a chunk of a game you have not joined",
		})
		return ErrNotInGame
	}

	rooms, ok := h.chunkRooms[gameId]
	if !ok {
		rooms = make(map[string]map[string]struct{})
		h.chunkRooms[gameId] = rooms
	}
	room, ok := rooms[chunkId]
	if !ok {
		room = make(map[string]struct{})
		rooms[chunkId] = room
	}
	room[sessionId] = struct{}{}

	if sess.chunks[gameId] == nil {
		sess.chunks[gameId] = make(map[string]struct{})
	}
	sess.chunks[gameId][chunkId] = struct{}{}
	h.mu.Unlock()
	return nil
}

// UnsubscribeChunk removes sessionId from the chunk sub-room. Idempotent.
func (h *Hub) UnsubscribeChunk(sessionId, gameId, chunkId string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionId]
	if !ok {
		return ErrUnknownSession
	}
	h.removeFromChunkRoomLocked(gameId, chunkId, sessionId)
	if set := sess.chunks[gameId]; set != nil {
		delete(set, chunkId)
		if len(set) == 0 {
			delete(sess.chunks, gameId)
		}
	}
	return nil
}

// BroadcastToGame delivers event/payload to every member of gameId's room
// on this process.
func (h *Hub) BroadcastToGame(gameId, event string, payload any) {
	h.mu.Lock()
	room := h.gameRooms[gameId]
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	h.mu.Unlock()
	h.deliverTo(members, event, payload)
}

// BroadcastToGameExcept delivers event/payload to every member of
// gameId's room on this process except exceptSessionId. Used by the
// transport layer to rebroadcast a sender's own move/state-change to
// everyone else (spec §6 inbound event table).
func (h *Hub) BroadcastToGameExcept(gameId, exceptSessionId, event string, payload any) {
	h.mu.Lock()
	room := h.gameRooms[gameId]
	members := make([]string, 0, len(room))
	for id := range room {
		if id != exceptSessionId {
			members = append(members, id)
		}
	}
	h.mu.Unlock()
	h.deliverTo(members, event, payload)
}

// InvokeCustomHandler dispatches to the OnCustomEvent callback registered
// for the game type sessionId joined gameId under, if any.
func (h *Hub) InvokeCustomHandler(gameId, sessionId, event string, payload any) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionId]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownSession
	}
	gameType := sess.games[gameId]
	handler := h.handlers[gameType]
	h.mu.Unlock()
	if handler == nil {
		return nil
	}
	err := safeCall(func() error { return handler.OnCustomEvent(gameId, sessionId, event, payload) })
	if err != nil {
		obs.Logger.Error("session: onCustomEvent handler failed", "gameId", gameId, "sessionId", sessionId, "event", event, "error", err)
		h.SendToSession(sessionId, EventError, ErrorPayload{Type: "handler-error", Message: err.Error()})
	}
	return err
}

// BroadcastToChunk delivers event/payload to every member of the chunk
// sub-room.
func (h *Hub) BroadcastToChunk(gameId, chunkId, event string, payload any) {
	h.mu.Lock()
	var members []string
	if rooms, ok := h.chunkRooms[gameId]; ok {
		if room, ok := rooms[chunkId]; ok {
			members = make([]string, 0, len(room))
			for id := range room {
				members = append(members, id)
			}
		}
	}
	h.mu.Unlock()
	h.deliverTo(members, event, payload)
}

// SendToSession unicasts event/payload to one session. A missing session
// is silently ignored (it has likely already disconnected).
func (h *Hub) SendToSession(sessionId, event string, payload any) {
	h.mu.Lock()
	sess := h.sessions[sessionId]
	h.mu.Unlock()
	if sess == nil {
		return
	}
	h.sendOne(sess, event, payload)
}

func (h *Hub) deliverTo(sessionIds []string, event string, payload any) {
	h.mu.Lock()
	handles := make([]*sessionState, 0, len(sessionIds))
	for _, id := range sessionIds {
		if sess := h.sessions[id]; sess != nil {
			handles = append(handles, sess)
		}
	}
	h.mu.Unlock()
	for _, sess := range handles {
		h.sendOne(sess, event, payload)
	}
}

func (h *Hub) sendOne(sess *sessionState, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			obs.Logger.Error("session: send panicked", "sessionId", sess.id, "recover", r)
		}
	}()
	if err := sess.handle.Send(event, payload); err != nil {
		obs.Logger.Warn("session: send failed", "sessionId", sess.id, "event", event, "error", err)
	}
}

// Disconnect tears down a session: iterates its joined games broadcasting
// player-disconnected to each, removes every chunk sub-membership, and
// forgets the session. Idempotent and safe even if the transport handle
// has already failed (spec §4.2 state machine).
func (h *Hub) Disconnect(sessionId string) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionId]
	if !ok {
		h.mu.Unlock()
		return
	}
	games := make([]string, 0, len(sess.games))
	for gameId := range sess.games {
		games = append(games, gameId)
	}
	h.mu.Unlock()

	for _, gameId := range games {
		h.LeaveGame(sessionId, gameId)
	}

	h.mu.Lock()
	delete(h.sessions, sessionId)
	h.mu.Unlock()
}

// SessionGames returns the set of gameIds sessionId currently belongs to.
// Read-only accessor used by the transport layer on disconnect cleanup.
func (h *Hub) SessionGames(sessionId string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessions[sessionId]
	if sess == nil {
		return nil
	}
	out := make([]string, 0, len(sess.games))
	for gameId := range sess.games {
		out = append(out, gameId)
	}
	return out
}

// SessionChunks returns the chunkIds sessionId is subscribed to for
// gameId.
func (h *Hub) SessionChunks(sessionId, gameId string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess := h.sessions[sessionId]
	if sess == nil {
		return nil
	}
	set := sess.chunks[gameId]
	out := make([]string, 0, len(set))
	for chunkId := range set {
		out = append(out, chunkId)
	}
	return out
}

// ChunkSubscriberCount reports how many sessions on this process are
// subscribed to (gameId, chunkId). Part of the Chunk Router's Hub
// interface; the Router itself does not call it.
func (h *Hub) ChunkSubscriberCount(gameId, chunkId string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rooms, ok := h.chunkRooms[gameId]; ok {
		return len(rooms[chunkId])
	}
	return 0
}

// ActiveChunksForGame returns the union of all sessions' subscribed
// chunks for gameId on this process.
func (h *Hub) ActiveChunksForGame(gameId string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.chunkRooms[gameId]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for chunkId := range rooms {
		out = append(out, chunkId)
	}
	return out
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return fn()
}

func panicToError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return &panicError{r}
}

type panicError struct{ v any }

func (p *panicError) Error() string { return "panic: " + toString(p.v) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return "unknown panic value"
}
