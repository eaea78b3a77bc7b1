// Package transport is the gorilla/websocket adapter that drives the
// Session Hub, Chunk Router, and Sync Coordinator from real client
// connections (spec §6 external interfaces).
package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/turnforge/syncfabric/bus"
	"github.com/turnforge/syncfabric/chunkrouter"
	"github.com/turnforge/syncfabric/config"
	"github.com/turnforge/syncfabric/internal/obs"
	"github.com/turnforge/syncfabric/session"
	"github.com/turnforge/syncfabric/synccoordinator"
)

// Server wires one websocket listener to the three core components.
type Server struct {
	cfg    config.Config
	hub    *session.Hub
	router *chunkrouter.Router
	coord  *synccoordinator.Coordinator
	busImp bus.Bus

	upgrader websocket.Upgrader
}

// NewServer constructs a Server. The caller is expected to have already
// wired Bus -> Router/Coordinator (they subscribe at construction).
func NewServer(cfg config.Config, b bus.Bus, hub *session.Hub, router *chunkrouter.Router, coord *synccoordinator.Coordinator) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		router: router,
		coord:  coord,
		busImp: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	coord.RegisterMoveHandler(s.onCoordinatorMove)
	return s
}

// ServeHTTP upgrades the connection, mints a session id, registers it
// with the Hub, and starts the read/write pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Logger.Warn("transport: upgrade failed", "error", err)
		return
	}

	sessionId := uuid.NewString()
	c := newClient(sessionId, conn, s)
	s.hub.OnConnect(sessionId, c)

	if err := c.Send("connected", map[string]any{"sessionId": sessionId}); err != nil {
		obs.Logger.Warn("transport: failed to greet new session", "sessionId", sessionId, "error", err)
	}

	go c.writePump()
	c.readPump()
}

// disconnect tears down a session in the order spec §4.3's cleanup note
// requires: the Hub first (so its room/chunk-room membership reflects
// the departure), then the Router (so its active-chunks republish sees
// post-disconnect membership), then the Coordinator (drop pending
// updates owned by this session's player identity).
func (s *Server) disconnect(sessionId string) {
	ctx := context.Background()
	games := s.hub.SessionGames(sessionId)

	s.hub.Disconnect(sessionId)
	s.router.CleanupSession(ctx, sessionId)
	for _, gameId := range games {
		s.coord.DisconnectSession(gameId, sessionId)
	}

	obs.Logger.Debug("transport: session disconnected", "sessionId", sessionId, "games", games)
}

func (s *Server) handleInbound(c *client, msg inboundMessage) {
	switch msg.Event {
	case "join-game":
		s.handleJoinGame(c, msg.Payload)
	case "leave-game":
		s.handleLeaveGame(c, msg.Payload)
	case "subscribe-chunk":
		s.handleSubscribeChunk(c, msg.Payload)
	case "unsubscribe-chunk":
		s.handleUnsubscribeChunk(c, msg.Payload)
	case "game-move":
		s.handleGameMove(c, msg.Payload)
	case "game-state-change":
		s.handleGameStateChange(c, msg.Payload)
	default:
		c.Send("error", session.ErrorPayload{Type: "unknown-event", Message: "unrecognized event: " + msg.Event})
	}
}

func (s *Server) handleJoinGame(c *client, raw json.RawMessage) {
	var p joinGamePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameId == "" {
		c.Send("error", session.ErrorPayload{Type: "bad-payload", Message: "join-game requires a gameId"})
		return
	}
	if err := s.hub.JoinGame(c.id, p.GameId, p.GameType); err != nil {
		c.Send("error", session.ErrorPayload{Type: "join-failed", Message: err.Error()})
	}
}

func (s *Server) handleLeaveGame(c *client, raw json.RawMessage) {
	var gameId string
	if err := json.Unmarshal(raw, &gameId); err != nil || gameId == "" {
		c.Send("error", session.ErrorPayload{Type: "bad-payload", Message: "leave-game requires a gameId"})
		return
	}
	if err := s.hub.LeaveGame(c.id, gameId); err != nil {
		c.Send("error", session.ErrorPayload{Type: "leave-failed", Message: err.Error()})
	}
}

// handleSubscribeChunk routes through the Router (not the Hub directly)
// so the Bus's active-chunks record for the game is republished
// immediately, keeping spec §3's invariant true during normal operation
// and not just at viewport-subscribe time or disconnect cleanup.
func (s *Server) handleSubscribeChunk(c *client, raw json.RawMessage) {
	var p subscribeChunkPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameId == "" || p.ChunkId == "" {
		c.Send("error", session.ErrorPayload{Type: "bad-payload", Message: "subscribe-chunk requires gameId and chunkId"})
		return
	}
	if err := s.router.SubscribeChunk(context.Background(), c.id, p.GameId, p.ChunkId); err != nil && err != session.ErrNotInGame {
		c.Send("error", session.ErrorPayload{Type: "subscribe-failed", Message: err.Error()})
	}
}

func (s *Server) handleUnsubscribeChunk(c *client, raw json.RawMessage) {
	var p subscribeChunkPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.GameId == "" || p.ChunkId == "" {
		c.Send("error", session.ErrorPayload{Type: "bad-payload", Message: "unsubscribe-chunk requires gameId and chunkId"})
		return
	}
	if err := s.router.UnsubscribeChunk(context.Background(), c.id, p.GameId, p.ChunkId); err != nil {
		c.Send("error", session.ErrorPayload{Type: "unsubscribe-failed", Message: err.Error()})
	}
}

// handleGameMove publishes the move to the Bus so every process's Sync
// Coordinator (including this one, via its own subscription) delivers
// move-made to the game room (spec §4.4 subscription table: `move` ->
// forwarded to handlers).
func (s *Server) handleGameMove(c *client, raw json.RawMessage) {
	gameId, data, err := decodeGameScoped(raw)
	if err != nil {
		c.Send("error", session.ErrorPayload{Type: "bad-payload", Message: "game-move requires a gameId"})
		return
	}
	if _, err := s.busImp.PublishGame(context.Background(), gameId, bus.EventMove, data, c.id); err != nil {
		obs.Logger.Warn("transport: failed to publish move", "gameId", gameId, "error", err)
	}
}

// handleGameStateChange publishes a non-optimistic state-change envelope;
// every Sync Coordinator instance (via its own Bus subscription) applies
// it through applyServerUpdate and broadcasts state-updated.
func (s *Server) handleGameStateChange(c *client, raw json.RawMessage) {
	gameId, data, err := decodeGameScoped(raw)
	if err != nil {
		c.Send("error", session.ErrorPayload{Type: "bad-payload", Message: "game-state-change requires a gameId"})
		return
	}
	envelope := map[string]any{"updates": data}
	if _, err := s.busImp.PublishGame(context.Background(), gameId, bus.EventStateChange, envelope, c.id); err != nil {
		obs.Logger.Warn("transport: failed to publish state change", "gameId", gameId, "error", err)
	}
}

// onCoordinatorMove is the Sync Coordinator's move-handler callback,
// responsible for the local half of spec §6's "rebroadcast as move-made
// to other members" rule. playerId here is actually the originating
// session id (handleGameMove publishes with c.id), which is exactly what
// BroadcastToGameExcept needs to skip echoing the move back to its sender.
func (s *Server) onCoordinatorMove(gameId, playerId string, payload any) {
	s.hub.BroadcastToGameExcept(gameId, playerId, session.EventMoveMade, payload)
}

func decodeGameScoped(raw json.RawMessage) (string, map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", nil, err
	}
	gameId, _ := data["gameId"].(string)
	if gameId == "" {
		var gp gameScopedPayload
		if err := json.Unmarshal(raw, &gp); err == nil {
			gameId = gp.GameId
		}
	}
	if gameId == "" {
		return "", nil, errBadPayload
	}
	return gameId, data, nil
}
