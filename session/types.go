// Package session implements the Session Hub from spec §4.2: it accepts
// transport connections, tracks per-session membership, and exposes
// room-based fan-out primitives. It has no dependency on the rest of the
// core — it is driven by external transport events and, optionally, by
// the Chunk Router for chunk-scoped delivery.
package session

import "errors"

// Reserved outbound event names (spec §4.2).
const (
	EventPlayerConnected    = "player-connected"
	EventPlayerDisconnected = "player-disconnected"
	EventPlayerJoined       = "player-joined"
	EventPlayerLeft         = "player-left"
	EventMoveMade           = "move-made"
	EventStateUpdated       = "state-updated"
	EventChunkUpdated       = "chunk-updated"
	EventError              = "error"
)

// ErrNotInGame is reported when a session attempts subscribeChunk for a
// game it has not joined (spec §4.2 membership violation).
// UnsubscribeChunk does not return it.
var ErrNotInGame = errors.New("session: not a member of game")

// ErrUnknownSession is returned by operations addressed to a SessionId
// the Hub has never seen or has already disconnected.
var ErrUnknownSession = errors.New("session: unknown session")

// SendHandle is the transport-level write path for one session. Hub
// never blocks other sessions' fan-out on a slow or failing Send (spec
// §4.2 failure semantics); it is the transport adapter's job to make
// Send non-blocking or to fail fast.
type SendHandle interface {
	Send(event string, payload any) error
	Close() error
}

// ErrorPayload is what a validation error is reported to a session as
// (spec §7): a machine-readable type tag plus a human message.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// GameHandler plugs game-specific logic into the standard transport
// events for one game type. A registered handler implements all three
// methods; a game type with no registered handler is skipped by the Hub.
// An error returned (or a panic raised) from a callback is caught,
// logged, and surfaced to the originating session as an EventError — it
// never aborts a membership change that has already happened (spec
// §4.2).
type GameHandler interface {
	OnPlayerJoined(gameId, sessionId string) error
	OnPlayerLeft(gameId, sessionId string) error
	OnCustomEvent(gameId, sessionId, event string, payload any) error
}

// NullHandle is a no-op SendHandle for tests and for callers that only
// care about room bookkeeping, not delivery. Embed it and override Send
// to capture only the events a test cares about.
type NullHandle struct{}

func (NullHandle) Send(event string, payload any) error { return nil }
func (NullHandle) Close() error                          { return nil }
