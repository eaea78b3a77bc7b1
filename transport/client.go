package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turnforge/syncfabric/internal/obs"
	"github.com/turnforge/syncfabric/session"
)

// WebSocket write deadline and read size limit, following the usual
// Gorilla conventions. Ping interval and pong timeout come from config.
const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// client owns one websocket connection and bridges it to the Session
// Hub, Chunk Router, and Sync Coordinator. It never mutates their state
// directly on the read path without going through their public
// contracts (spec §4.2/§4.3).
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan outboundMessage

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, server *Server) *client {
	return &client{
		id:     id,
		conn:   conn,
		server: server,
		send:   make(chan outboundMessage, 64),
		done:   make(chan struct{}),
	}
}

// Send implements session.SendHandle. It never blocks the caller — a
// slow or dead client's full buffer just drops the message and logs,
// per spec §4.2's "a failed send to one session never blocks fan-out to
// others".
func (c *client) Send(event string, payload any) error {
	select {
	case c.send <- outboundMessage{Event: event, Payload: payload}:
		return nil
	default:
		obs.Logger.Warn("transport: send buffer full, dropping message", "sessionId", c.id, "event", event)
		return nil
	}
}

func (c *client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *client) readPump() {
	defer func() {
		c.server.disconnect(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PingTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PingTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			obs.Logger.Warn("transport: malformed inbound message", "sessionId", c.id, "error", err)
			continue
		}
		c.server.handleInbound(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				obs.Logger.Warn("transport: write failed", "sessionId", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

var _ session.SendHandle = (*client)(nil)
