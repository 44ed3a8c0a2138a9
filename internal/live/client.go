package live

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// client is one peer connection. The write pump is the only goroutine
// writing to conn; the read pump is the only one reading.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 64),
		remote: conn.RemoteAddr().String(),
	}
}

// readPump consumes peer frames until the connection dies, handing apply
// requests to the hub's applier.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("live peer read failed", "error", err, "remote", c.remote)
			}
			return
		}

		msg, err := decodeMessage(raw)
		if err != nil {
			c.hub.logger.Warn("invalid frame from live peer", "error", err, "remote", c.remote)
			continue
		}

		switch msg.Type {
		case MessageApply:
			applier := c.hub.getApplier()
			if applier == nil {
				c.hub.logger.Warn("apply frame on broadcast-only channel", "remote", c.remote)
				continue
			}
			if err := applier.ApplyInbound(context.Background(), msg.Batches); err != nil {
				c.hub.logger.Error("apply inbound batches failed", "error", err, "remote", c.remote)
			}
		default:
			c.hub.logger.Warn("unexpected frame type from live peer", "type", msg.Type, "remote", c.remote)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings. It exits when the hub closes the send channel.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
