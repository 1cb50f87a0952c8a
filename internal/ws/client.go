package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roboedge-io/roboedge/internal/events"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled client is closed rather than allowed to block the pump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after a ping.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings go out. Must stay below pongWait so
	// the client has time to answer.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Clients only send close/pong
	// frames; the stream is server-push only.
	maxMessageSize = 512
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin
// validation is the reverse proxy's responsibility in deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected event-stream peer. It owns a bus subscription
// for its topic pattern; writePump forwards matching events as JSON
// frames, readPump only detects disconnection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	sub    *events.Subscription
	logger *zap.Logger

	// traceID, when set, narrows the stream to events of one trace.
	traceID string
}

// Serve upgrades the request and streams events matching pattern (and
// optionally traceID) until the client disconnects or the hub shuts down.
// It blocks for the lifetime of the connection.
func Serve(hub *Hub, bus *events.Bus, w http.ResponseWriter, r *http.Request, pattern, traceID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &Client{
		hub:     hub,
		conn:    conn,
		sub:     bus.Subscribe(pattern),
		traceID: traceID,
		logger:  logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("pattern", pattern)),
	}
	if !hub.add(c) {
		c.sub.Close()
		_ = conn.Close()
		return nil
	}

	go c.writePump()
	c.readPump()
	return nil
}

// close tears the connection down from the server side. The pumps notice
// and unregister the client.
func (c *Client) close() {
	c.sub.Close()
	_ = c.conn.Close()
}

// readPump detects disconnection and keeps the read deadline fresh on
// pong frames. Application messages from the client are not expected.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards bus events to the wire and sends periodic pings.
// It is the only goroutine writing to conn — gorilla connections are not
// safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.traceID != "" && ev.TraceID != c.traceID {
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
