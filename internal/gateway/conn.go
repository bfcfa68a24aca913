// ABOUTME: One client WebSocket connection with an ordered outbound queue.
// ABOUTME: A single writer goroutine preserves emission order and sends heartbeats.

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/canvas-gateway/internal/protocol"
)

const (
	// outboundQueueSize bounds the per-connection send queue. Emitters block
	// (never reorder) when the client reads slowly.
	outboundQueueSize = 64

	writeTimeout = 10 * time.Second
)

// Conn is one accepted client connection. It implements the orchestrator's
// Emitter: frames emitted on a connection are written in exactly the order
// Emit was called, through the single writer goroutine.
type Conn struct {
	ID string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closer sync.Once
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
}

func newConn(id string, ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ID:     id,
		ws:     ws,
		send:   make(chan []byte, outboundQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id),
	}
}

// Emit serializes a payload into the wire envelope and queues it. Emitting on
// a closed connection drops the frame and reports success: a departed client
// must not abort an in-flight turn, so the orchestrator keeps running and the
// session store stays consistent for a later reconnect.
func (c *Conn) Emit(msgType string, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		c.logger.Debug("frame dropped on closed connection", "type", msgType)
		return nil
	}
}

// BindSession associates the connection with a session id.
func (c *Conn) BindSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// SessionID returns the bound session id, if any.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// close tears the connection down. Safe to call multiple times.
func (c *Conn) close() {
	c.closer.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump is the single writer: it drains the send queue and emits
// heartbeat pings. A peer that misses a pong deadline is detected in the
// read pump via the read deadline; a failed write tears the connection down
// directly.
func (c *Conn) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
