package channel

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

type frame struct {
	event   string
	payload []byte
}

// Conn is one attached websocket. Reads belong to a single goroutine; emits
// are safe from any goroutine.
type Conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan frame

	// guarded by hub.mu
	rooms map[string]struct{}

	closeOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

// Context ends when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Join adds the connection to room.
func (c *Conn) Join(room string) { c.hub.Join(c, room) }

// Emit sends one event to this connection only.
func (c *Conn) Emit(event string, data any) {
	raw, ok := c.hub.encode(event, data)
	if !ok {
		return
	}
	c.enqueue(frame{event: event, payload: raw})
}

// EmitToRoom and Broadcast let a connection stand in for the hub.
func (c *Conn) EmitToRoom(room, event string, data any) { c.hub.EmitToRoom(room, event, data) }

func (c *Conn) Broadcast(event string, data any) { c.hub.Broadcast(event, data) }

// Read returns the next inbound message. It fails once the connection is
// closed.
func (c *Conn) Read() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

// Close detaches the connection and stops its writer, which sends a close
// frame and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.hub.remove(c)
	})
}

func (c *Conn) enqueue(f frame) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		c.hub.opts.Dropped(f.event)
		c.hub.logger.Warn("outbound queue full, dropping event", "conn_id", c.id, "event", f.event)
		return false
	}
}
