// Package channel is the event channel: websocket connections, named rooms
// and best-effort fan-out of JSON events.
package channel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-screen/pkg/gateway/protocol"
)

const (
	defaultSendBuffer   = 128
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
)

type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// SendBuffer is the per-connection outbound queue length. Frames beyond
	// it are dropped.
	SendBuffer int
	ReadLimit  int64
	Logger     *slog.Logger
	// Dropped is called for every outbound frame that could not be queued.
	Dropped func(event string)
}

// Hub tracks live connections and room membership. Emission never blocks.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	wg       sync.WaitGroup
	draining atomic.Bool
}

func NewHub(opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dropped == nil {
		opts.Dropped = func(string) {}
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger,
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
	}
}

// Attach registers ws and starts its writer. The connection lives until
// Close is called, parent ends, or a write fails.
func (h *Hub) Attach(parent context.Context, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:     "conn_" + uuid.NewString(),
		hub:    h,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan frame, h.opts.SendBuffer),
		rooms:  make(map[string]struct{}),
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	h.mu.Lock()
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	w := &outboundWriter{
		ws:           ws,
		ctx:          ctx,
		queue:        c.send,
		writeTimeout: h.opts.WriteTimeout,
		pingInterval: h.opts.PingInterval,
	}
	go func() {
		if err := w.Run(); err != nil {
			h.logger.Debug("socket writer stopped", "conn_id", c.id, "error", err)
		}
		c.Close()
	}()

	h.logger.Info("socket connected", "conn_id", c.id, "remote_addr", ws.RemoteAddr().String())
	return c
}

// Join adds c to room.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.conns[c.id]; !live {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}
}

// EmitToRoom sends one event to every member of room.
func (h *Hub) EmitToRoom(room, event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(frame{event: event, payload: raw})
	}
}

// Broadcast sends one event to every connection.
func (h *Hub) Broadcast(event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}
	for _, c := range h.snapshot() {
		c.enqueue(frame{event: event, payload: raw})
	}
}

// Count reports live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Members lists the connection ids in room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) SetDraining(draining bool) { h.draining.Store(draining) }

func (h *Hub) IsDraining() bool { return h.draining.Load() }

// WarnAll sends a warning event to every connection and reports how many
// were queued.
func (h *Hub) WarnAll(code, message string) int {
	raw, ok := h.encode(protocol.EventWarning, protocol.Warning{Code: code, Message: message})
	if !ok {
		return 0
	}
	sent := 0
	for _, c := range h.snapshot() {
		if c.enqueue(frame{event: protocol.EventWarning, payload: raw}) {
			sent++
		}
	}
	return sent
}

// CloseAll closes every connection and reports how many there were.
func (h *Hub) CloseAll() int {
	conns := h.snapshot()
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Wait blocks until every attached connection has been closed or ctx ends.
func (h *Hub) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if _, live := h.conns[c.id]; !live {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for room := range c.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	h.wg.Done()
	h.logger.Info("socket disconnected", "conn_id", c.id)
}

func (h *Hub) encode(event string, data any) ([]byte, bool) {
	raw, err := protocol.Encode(event, data)
	if err != nil {
		h.logger.Error("encode event failed", "event", event, "error", err)
		return nil, false
	}
	return raw, true
}
