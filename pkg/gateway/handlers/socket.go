package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-screen/pkg/core"
	"github.com/vango-go/vai-screen/pkg/gateway/channel"
	"github.com/vango-go/vai-screen/pkg/gateway/mw"
)

// Runner serves one attached connection until it ends.
type Runner interface {
	Run() error
}

// SessionFactory builds the per-connection session for an attached conn.
type SessionFactory func(conn *channel.Conn) (Runner, error)

// SocketHandler upgrades the event channel endpoint and hands each
// connection to a new session.
type SocketHandler struct {
	Hub            *channel.Hub
	AllowedOrigins map[string]struct{}
	NewSession     SessionFactory
	Logger         *slog.Logger
}

func (h SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, r, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Hub.IsDraining() {
		writeCoreErrorJSON(w, r, &core.Error{Type: core.ErrOverloaded, Message: "server is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !mw.OriginAllowed(h.AllowedOrigins, r.Header.Get("Origin")) {
		writeCoreErrorJSON(w, r, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("socket upgrade failed", "request_id", reqID, "error", err)
		return
	}

	// http.Server.Shutdown does not touch hijacked connections; draining
	// ends them through the hub.
	conn := h.Hub.Attach(r.Context(), ws)
	mw.Annotate(r.Context(), "conn_id", conn.ID())
	logger.Debug("socket accepted", "request_id", reqID, "conn_id", conn.ID())

	sess, err := h.NewSession(conn)
	if err != nil {
		logger.Error("session setup failed", "conn_id", conn.ID(), "error", err)
		conn.Close()
		return
	}
	if err := sess.Run(); err != nil {
		logger.Info("socket ended", "conn_id", conn.ID(), "error", err)
	}
}
