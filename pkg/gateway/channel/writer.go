package channel

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine writing to a socket.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	queue        <-chan frame
	writeTimeout time.Duration
	pingInterval time.Duration
}

func (w *outboundWriter) Run() error {
	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
			_ = w.ws.Close()
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
		case f := <-w.queue:
			if err := w.write(f); err != nil {
				_ = w.ws.Close()
				return err
			}
		}
	}
}

// flushOnShutdown writes what is already queued, bounded in time and count,
// so replies emitted just before a close still reach the client.
func (w *outboundWriter) flushOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.writeTimeout < flushTimeout {
		flushTimeout = w.writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 16 && time.Now().Before(deadline); i++ {
		select {
		case f := <-w.queue:
			if err := w.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) write(f frame) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, f.payload)
}
