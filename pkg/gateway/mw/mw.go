package mw

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-screen/pkg/core"
)

type ctxKeyRequestID struct{}

type ctxKeyLogAttrs struct{}

// logAttrs collects fields a handler adds to its own access log line.
type logAttrs struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key and value to the access log line of the request that
// owns ctx. It is a no-op outside AccessLog.
func Annotate(ctx context.Context, key string, value any) {
	la, ok := ctx.Value(ctxKeyLogAttrs{}).(*logAttrs)
	if !ok {
		return
	}
	la.mu.Lock()
	la.attrs = append(la.attrs, key, value)
	la.mu.Unlock()
}

func (la *logAttrs) snapshot() []any {
	la.mu.Lock()
	defer la.mu.Unlock()
	return append([]any(nil), la.attrs...)
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + randHex(10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Recover turns a handler panic into a JSON api_error response.
func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				reqID, _ := RequestIDFrom(r.Context())
				if logger != nil {
					logger.Error("panic", "panic", v, "request_id", reqID, "path", r.URL.Path)
				}
				err := core.NewAPIError("internal error")
				if reqID != "" {
					err = err.WithDetail("request_id", reqID)
				}
				writeJSONError(w, http.StatusInternalServerError, err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// hijackWriter is used only when the underlying writer can be hijacked, so
// websocket upgrades keep working behind the access log.
type hijackWriter struct {
	*statusWriter
	hj http.Hijacker
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.hj.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		var out http.ResponseWriter = sw
		if hj, ok := w.(http.Hijacker); ok {
			out = &hijackWriter{statusWriter: sw, hj: hj}
		}
		la := &logAttrs{}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyLogAttrs{}, la))
		next.ServeHTTP(out, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		args := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		// Socket requests log once the connection ends.
		logger.Info("request", append(args, la.snapshot()...)...)
	})
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, err *core.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: err})
}
