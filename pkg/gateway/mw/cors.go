package mw

import (
	"net/http"
	"strings"
)

var corsAllowedMethods = "GET, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	"Sec-WebSocket-Protocol",
}, ", ")

// CORS admits browser origins listed in allowed. An empty allowlist admits
// any origin, matching the dashboard's single-site deployments.
func CORS(allowed map[string]struct{}, next http.Handler) http.Handler {
	permit := func(origin string) bool {
		if origin == "" {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !permit(origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if permit(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		}
		next.ServeHTTP(w, r)
	})
}

// OriginAllowed reports whether a websocket handshake from origin should be
// accepted. Requests without an Origin header come from non-browser clients.
func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}
