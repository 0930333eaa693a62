package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-screen/pkg/core"
	"github.com/vango-go/vai-screen/pkg/gateway/mw"
)

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeCoreErrorJSON(w, r, &core.Error{Type: core.ErrNotFound, Message: "not found"}, http.StatusNotFound)
}

func writeCoreErrorJSON(w http.ResponseWriter, r *http.Request, coreErr *core.Error, status int) {
	if reqID, ok := mw.RequestIDFrom(r.Context()); ok {
		coreErr = coreErr.WithDetail("request_id", reqID)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: coreErr})
}
