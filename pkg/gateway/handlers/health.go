package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports which optional capabilities are live. Degraded model
// or voice is still ready; draining or an unreachable decision store is not.
type ReadyHandler struct {
	ModelEnabled   bool
	ModelName      string
	VoiceEnabled   bool
	SpeechProvider string
	// DecisionStore names the backing store ("memory" or "redis").
	DecisionStore string
	// PingStore checks an external decision store. Nil means in-process.
	PingStore   func(ctx context.Context) error
	Draining    func() bool
	Connections func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		Draining      bool     `json:"draining"`
		Model         string   `json:"model"`
		Voice         string   `json:"voice"`
		DecisionStore string   `json:"decision_store"`
		Connections   int      `json:"connections"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)

	draining := h.Draining != nil && h.Draining()
	if draining {
		issues = append(issues, "server is draining")
	}
	if h.PingStore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.PingStore(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "decision store unreachable: "+err.Error())
		}
	}

	model := "echo"
	if h.ModelEnabled {
		model = h.ModelName
	}
	voice := "disabled"
	if h.VoiceEnabled {
		voice = h.SpeechProvider
	}
	store := h.DecisionStore
	if store == "" {
		store = "memory"
	}
	conns := 0
	if h.Connections != nil {
		conns = h.Connections()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		Draining:      draining,
		Model:         model,
		Voice:         voice,
		DecisionStore: store,
		Connections:   conns,
		Issues:        issues,
	})
}
