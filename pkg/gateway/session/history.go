package session

import "github.com/vango-go/vai-screen/pkg/core/agent"

// history is owned by the turn worker; it is never shared between
// goroutines.
type history struct {
	messages []agent.Message
}

func newHistory() *history {
	return &history{messages: make([]agent.Message, 0, 16)}
}

func (h *history) snapshot() []agent.Message {
	out := make([]agent.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// commit appends a completed turn. Failed turns are never committed.
func (h *history) commit(turn []agent.Message) {
	h.messages = append(h.messages, turn...)
}

func (h *history) reset() {
	h.messages = nil
}

func (h *history) len() int { return len(h.messages) }
