// Package agent runs a bounded tool-calling loop against a chat model.
package agent

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one history entry. Assistant messages may carry ToolCalls; tool
// messages carry the ToolCallID they answer.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a tool to the model. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one model invocation. System is prepended by the model adapter.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Model produces the next assistant message.
type Model interface {
	Complete(ctx context.Context, req Request) (Message, error)
}

// EchoModel answers with the latest user message verbatim. It stands in for
// a real model when no credentials are configured.
type EchoModel struct{}

func (EchoModel) Complete(_ context.Context, req Request) (Message, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return Message{Role: RoleAssistant, Content: req.Messages[i].Content}, nil
		}
	}
	return Message{Role: RoleAssistant}, nil
}
