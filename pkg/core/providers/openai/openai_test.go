package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-screen/pkg/core"
	"github.com/vango-go/vai-screen/pkg/core/agent"
)

func completionServer(t *testing.T, status int, body string, seen chan<- map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(raw, &req)
		if seen != nil {
			seen <- req
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const toolCallResponse = `{
  "id": "cmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "deepseek-chat",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "setTrendType", "arguments": "{\"to\":\"people\"}"}
      }]
    }
  }]
}`

func TestComplete_ToolCalls(t *testing.T) {
	t.Parallel()
	seen := make(chan map[string]any, 1)
	srv := completionServer(t, http.StatusOK, toolCallResponse, seen)
	m := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "deepseek-chat", Temperature: 0.2})

	req := agent.Request{
		System: "你是运营数据助手",
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: "打开报表"},
			{Role: agent.RoleAssistant, ToolCalls: []agent.ToolCall{{ID: "c0", Name: "openMonthlyReport", Arguments: []byte(`{"month":"八月"}`)}}},
			{Role: agent.RoleTool, Content: `{"ok":true}`, ToolCallID: "c0"},
			{Role: agent.RoleUser, Content: "右侧改为人数趋势"},
		},
		Tools: []agent.ToolSpec{{
			Name:        "setTrendType",
			Description: "switch trend",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"to": map[string]any{"type": "string"}}},
		}},
	}
	out, err := m.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, agent.RoleAssistant, out.Role)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_1", out.ToolCalls[0].ID)
	assert.Equal(t, "setTrendType", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"to":"people"}`, string(out.ToolCalls[0].Arguments))

	body := <-seen
	assert.Equal(t, "deepseek-chat", body["model"])
	assert.InDelta(t, 0.2, body["temperature"], 1e-9)

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	asst := msgs[2].(map[string]any)
	assert.Equal(t, "assistant", asst["role"])
	calls := asst["tool_calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "c0", calls[0].(map[string]any)["id"])
	tool := msgs[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "c0", tool["tool_call_id"])

	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "setTrendType", fn["name"])
}

func TestComplete_PlainText(t *testing.T) {
	t.Parallel()
	srv := completionServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"已切换"}}]}`, nil)
	m := New(Config{APIKey: "sk-test", BaseURL: srv.URL})

	out, err := m.Complete(context.Background(), agent.Request{Messages: []agent.Message{{Role: agent.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "已切换", out.Content)
	assert.Empty(t, out.ToolCalls)
}

func TestComplete_UpstreamErrorIsModelError(t *testing.T) {
	t.Parallel()
	srv := completionServer(t, http.StatusUnauthorized, `{"error":{"message":"Authentication Fails","type":"authentication_error"}}`, nil)
	m := New(Config{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := m.Complete(context.Background(), agent.Request{Messages: []agent.Message{{Role: agent.RoleUser, Content: "hi"}}})
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.ErrModel, ce.Type)
	assert.Equal(t, http.StatusUnauthorized, ce.Detail["status"])
	assert.Contains(t, ce.Detail["body"], "Authentication Fails")
}

func TestComplete_NoChoices(t *testing.T) {
	t.Parallel()
	srv := completionServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)
	m := New(Config{APIKey: "sk-test", BaseURL: srv.URL})

	_, err := m.Complete(context.Background(), agent.Request{Messages: []agent.Message{{Role: agent.RoleUser, Content: "hi"}}})
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.ErrModel, ce.Type)
}
