package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/vango-go/vai-screen/pkg/core"
)

const (
	DefaultMaxIterations = 6
	DefaultFallbackReply = "完成"
	toolErrorPrefix      = "ToolError: "
)

// Tool call outcomes reported to Observe.
const (
	ToolOK      = "ok"
	ToolError   = "error"
	ToolUnknown = "unknown"
)

// Loop turns one user message into a reply, running tool calls in between.
type Loop struct {
	Model         Model
	Tools         *Registry
	System        string
	MaxIterations int
	// Fallback is returned when the model never produces plain text.
	Fallback string
	Logger   *slog.Logger
	// ObserveTool is called after every tool call with its outcome.
	ObserveTool func(name, outcome string)
}

// TurnResult carries the reply and every message the turn produced, user
// message first. Callers append Messages to their history on success.
type TurnResult struct {
	Reply      string
	Messages   []Message
	Iterations int
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return l.MaxIterations
}

func (l *Loop) fallback() string {
	if strings.TrimSpace(l.Fallback) == "" {
		return DefaultFallbackReply
	}
	return l.Fallback
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Run executes one turn. history is never modified. A model failure aborts
// the turn with a *core.Error of type model_error; tool failures are fed back
// to the model as "ToolError: <message>".
func (l *Loop) Run(ctx context.Context, history []Message, user string) (TurnResult, error) {
	if l.Model == nil {
		return TurnResult{}, core.NewAPIError("agent model is not configured")
	}
	turn := []Message{{Role: RoleUser, Content: user}}
	started := time.Now()

	for i := 1; i <= l.maxIterations(); i++ {
		next, reply, done, err := l.step(ctx, history, turn)
		if err != nil {
			return TurnResult{}, err
		}
		turn = next
		if done {
			if strings.TrimSpace(reply) == "" {
				reply = l.fallback()
			}
			l.logger().Info("agent turn complete",
				"iterations", i, "messages", len(turn), "elapsed_ms", time.Since(started).Milliseconds())
			return TurnResult{Reply: reply, Messages: turn, Iterations: i}, nil
		}
	}

	l.logger().Warn("agent iteration budget exhausted", "max_iterations", l.maxIterations())
	return TurnResult{Reply: l.fallback(), Messages: turn, Iterations: l.maxIterations()}, nil
}

// step performs one model invocation and, when tools are requested, runs
// them. It returns a fresh accumulator; turn itself is left untouched.
func (l *Loop) step(ctx context.Context, history, turn []Message) ([]Message, string, bool, error) {
	msgs := make([]Message, 0, len(history)+len(turn))
	msgs = append(msgs, history...)
	msgs = append(msgs, turn...)

	started := time.Now()
	out, err := l.Model.Complete(ctx, Request{System: l.System, Messages: msgs, Tools: l.Tools.Specs()})
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return nil, "", false, err
		}
		return nil, "", false, core.NewModelError(err)
	}
	out.Role = RoleAssistant
	l.logger().Debug("model invocation", "elapsed_ms", time.Since(started).Milliseconds(), "tool_calls", len(out.ToolCalls))

	next := make([]Message, 0, len(turn)+1+len(out.ToolCalls))
	next = append(next, turn...)
	next = append(next, out)
	if len(out.ToolCalls) == 0 {
		return next, out.Content, true, nil
	}

	for _, call := range out.ToolCalls {
		next = append(next, Message{
			Role:       RoleTool,
			Content:    l.invoke(ctx, call),
			ToolCallID: call.ID,
		})
	}
	return next, "", false, nil
}

func (l *Loop) invoke(ctx context.Context, call ToolCall) string {
	started := time.Now()
	result, err := l.callTool(ctx, call)
	outcome := ToolOK
	if err != nil {
		outcome = ToolError
		if errors.Is(err, ErrUnknownTool) {
			outcome = ToolUnknown
		}
		msg, _ := core.Describe(err)
		result = toolErrorPrefix + msg
		l.logger().Warn("tool call failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
	} else {
		l.logger().Info("tool call", "tool", call.Name, "tool_call_id", call.ID, "elapsed_ms", time.Since(started).Milliseconds())
	}
	if l.ObserveTool != nil {
		l.ObserveTool(call.Name, outcome)
	}
	return result
}

// callTool runs one tool, turning a panic into a tool_error.
func (l *Loop) callTool(ctx context.Context, call ToolCall) (result string, err error) {
	defer func() {
		if v := recover(); v != nil {
			l.logger().Error("tool panicked", "tool", call.Name, "tool_call_id", call.ID, "panic", v, "stack", string(debug.Stack()))
			result = ""
			err = &core.Error{Type: core.ErrTool, Message: fmt.Sprint(v), Code: "tool_panic"}
		}
	}()
	return l.Tools.Call(ctx, call.Name, call.Arguments)
}
