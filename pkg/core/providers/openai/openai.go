// Package openai adapts any OpenAI-compatible chat completions endpoint
// (DeepSeek by default) to agent.Model.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/vango-go/vai-screen/pkg/core"
	"github.com/vango-go/vai-screen/pkg/core/agent"
)

const (
	DefaultBaseURL = "https://api.deepseek.com"
	DefaultModel   = "deepseek-chat"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	// Options are appended after the defaults, mainly for tests.
	Options []option.RequestOption
}

// Model implements agent.Model over chat completions with function tools.
type Model struct {
	client      openai.Client
	model       string
	temperature float64
}

func New(cfg Config) *Model {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	opts = append(opts, cfg.Options...)
	return &Model{
		client:      openai.NewClient(opts...),
		model:       name,
		temperature: cfg.Temperature,
	}
}

func (m *Model) Name() string { return m.model }

func (m *Model) Complete(ctx context.Context, req agent.Request) (agent.Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(m.model),
		Messages:    toMessages(req),
		Temperature: openai.Float(m.temperature),
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return agent.Message{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return agent.Message{}, core.NewModelError(errors.New("model returned no choices"))
	}

	msg := resp.Choices[0].Message
	out := agent.Message{Role: agent.RoleAssistant, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return out, nil
}

func toMessages(req agent.Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case agent.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case agent.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case agent.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: args,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func toTools(specs []agent.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  shared.FunctionParameters(s.Parameters),
		}))
	}
	return out
}

// classify turns client failures into model errors carrying upstream status
// and body when available.
func classify(err error) error {
	ce := core.NewModelError(err)
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ce.Message = fmt.Sprintf("model request failed with status %d", apiErr.StatusCode)
		ce.WithDetail("status", apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			ce.WithDetail("body", raw)
		}
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		ce.Code = "timeout"
	}
	return ce
}
