// Package protocol defines the socket envelope and the client and server
// event vocabulary.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client to server events.
const (
	EventStart            = "start"
	EventDecisionJoin     = "decision:join"
	EventDecisionList     = "decision:list"
	EventDecisionPush     = "decision:push"
	EventDecisionExecuted = "decision:executed"
	EventDecisionDefer    = "decision:defer"
	EventDecisionClose    = "decision:close"
	EventDecisionEstimate = "decision:estimate"
	EventDecisionExecute  = "decision:execute"
	EventUserInput        = "user_input"
	EventPanelJoin        = "panel:join"
	EventPanelDone        = "panel:done"
	EventSpeechStart      = "sr:ali:start"
	EventSpeechStop       = "sr:ali:stop"
	EventSpeechAudio      = "sr:ali:audio"
)

// Server to client events not owned by a core package.
const (
	EventStatus           = "status"
	EventAssistantMessage = "assistant_message"
	EventAssistantError   = "assistant_error"
	EventSpeechInterim    = "sr:ali:interim"
	EventSpeechFinal      = "sr:ali:final"
	EventSpeechError      = "sr:ali:error"
	EventSpeechClosed     = "sr:ali:closed"
	EventWarning          = "warning"
)

const (
	StatusReady   = "ready"
	StatusWorking = "working"
)

const (
	SourceText  = "text"
	SourceVoice = "voice"
)

// Envelope is the JSON shape of every text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badRequest(format string, args ...any) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: fmt.Sprintf(format, args...)}
}

// DecodeEnvelope parses one text frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, badRequest("invalid json envelope: %v", err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return Envelope{}, badRequest("envelope event is required")
	}
	return env, nil
}

// Encode marshals one outbound frame.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// Decode unmarshals an event payload into T. A missing payload yields the zero
// value.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if isEmpty(env.Data) {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, badRequest("invalid %s payload: %v", env.Event, err)
	}
	return out, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// IDRequest is the payload of decision:defer, decision:close and
// decision:estimate.
type IDRequest struct {
	ID string `json:"id"`
}

type UserInput struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// SourceOrDefault reports the turn source, defaulting to text.
func (u UserInput) SourceOrDefault() string {
	if u.Source == SourceVoice {
		return SourceVoice
	}
	return SourceText
}

// DecodeAudio accepts the JSON form of sr:ali:audio: a base64 string or a
// byte array.
func DecodeAudio(env Envelope) ([]byte, error) {
	if isEmpty(env.Data) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(env.Data, &s); err == nil {
		frame, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, badRequest("invalid base64 audio: %v", err)
		}
		return frame, nil
	}
	var ints []int
	if err := json.Unmarshal(env.Data, &ints); err != nil {
		return nil, badRequest("audio payload must be base64 string or byte array")
	}
	frame := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, badRequest("audio byte out of range at %d", i)
		}
		frame[i] = byte(v)
	}
	return frame, nil
}

type Status struct {
	Status string `json:"status"`
	Source string `json:"source,omitempty"`
}

type Message struct {
	Message string `json:"message"`
}

type AssistantError struct {
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

type Transcript struct {
	Text string `json:"text"`
}

type SpeechError struct {
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

type SpeechClosed struct {
	OK bool `json:"ok"`
}

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
