// Package aliyun streams audio to Alibaba Cloud Intelligent Speech
// Interaction (NLS) real-time transcription over websocket.
package aliyun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-screen/pkg/core/speech"
)

const (
	DefaultURL          = "wss://nls-gateway.cn-shanghai.aliyuncs.com/ws/v1"
	DefaultStartTimeout = 6 * time.Second
	namespace           = "SpeechTranscriber"
	maxSentenceSilence  = 2000
)

// Server message names.
const (
	nameStart            = "StartTranscription"
	nameStop             = "StopTranscription"
	nameStarted          = "TranscriptionStarted"
	nameResultChanged    = "TranscriptionResultChanged"
	nameRecognitionDelta = "RecognitionResultChanged"
	nameSentenceEnd      = "SentenceEnd"
	nameCompleted        = "TranscriptionCompleted"
	nameTaskFailed       = "TaskFailed"
)

// Provider opens NLS transcription sessions.
type Provider struct {
	URL             string
	AppKey          string
	Tokens          TokenSource
	VocabularyID    string
	CustomizationID string
	StartTimeout    time.Duration
	Dialer          *websocket.Dialer
	Logger          *slog.Logger
}

func (p *Provider) Name() string { return "aliyun" }

type header struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     *int   `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type startPayload struct {
	Format                         string `json:"format"`
	SampleRate                     int    `json:"sample_rate"`
	MaxSentenceSilence             int    `json:"max_sentence_silence"`
	EnableIntermediateResult       bool   `json:"enable_intermediate_result"`
	EnablePunctuationPrediction    bool   `json:"enable_punctuation_prediction"`
	EnableInverseTextNormalization bool   `json:"enable_inverse_text_normalization"`
	VocabularyID                   string `json:"vocabulary_id,omitempty"`
	CustomizationID                string `json:"customization_id,omitempty"`
}

type outbound struct {
	Header  header `json:"header"`
	Payload any    `json:"payload,omitempty"`
}

type inbound struct {
	Header  header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type resultPayload struct {
	Result string `json:"result"`
	Index  int    `json:"index"`
	Time   int    `json:"time"`
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Open dials the gateway, sends StartTranscription and waits for the server
// to confirm within StartTimeout.
func (p *Provider) Open(ctx context.Context, opts speech.Options) (speech.Stream, error) {
	if strings.TrimSpace(p.AppKey) == "" {
		return nil, &speech.ProviderError{Message: speech.ErrMissingAppKey}
	}
	if p.Tokens == nil {
		return nil, &speech.ProviderError{Message: "token_unavailable"}
	}
	token, err := p.Tokens.Token(ctx)
	if err != nil || token == "" {
		detail := map[string]any{}
		if err != nil {
			detail["error"] = err.Error()
		}
		return nil, &speech.ProviderError{Message: "token_unavailable", Detail: detail}
	}

	base := p.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse nls url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := p.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	headers := http.Header{}
	headers.Set("X-NLS-Token", token)

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &speech.ProviderError{
				Message: fmt.Sprintf("websocket connect: status %d", resp.StatusCode),
				Detail:  map[string]any{"status": resp.StatusCode, "raw": string(body)},
			}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &stream{
		conn:   conn,
		appKey: p.AppKey,
		taskID: newMessageID(),
		events: make(chan speech.Event, 64),
		stop:   make(chan struct{}),
		logger: logger,
	}

	format := opts.Format
	if format == "" {
		format = "pcm"
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = 16000
	}
	start := startPayload{
		Format:                         format,
		SampleRate:                     rate,
		MaxSentenceSilence:             maxSentenceSilence,
		EnableIntermediateResult:       true,
		EnablePunctuationPrediction:    true,
		EnableInverseTextNormalization: true,
		VocabularyID:                   p.VocabularyID,
		CustomizationID:                p.CustomizationID,
	}
	if err := s.send(nameStart, start); err != nil {
		_ = conn.Close()
		return nil, &speech.ProviderError{Message: "start_error", Detail: map[string]any{"error": err.Error()}}
	}

	timeout := p.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	if err := s.awaitStarted(timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

type stream struct {
	conn   *websocket.Conn
	appKey string
	taskID string
	events chan speech.Event
	stop   chan struct{}
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *stream) send(name string, payload any) error {
	msg := outbound{
		Header: header{
			MessageID: newMessageID(),
			TaskID:    s.taskID,
			Namespace: namespace,
			Name:      name,
			AppKey:    s.appKey,
		},
		Payload: payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *stream) awaitStarted(timeout time.Duration) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return &speech.ProviderError{Message: "start_error", Detail: map[string]any{"error": err.Error()}}
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Header.Name {
		case nameStarted:
			return nil
		case nameTaskFailed:
			return normalizeError(data)
		}
	}
}

func (s *stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("nls read ended", "task_id", s.taskID, "error", err)
				}
				s.emit(speech.Event{Kind: speech.KindClosed})
			}
			return
		}
		ev, ok := classify(data)
		if !ok {
			continue
		}
		s.emit(ev)
		if ev.Kind == speech.KindError {
			return
		}
	}
}

func (s *stream) emit(ev speech.Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func (s *stream) SendAudio(frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *stream) Events() <-chan speech.Event { return s.events }

// Close asks the server to stop, then tears the socket down.
func (s *stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	_ = s.send(nameStop, nil)
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// classify maps one server message onto a speech event. Messages without
// text and bookkeeping messages are skipped.
func classify(data []byte) (speech.Event, bool) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return speech.Event{}, false
	}
	name := msg.Header.Name
	if name == nameTaskFailed {
		return speech.Event{Kind: speech.KindError, Err: normalizeError(data)}, true
	}

	var payload resultPayload
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}
	text := payload.Result
	if text == "" {
		var flat struct {
			Result string `json:"result"`
			Text   string `json:"text"`
		}
		_ = json.Unmarshal(data, &flat)
		text = flat.Result
		if text == "" {
			text = flat.Text
		}
	}
	if text == "" {
		return speech.Event{}, false
	}

	switch name {
	case nameSentenceEnd, nameCompleted:
		return speech.Event{Kind: speech.KindFinal, Text: text}, true
	case "", nameResultChanged, nameRecognitionDelta:
		return speech.Event{Kind: speech.KindInterim, Text: text}, true
	default:
		return speech.Event{}, false
	}
}

// normalizeError flattens a TaskFailed frame. Frames whose message field
// wraps another JSON document are unwrapped first.
func normalizeError(raw []byte) *speech.ProviderError {
	var direct map[string]any
	_ = json.Unmarshal(raw, &direct)
	obj := direct
	if inner, ok := direct["message"].(string); ok {
		var wrapped map[string]any
		if json.Unmarshal([]byte(inner), &wrapped) == nil {
			obj = wrapped
		}
	}

	hdr, _ := obj["header"].(map[string]any)
	str := func(k string) string {
		v, _ := hdr[k].(string)
		return v
	}
	statusText := str("status_text")
	name := str("name")

	var status any
	if v, ok := hdr["status"].(float64); ok {
		status = int(v)
	}
	nilIfEmpty := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}

	message := statusText
	if message == "" {
		if name != "" {
			message = "Task " + name
		} else {
			message = "failed"
		}
	}
	return &speech.ProviderError{
		Message: message,
		Detail: map[string]any{
			"status":     status,
			"statusText": nilIfEmpty(statusText),
			"taskId":     nilIfEmpty(str("task_id")),
			"messageId":  nilIfEmpty(str("message_id")),
			"name":       nilIfEmpty(name),
			"raw":        nilIfEmpty(string(raw)),
		},
	}
}
