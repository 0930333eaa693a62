// Package cartesia streams audio to Cartesia's speech-to-text websocket.
package cartesia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-screen/pkg/core/speech"
)

const (
	DefaultURL   = "wss://api.cartesia.ai/stt/websocket"
	apiVersion   = "2025-04-16"
	defaultModel = "ink-whisper"
)

// Provider opens Cartesia streaming transcription sessions.
type Provider struct {
	APIKey   string
	URL      string
	Model    string
	Language string
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

func New(apiKey string, logger *slog.Logger) *Provider {
	return &Provider{APIKey: apiKey, Logger: logger}
}

func (p *Provider) Name() string { return "cartesia" }

func (p *Provider) Open(ctx context.Context, opts speech.Options) (speech.Stream, error) {
	if p.APIKey == "" {
		return nil, &speech.ProviderError{Message: speech.ErrMissingAppKey}
	}
	base := p.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}

	model := p.Model
	if model == "" {
		model = defaultModel
	}
	language := opts.Language
	if language == "" {
		language = p.Language
	}
	if language == "" {
		language = "zh"
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = 16000
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("min_volume", "0.01")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", p.APIKey)
	headers.Set("Cartesia-Version", apiVersion)

	dialer := p.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
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
		events: make(chan speech.Event, 64),
		stop:   make(chan struct{}),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

type message struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

type stream struct {
	conn   *websocket.Conn
	events chan speech.Event
	stop   chan struct{}
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.emit(speech.Event{Kind: speech.KindClosed})
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		ev, ok := toEvent(msg, data)
		if !ok {
			continue
		}
		s.emit(ev)
		if ev.Kind == speech.KindError || ev.Kind == speech.KindClosed {
			return
		}
	}
}

func toEvent(msg message, raw []byte) (speech.Event, bool) {
	switch msg.Type {
	case "transcript":
		if msg.Text == "" {
			return speech.Event{}, false
		}
		if msg.IsFinal {
			return speech.Event{Kind: speech.KindFinal, Text: msg.Text}, true
		}
		return speech.Event{Kind: speech.KindInterim, Text: msg.Text}, true
	case "error":
		text := msg.Error
		if text == "" {
			text = msg.Message
		}
		if text == "" {
			text = "failed"
		}
		return speech.Event{Kind: speech.KindError, Err: &speech.ProviderError{
			Message: text,
			Detail:  map[string]any{"requestId": msg.RequestID, "raw": string(raw)},
		}}, true
	case "done":
		return speech.Event{Kind: speech.KindClosed}, true
	default:
		return speech.Event{}, false
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

func (s *stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
