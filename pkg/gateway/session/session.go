// Package session drives one socket connection: it routes client events to
// the decision registry, panel dispatcher and speech manager, and runs the
// connection's agent turns one at a time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-screen/pkg/core"
	"github.com/vango-go/vai-screen/pkg/core/agent"
	"github.com/vango-go/vai-screen/pkg/core/decisions"
	"github.com/vango-go/vai-screen/pkg/core/panel"
	"github.com/vango-go/vai-screen/pkg/core/speech"
	"github.com/vango-go/vai-screen/pkg/gateway/metrics"
	"github.com/vango-go/vai-screen/pkg/gateway/protocol"
)

const (
	emptyInputReply   = "请输入查询文本"
	serviceErrorReply = "服务错误"
)

// Turn outcomes recorded in metrics.
const (
	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// Conn is the subset of a channel connection a session needs.
type Conn interface {
	ID() string
	Context() context.Context
	Join(room string)
	Emit(event string, data any)
	Broadcast(event string, data any)
	Read() (messageType int, data []byte, err error)
	Close()
}

// Agent runs one turn against a history it must not modify.
type Agent interface {
	Run(ctx context.Context, history []agent.Message, user string) (agent.TurnResult, error)
}

// PanelAcker resolves a pending panel action.
type PanelAcker interface {
	Ack(ack panel.Ack) bool
}

type Dependencies struct {
	Conn      Conn
	Decisions *decisions.Registry
	Panel     PanelAcker
	Agent     Agent

	// Speech may be nil; voice requests then answer missing_appkey.
	Speech        speech.Provider
	SpeechOptions speech.Options
	DedupWindow   time.Duration
	SpeechVerbose bool

	// Advisory is broadcast to every connection after a decision is
	// published. Empty disables it.
	Advisory string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Session is one connection's orchestration state.
type Session struct {
	conn      Conn
	decisions *decisions.Registry
	panel     PanelAcker
	agent     Agent
	advisory  string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	speech  *speech.Manager
	queue   *turnQueue
	history *history
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Decisions == nil {
		return nil, fmt.Errorf("decision registry is required")
	}
	if deps.Panel == nil {
		return nil, fmt.Errorf("panel dispatcher is required")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With("conn_id", deps.Conn.ID())

	s := &Session{
		conn:      deps.Conn,
		decisions: deps.Decisions,
		panel:     deps.Panel,
		agent:     deps.Agent,
		advisory:  strings.TrimSpace(deps.Advisory),
		logger:    logger,
		metrics:   deps.Metrics,
		now:       deps.Now,
		queue:     newTurnQueue(),
		history:   newHistory(),
	}

	providerName := "none"
	if deps.Speech != nil {
		providerName = deps.Speech.Name()
	}
	s.speech = speech.NewManager(deps.Conn.Context(), deps.Speech, s, speech.ManagerOptions{
		Stream:  deps.SpeechOptions,
		Dedup:   speech.NewDeduper(deps.DedupWindow),
		Logger:  logger,
		Verbose: deps.SpeechVerbose,
		Observe: func(what string) { s.metrics.RecordSpeech(providerName, what) },
	})
	return s, nil
}

// Run greets the client, serves its frames until the connection ends, then
// releases the speech session and history. It returns nil on a clean close.
func (s *Session) Run() error {
	ctx := s.conn.Context()
	s.metrics.RecordConnectionOpen()
	s.logger.Info("session started")

	worker := make(chan struct{})
	go func() {
		defer close(worker)
		s.work(ctx)
	}()
	defer func() {
		s.conn.Close()
		<-worker
		s.speech.Shutdown()
		s.history.reset()
		s.metrics.RecordConnectionClose()
		s.logger.Info("session closed", "queued_turns", s.queue.len())
	}()

	s.emitStatus(protocol.StatusReady, "")

	for {
		messageType, data, err := s.conn.Read()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		s.handleFrame(messageType, data)
	}
}

// handleFrame never lets a panicking handler take the connection down.
func (s *Session) handleFrame(messageType int, data []byte) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("event handler panic", "panic", v)
		}
	}()

	switch messageType {
	case websocket.BinaryMessage:
		s.speech.Audio(data)
	case websocket.TextMessage:
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.logger.Debug("dropping frame", "error", err)
			return
		}
		s.route(env)
	}
}

func (s *Session) route(env protocol.Envelope) {
	ctx := s.conn.Context()
	switch env.Event {
	case protocol.EventStart:
		s.emitStatus(protocol.StatusReady, "")

	case protocol.EventDecisionJoin:
		s.conn.Join(decisions.Room)
	case protocol.EventDecisionList:
		snap, err := s.decisions.Snapshot(ctx)
		if err != nil {
			s.logger.Warn("decision snapshot failed", "error", err)
			return
		}
		s.conn.Emit(decisions.EventUpdate, snap)
	case protocol.EventDecisionPush:
		s.pushDecision(ctx, env)
	case protocol.EventDecisionExecuted:
		req, _ := protocol.Decode[protocol.IDRequest](env)
		var echo any = env.Data
		if len(env.Data) == 0 {
			echo = nil
		}
		if _, err := s.decisions.Executed(ctx, req.ID, echo); err != nil {
			s.logger.Warn("decision executed failed", "decision_id", req.ID, "error", err)
		}
	case protocol.EventDecisionDefer:
		s.withID(env, func(id string) error {
			_, err := s.decisions.Defer(ctx, id)
			return err
		})
	case protocol.EventDecisionClose:
		s.withID(env, func(id string) error {
			_, err := s.decisions.Close(ctx, id)
			return err
		})
	case protocol.EventDecisionEstimate:
		req, _ := protocol.Decode[protocol.IDRequest](env)
		s.conn.Emit(decisions.EventEstimate, s.decisions.EstimateImpact(strings.TrimSpace(req.ID)))
	case protocol.EventDecisionExecute:
		ref, err := protocol.Decode[decisions.Ref](env)
		if err != nil {
			ref = decisions.Ref{}
		}
		if _, err := s.decisions.Execute(ctx, ref); err != nil {
			s.logger.Warn("decision execute failed", "error", err)
		}

	case protocol.EventUserInput:
		in, err := protocol.Decode[protocol.UserInput](env)
		if err != nil {
			s.logger.Debug("user_input payload invalid", "error", err)
		}
		s.queue.push(turn{text: in.Text, source: in.SourceOrDefault()})

	case protocol.EventPanelJoin:
		s.conn.Join(panel.Room)
	case protocol.EventPanelDone:
		ack, err := protocol.Decode[panel.Ack](env)
		if err != nil {
			s.logger.Debug("dropping panel ack", "error", err)
			return
		}
		if !s.panel.Ack(ack) {
			s.logger.Debug("unmatched panel ack", "action_id", ack.ID)
		}

	case protocol.EventSpeechStart:
		s.speech.Start()
	case protocol.EventSpeechStop:
		s.speech.Stop()
	case protocol.EventSpeechAudio:
		frame, err := protocol.DecodeAudio(env)
		if err != nil {
			s.logger.Debug("dropping audio frame", "error", err)
			return
		}
		s.speech.Audio(frame)

	default:
		s.logger.Debug("unknown event", "event", env.Event)
	}
}

func (s *Session) pushDecision(ctx context.Context, env protocol.Envelope) {
	d, err := decisions.DecodeDecision(env.Data)
	if err == nil {
		err = s.decisions.Publish(ctx, d)
	}
	if err != nil {
		msg, _ := core.Describe(err)
		if strings.TrimSpace(msg) == "" {
			msg = "invalid decision"
		}
		s.conn.Emit(decisions.EventError, protocol.Message{Message: msg})
		return
	}
	if s.advisory != "" {
		s.conn.Broadcast(protocol.EventAssistantMessage, protocol.Message{Message: s.advisory})
	}
}

// withID runs fn when the payload carries a decision id; payloads without one
// are dropped.
func (s *Session) withID(env protocol.Envelope, fn func(id string) error) {
	req, err := protocol.Decode[protocol.IDRequest](env)
	id := strings.TrimSpace(req.ID)
	if err != nil || id == "" {
		s.logger.Debug("dropping decision event without id", "event", env.Event)
		return
	}
	if err := fn(id); err != nil {
		s.logger.Warn("decision transition failed", "event", env.Event, "decision_id", id, "error", err)
	}
}

// OnSpeechEvent relays normalised provider events to the client.
func (s *Session) OnSpeechEvent(ev speech.Event) {
	switch ev.Kind {
	case speech.KindInterim:
		s.conn.Emit(protocol.EventSpeechInterim, protocol.Transcript{Text: ev.Text})
	case speech.KindFinal:
		s.conn.Emit(protocol.EventSpeechFinal, protocol.Transcript{Text: ev.Text})
	case speech.KindError:
		out := protocol.SpeechError{Message: "failed"}
		if ev.Err != nil {
			out.Message = ev.Err.Message
			out.Detail = ev.Err.Detail
		}
		s.conn.Emit(protocol.EventSpeechError, out)
	case speech.KindClosed:
		s.conn.Emit(protocol.EventSpeechClosed, protocol.SpeechClosed{OK: true})
	}
}

// OnUtterance queues a deduplicated final as a voice turn.
func (s *Session) OnUtterance(text string) {
	s.queue.push(turn{text: text, source: protocol.SourceVoice})
}

func (s *Session) work(ctx context.Context) {
	for {
		t, ok := s.queue.pop(ctx)
		if !ok {
			return
		}
		s.runTurn(ctx, t)
	}
}

func (s *Session) runTurn(ctx context.Context, t turn) {
	var text string
	if t.source == protocol.SourceVoice {
		text = speech.Sanitize(t.text)
		if text == "" {
			return
		}
	} else {
		text = strings.TrimSpace(t.text)
		if text == "" {
			s.conn.Emit(protocol.EventAssistantMessage, protocol.Message{Message: emptyInputReply})
			return
		}
	}

	s.emitStatus(protocol.StatusWorking, t.source)
	started := s.now()
	res, err := s.runAgent(ctx, text)
	elapsed := s.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			s.metrics.RecordTurn(t.source, outcomeCancelled, elapsed)
			return
		}
		msg, detail := core.Describe(err)
		s.logger.Warn("agent turn failed", "source", t.source, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		s.metrics.RecordTurn(t.source, outcomeError, elapsed)
		s.conn.Emit(protocol.EventAssistantError, protocol.AssistantError{Message: msg, Detail: detail})
		s.conn.Emit(protocol.EventAssistantMessage, protocol.Message{Message: serviceErrorReply})
		s.emitStatus(protocol.StatusReady, "")
		return
	}

	s.history.commit(res.Messages)
	s.metrics.RecordTurn(t.source, outcomeOK, elapsed)
	s.logger.Info("agent turn", "source", t.source, "iterations", res.Iterations,
		"history", s.history.len(), "elapsed_ms", elapsed.Milliseconds())
	s.conn.Emit(protocol.EventAssistantMessage, protocol.Message{Message: res.Reply})
	s.emitStatus(protocol.StatusReady, "")
}

// runAgent runs one turn, reporting a panic as an api_error so the worker
// keeps serving the connection.
func (s *Session) runAgent(ctx context.Context, text string) (res agent.TurnResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("agent turn panicked", "panic", v)
			err = core.NewAPIError("internal error").WithDetail("panic", fmt.Sprint(v))
		}
	}()
	return s.agent.Run(ctx, s.history.snapshot(), text)
}

func (s *Session) emitStatus(status, source string) {
	s.conn.Emit(protocol.EventStatus, protocol.Status{Status: status, Source: source})
}
