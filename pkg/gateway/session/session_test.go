package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-screen/pkg/core"
	"github.com/vango-go/vai-screen/pkg/core/agent"
	"github.com/vango-go/vai-screen/pkg/core/decisions"
	"github.com/vango-go/vai-screen/pkg/core/panel"
	"github.com/vango-go/vai-screen/pkg/core/speech"
	"github.com/vango-go/vai-screen/pkg/gateway/protocol"
)

type inbound struct {
	messageType int
	data        []byte
}

type sent struct {
	event     string
	data      map[string]any
	broadcast bool
}

type fakeConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	in     chan inbound

	mu    sync.Mutex
	out   []sent
	rooms []string
}

func newFakeConn() *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{ctx: ctx, cancel: cancel, in: make(chan inbound, 32)}
}

func (c *fakeConn) ID() string               { return "conn_test" }
func (c *fakeConn) Context() context.Context { return c.ctx }
func (c *fakeConn) Close()                   { c.cancel() }

func (c *fakeConn) Join(room string) {
	c.mu.Lock()
	c.rooms = append(c.rooms, room)
	c.mu.Unlock()
}

func (c *fakeConn) Emit(event string, data any)      { c.record(event, data, false) }
func (c *fakeConn) Broadcast(event string, data any) { c.record(event, data, true) }

func (c *fakeConn) record(event string, data any, broadcast bool) {
	raw, _ := json.Marshal(data)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	c.mu.Lock()
	c.out = append(c.out, sent{event: event, data: m, broadcast: broadcast})
	c.mu.Unlock()
}

func (c *fakeConn) Read() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.ctx.Done():
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(t, err)
	c.in <- inbound{messageType: websocket.TextMessage, data: raw}
}

func (c *fakeConn) all() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.out...)
}

func (c *fakeConn) events() []string {
	var out []string
	for _, s := range c.all() {
		out = append(out, s.event)
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, event string, n int) []sent {
	t.Helper()
	var got []sent
	require.Eventually(t, func() bool {
		got = got[:0]
		for _, s := range c.all() {
			if s.event == event {
				got = append(got, s)
			}
		}
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d x %s, have %v", n, event, c.events())
	return got
}

type agentCall struct {
	history []agent.Message
	user    string
}

type fakeAgent struct {
	mu    sync.Mutex
	calls []agentCall
	run   func(ctx context.Context, user string) (agent.TurnResult, error)
}

func (a *fakeAgent) Run(ctx context.Context, history []agent.Message, user string) (agent.TurnResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, agentCall{history: history, user: user})
	run := a.run
	a.mu.Unlock()
	if run != nil {
		return run(ctx, user)
	}
	return agent.TurnResult{
		Reply: "re:" + user,
		Messages: []agent.Message{
			{Role: agent.RoleUser, Content: user},
			{Role: agent.RoleAssistant, Content: "re:" + user},
		},
		Iterations: 1,
	}, nil
}

func (a *fakeAgent) setRun(fn func(ctx context.Context, user string) (agent.TurnResult, error)) {
	a.mu.Lock()
	a.run = fn
	a.mu.Unlock()
}

func (a *fakeAgent) Calls() []agentCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agentCall(nil), a.calls...)
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []panel.Ack
	hook func(panel.Ack)
}

func (f *fakeAcker) Ack(a panel.Ack) bool {
	if f.hook != nil {
		f.hook(a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, a)
	return true
}

type roomLog struct {
	mu     sync.Mutex
	events []string
}

func (r *roomLog) EmitToRoom(_, event string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

type harness struct {
	conn  *fakeConn
	agent *fakeAgent
	acker *fakeAcker
	room  *roomLog
	reg   *decisions.Registry
	done  chan error
}

func start(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		conn:  newFakeConn(),
		agent: &fakeAgent{},
		acker: &fakeAcker{},
		room:  &roomLog{},
		done:  make(chan error, 1),
	}
	h.reg = decisions.NewRegistry(decisions.Dependencies{Out: h.room})
	deps := Dependencies{
		Conn:      h.conn,
		Decisions: h.reg,
		Panel:     h.acker,
		Agent:     h.agent,
		Advisory:  "advice",
	}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(deps)
	require.NoError(t, err)
	go func() { h.done <- s.Run() }()
	t.Cleanup(func() {
		h.conn.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	h.conn.waitFor(t, protocol.EventStatus, 1)
	return h
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(Dependencies{})
	require.Error(t, err)
	_, err = New(Dependencies{Conn: newFakeConn()})
	require.Error(t, err)
}

func TestSession_GreetsAndRestarts(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	first := h.conn.all()[0]
	assert.Equal(t, protocol.EventStatus, first.event)
	assert.Equal(t, map[string]any{"status": "ready"}, first.data)

	h.conn.send(t, protocol.EventStart, nil)
	h.conn.waitFor(t, protocol.EventStatus, 2)
}

func TestSession_RunReturnsNilOnClose(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	s, err := New(Dependencies{
		Conn:      conn,
		Decisions: decisions.NewRegistry(decisions.Dependencies{}),
		Panel:     &fakeAcker{},
		Agent:     &fakeAgent{},
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	conn.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSession_TextTurnCommitsHistory(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "  打开八月报表 "})
	msgs := h.conn.waitFor(t, protocol.EventAssistantMessage, 1)
	assert.Equal(t, "re:打开八月报表", msgs[0].data["message"])

	statuses := h.conn.waitFor(t, protocol.EventStatus, 3)
	assert.Equal(t, map[string]any{"status": "working", "source": "text"}, statuses[1].data)
	assert.Equal(t, map[string]any{"status": "ready"}, statuses[2].data)

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "关闭报表"})
	h.conn.waitFor(t, protocol.EventAssistantMessage, 2)

	calls := h.agent.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "打开八月报表", calls[0].user)
	assert.Empty(t, calls[0].history)
	require.Len(t, calls[1].history, 2)
	assert.Equal(t, "打开八月报表", calls[1].history[0].Content)
}

func TestSession_EmptyTextAsksForInput(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "   "})
	msgs := h.conn.waitFor(t, protocol.EventAssistantMessage, 1)
	assert.Equal(t, emptyInputReply, msgs[0].data["message"])
	assert.Empty(t, h.agent.Calls())
	assert.Len(t, h.conn.waitFor(t, protocol.EventStatus, 1), 1, "no working status for empty input")
}

func TestSession_FailedTurnLeavesHistoryUntouched(t *testing.T) {
	t.Parallel()
	h := start(t, nil)
	fail := true
	h.agent.setRun(func(_ context.Context, user string) (agent.TurnResult, error) {
		if fail {
			fail = false
			return agent.TurnResult{}, core.NewModelError(errors.New("upstream 502"))
		}
		return agent.TurnResult{Reply: "ok", Messages: []agent.Message{{Role: agent.RoleUser, Content: user}}}, nil
	})

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "hi"})
	errs := h.conn.waitFor(t, protocol.EventAssistantError, 1)
	assert.NotEmpty(t, errs[0].data["message"])
	detail, ok := errs[0].data["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "model_error", detail["type"])

	msgs := h.conn.waitFor(t, protocol.EventAssistantMessage, 1)
	assert.Equal(t, serviceErrorReply, msgs[0].data["message"])
	statuses := h.conn.waitFor(t, protocol.EventStatus, 3)
	assert.Equal(t, "ready", statuses[2].data["status"])

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "again"})
	h.conn.waitFor(t, protocol.EventAssistantMessage, 2)
	calls := h.agent.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].history)
}

func TestSession_PanickingTurnKeepsWorkerAlive(t *testing.T) {
	t.Parallel()
	h := start(t, nil)
	h.agent.setRun(func(_ context.Context, user string) (agent.TurnResult, error) {
		if user == "boom" {
			var cards map[string]int
			cards["sales"]++
		}
		return agent.TurnResult{Reply: "re:" + user}, nil
	})

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "boom"})
	errs := h.conn.waitFor(t, protocol.EventAssistantError, 1)
	detail, ok := errs[0].data["detail"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "api_error", detail["type"])
	assert.Contains(t, detail["panic"], "nil map")

	msgs := h.conn.waitFor(t, protocol.EventAssistantMessage, 1)
	assert.Equal(t, serviceErrorReply, msgs[0].data["message"])
	statuses := h.conn.waitFor(t, protocol.EventStatus, 3)
	assert.Equal(t, "ready", statuses[2].data["status"])

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "after"})
	msgs = h.conn.waitFor(t, protocol.EventAssistantMessage, 2)
	assert.Equal(t, "re:after", msgs[1].data["message"])
}

func TestSession_TurnsAreSerialized(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	h := start(t, nil)
	h.agent.setRun(func(ctx context.Context, user string) (agent.TurnResult, error) {
		if user == "first" {
			select {
			case <-release:
			case <-ctx.Done():
				return agent.TurnResult{}, ctx.Err()
			}
		}
		return agent.TurnResult{Reply: user}, nil
	})

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "first"})
	require.Eventually(t, func() bool { return len(h.agent.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	h.conn.send(t, protocol.EventUserInput, protocol.UserInput{Text: "second", Source: protocol.SourceVoice})
	h.conn.send(t, protocol.EventPanelDone, panel.Ack{ID: "panel-1", OK: true})
	require.Eventually(t, func() bool {
		h.acker.mu.Lock()
		defer h.acker.mu.Unlock()
		return len(h.acker.acks) == 1
	}, time.Second, 5*time.Millisecond, "acks are delivered while a turn is running")
	assert.Len(t, h.agent.Calls(), 1)

	close(release)
	msgs := h.conn.waitFor(t, protocol.EventAssistantMessage, 2)
	assert.Equal(t, "first", msgs[0].data["message"])
	assert.Equal(t, "second", msgs[1].data["message"])
}

func TestSession_DecisionEvents(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	h.conn.send(t, protocol.EventDecisionJoin, nil)
	h.conn.send(t, protocol.EventDecisionPush, map[string]any{"id": "d1", "title": "T", "description": "D", "priority": "urgent"})
	errs := h.conn.waitFor(t, decisions.EventError, 1)
	assert.Contains(t, errs[0].data["message"], "priority")

	h.conn.send(t, protocol.EventDecisionPush, map[string]any{"id": "d1", "description": "D", "priority": "high"})
	errs = h.conn.waitFor(t, decisions.EventError, 2)
	assert.Equal(t, "decision.title is required", errs[1].data["message"])

	h.conn.send(t, protocol.EventDecisionPush, decisions.Decision{ID: "d1", Title: "T", Description: "D", Priority: decisions.PriorityHigh})
	adv := h.conn.waitFor(t, protocol.EventAssistantMessage, 1)
	assert.True(t, adv[0].broadcast)
	assert.Equal(t, "advice", adv[0].data["message"])

	h.conn.send(t, protocol.EventDecisionList, nil)
	upd := h.conn.waitFor(t, decisions.EventUpdate, 1)
	assert.Len(t, upd[0].data["decisions"], 1)

	h.conn.send(t, protocol.EventDecisionEstimate, protocol.IDRequest{ID: "d1"})
	est := h.conn.waitFor(t, decisions.EventEstimate, 1)
	assert.Equal(t, "d1", est[0].data["id"])
	inc := est[0].data["inc"].(float64)
	assert.GreaterOrEqual(t, inc, 30.0)
	assert.LessOrEqual(t, inc, 60.0)

	h.conn.send(t, protocol.EventDecisionDefer, protocol.IDRequest{ID: "d1"})
	h.conn.send(t, protocol.EventDecisionExecute, map[string]any{})
	h.conn.send(t, protocol.EventDecisionExecute, decisions.Ref{Index: 1})

	require.Eventually(t, func() bool {
		snap, err := h.reg.Snapshot(context.Background())
		return err == nil && snap.Statuses["d1"].Status == decisions.StatusExecuting
	}, time.Second, 5*time.Millisecond)

	h.room.mu.Lock()
	events := append([]string(nil), h.room.events...)
	h.room.mu.Unlock()
	assert.Contains(t, events, decisions.EventDeferred)
	assert.Contains(t, events, decisions.EventAsk)
	assert.Contains(t, events, decisions.EventExecute)

	h.conn.mu.Lock()
	assert.Equal(t, []string{decisions.Room}, h.conn.rooms)
	h.conn.mu.Unlock()
}

func TestSession_RecoversFromHandlerPanic(t *testing.T) {
	t.Parallel()
	h := start(t, func(d *Dependencies) {
		d.Panel = &fakeAcker{hook: func(panel.Ack) { panic("boom") }}
	})
	h.conn.send(t, protocol.EventPanelDone, panel.Ack{ID: "x"})
	h.conn.send(t, protocol.EventStart, nil)
	h.conn.waitFor(t, protocol.EventStatus, 2)
}

func TestSession_VoiceWithoutProvider(t *testing.T) {
	t.Parallel()
	h := start(t, nil)
	h.conn.send(t, protocol.EventSpeechStart, nil)
	errs := h.conn.waitFor(t, protocol.EventSpeechError, 1)
	assert.Equal(t, speech.ErrMissingAppKey, errs[0].data["message"])
}

type fakeStream struct {
	mu     sync.Mutex
	events chan speech.Event
	audio  [][]byte
	closed bool
}

func (f *fakeStream) SendAudio(frame []byte) error {
	f.mu.Lock()
	f.audio = append(f.audio, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Events() <-chan speech.Event { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) push(ev speech.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

type fakeProvider struct {
	opened chan *fakeStream
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(context.Context, speech.Options) (speech.Stream, error) {
	st := &fakeStream{events: make(chan speech.Event, 16)}
	p.opened <- st
	return st, nil
}

func TestSession_VoiceFinalsAreDeduplicated(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{opened: make(chan *fakeStream, 1)}
	h := start(t, func(d *Dependencies) { d.Speech = provider })

	h.conn.send(t, protocol.EventSpeechStart, nil)
	var st *fakeStream
	select {
	case st = <-provider.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not opened")
	}

	// frames sent while the stream is still opening are dropped
	require.Eventually(t, func() bool {
		h.conn.in <- inbound{messageType: websocket.BinaryMessage, data: []byte{1, 2}}
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.audio) > 0
	}, 2*time.Second, 10*time.Millisecond)

	st.push(speech.Event{Kind: speech.KindInterim, Text: "展示"})
	st.push(speech.Event{Kind: speech.KindFinal, Text: "展示 A 区。"})
	st.push(speech.Event{Kind: speech.KindFinal, Text: "展示 a 区"})

	h.conn.waitFor(t, protocol.EventSpeechInterim, 1)
	finals := h.conn.waitFor(t, protocol.EventSpeechFinal, 2)
	assert.Equal(t, "展示 A 区。", finals[0].data["text"], "finals are relayed raw")

	h.conn.waitFor(t, protocol.EventAssistantMessage, 1)
	time.Sleep(50 * time.Millisecond)
	calls := h.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "展示 A 区", calls[0].user)

	statuses := h.conn.waitFor(t, protocol.EventStatus, 2)
	assert.Equal(t, map[string]any{"status": "working", "source": "voice"}, statuses[1].data)

	h.conn.send(t, protocol.EventSpeechStop, nil)
	closed := h.conn.waitFor(t, protocol.EventSpeechClosed, 1)
	assert.Equal(t, true, closed[0].data["ok"])
}

func TestTurnQueue_FIFO(t *testing.T) {
	t.Parallel()
	q := newTurnQueue()
	q.push(turn{text: "a"})
	q.push(turn{text: "b"})
	assert.Equal(t, 2, q.len())

	ctx, cancel := context.WithCancel(context.Background())
	got, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", got.text)
	got, _ = q.pop(ctx)
	assert.Equal(t, "b", got.text)

	cancel()
	_, ok = q.pop(ctx)
	assert.False(t, ok)
}
