package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// State of a connection's recognition session.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ErrMissingAppKey is reported when voice is requested but no provider is
// configured.
const ErrMissingAppKey = "missing_appkey"

// Listener receives a connection's speech output. Calls arrive from the
// manager's pump goroutine.
type Listener interface {
	// OnSpeechEvent receives every normalised event; finals carry the raw
	// provider text.
	OnSpeechEvent(ev Event)
	// OnUtterance receives sanitized finals that passed deduplication.
	OnUtterance(text string)
}

type ManagerOptions struct {
	Stream  Options
	Dedup   *Deduper
	Logger  *slog.Logger
	Verbose bool
	// Observe is told about opened sessions ("opened") and every event kind.
	Observe func(what string)
}

// Manager owns at most one recognition stream for one connection.
type Manager struct {
	ctx      context.Context
	provider Provider
	listener Listener
	opts     Options
	dedup    *Deduper
	logger   *slog.Logger
	verbose  bool
	observe  func(string)

	mu     sync.Mutex
	state  State
	stream Stream
	gen    uint64
}

// NewManager binds a manager to a connection context. A nil provider
// disables voice.
func NewManager(ctx context.Context, provider Provider, listener Listener, opts ManagerOptions) *Manager {
	if opts.Stream.SampleRate == 0 {
		opts.Stream = DefaultOptions()
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDeduper(DefaultDedupWindow)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observe == nil {
		opts.Observe = func(string) {}
	}
	return &Manager{
		ctx:      ctx,
		provider: provider,
		listener: listener,
		opts:     opts.Stream,
		dedup:    opts.Dedup,
		logger:   opts.Logger,
		verbose:  opts.Verbose,
		observe:  opts.Observe,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens a session unless one is opening or open.
func (m *Manager) Start() {
	if m.provider == nil {
		m.listener.OnSpeechEvent(Event{Kind: KindError, Err: &ProviderError{Message: ErrMissingAppKey}})
		return
	}
	m.begin()
}

// Audio forwards frame to the open session. Frames that arrive before the
// session is open are dropped and trigger a lazy open.
func (m *Manager) Audio(frame []byte) {
	if m.provider == nil || len(frame) == 0 {
		return
	}
	m.mu.Lock()
	state, stream := m.state, m.stream
	m.mu.Unlock()

	switch state {
	case StateOpen:
		if err := stream.SendAudio(frame); err != nil {
			m.logger.Debug("speech audio dropped", "error", err)
		}
	case StateClosed:
		m.begin()
	}
}

// Stop closes the session and reports closed. Repeated calls are no-ops.
func (m *Manager) Stop() {
	if m.release() {
		m.listener.OnSpeechEvent(Event{Kind: KindClosed})
	}
}

// Shutdown releases the session without notifying the listener.
func (m *Manager) Shutdown() {
	m.release()
}

func (m *Manager) begin() {
	m.mu.Lock()
	if m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateOpening
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.open(gen)
}

func (m *Manager) open(gen uint64) {
	stream, err := m.provider.Open(m.ctx, m.opts)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		m.state = StateClosed
		m.gen++
		m.mu.Unlock()
		m.logger.Warn("speech session open failed", "provider", m.provider.Name(), "error", err)
		m.observe(string(KindError))
		m.listener.OnSpeechEvent(Event{Kind: KindError, Err: asProviderError(err)})
		return
	}
	m.stream = stream
	m.state = StateOpen
	m.mu.Unlock()

	m.observe("opened")
	m.logger.Info("speech session opened", "provider", m.provider.Name())
	go m.pump(gen, stream)
}

func (m *Manager) pump(gen uint64, stream Stream) {
	for ev := range stream.Events() {
		if !m.current(gen) {
			return
		}
		m.observe(string(ev.Kind))
		if m.verbose {
			m.logger.Info("speech event", "provider", m.provider.Name(), "kind", ev.Kind, "text", ev.Text)
		}
		switch ev.Kind {
		case KindInterim:
			m.listener.OnSpeechEvent(ev)
		case KindFinal:
			m.listener.OnSpeechEvent(ev)
			if text, ok := m.dedup.Accept(ev.Text); ok {
				m.listener.OnUtterance(text)
			}
		case KindError:
			m.listener.OnSpeechEvent(ev)
			m.closeGen(gen)
			return
		case KindClosed:
			m.closeGen(gen)
			return
		}
	}
	m.closeGen(gen)
}

// closeGen force-closes the session belonging to gen and reports closed.
func (m *Manager) closeGen(gen uint64) {
	if !m.current(gen) {
		return
	}
	if m.release() {
		m.listener.OnSpeechEvent(Event{Kind: KindClosed})
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.state != StateClosed
}

func (m *Manager) release() bool {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return false
	}
	stream := m.stream
	m.stream = nil
	m.state = StateClosed
	m.gen++
	m.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			m.logger.Debug("speech stream close", "error", err)
		}
	}
	return true
}

func asProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Message: err.Error()}
}
