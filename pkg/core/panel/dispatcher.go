package panel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter delivers an event to every connection in a room.
type Emitter interface {
	EmitToRoom(room, event string, data any)
}

// Ack is the dashboard's answer to one dispatched action.
type Ack struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Command is the panel:action payload.
type Command struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
}

// Ack outcomes reported to the observer.
const (
	OutcomeAcked     = "acked"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeUnmatched = "unmatched"
)

const timeoutMessage = "timeout"

type Options struct {
	// Timeout bounds each wait. Zero waits until the caller's context ends.
	Timeout time.Duration
	Logger  *slog.Logger
	// Observe is called once per dispatch outcome and per unmatched ack.
	Observe func(outcome string)
	NewID   func() string
}

// Dispatcher correlates dispatched actions with their acknowledgements.
type Dispatcher struct {
	out     Emitter
	timeout time.Duration
	logger  *slog.Logger
	observe func(string)
	newID   func() string

	mu      sync.Mutex
	waiters map[string]chan Ack
}

func NewDispatcher(out Emitter, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observe == nil {
		opts.Observe = func(string) {}
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "panel-" + uuid.NewString() }
	}
	return &Dispatcher{
		out:     out,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		observe: opts.Observe,
		newID:   opts.NewID,
		waiters: make(map[string]chan Ack),
	}
}

// Dispatch emits a to the panel room and blocks until the matching ack
// arrives, the configured timeout fires, or ctx ends. A timeout is not an
// error: it resolves to Ack{OK:false, Message:"timeout"}.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) (Ack, error) {
	if err := a.Validate(); err != nil {
		return Ack{}, err
	}
	id := d.newID()
	waiter := d.register(id)
	defer d.unregister(id)

	d.out.EmitToRoom(Room, EventAction, Command{ID: id, Action: a})
	d.logger.Debug("panel action dispatched", "action_id", id, "kind", a.Kind())

	var timeout <-chan time.Time
	if d.timeout > 0 {
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ack := <-waiter:
		if ack.OK {
			d.observe(OutcomeAcked)
		} else {
			d.observe(OutcomeRejected)
		}
		return ack, nil
	case <-timeout:
		d.observe(OutcomeTimeout)
		d.logger.Warn("panel action timed out", "action_id", id, "kind", a.Kind(), "timeout", d.timeout)
		return Ack{ID: id, OK: false, Message: timeoutMessage}, nil
	case <-ctx.Done():
		d.observe(OutcomeCancelled)
		return Ack{}, ctx.Err()
	}
}

// Ack resolves the waiter registered under ack.ID. Late, duplicate and
// unknown ids are dropped and reported as false.
func (d *Dispatcher) Ack(ack Ack) bool {
	ack.ID = strings.TrimSpace(ack.ID)
	d.mu.Lock()
	waiter, ok := d.waiters[ack.ID]
	if ok {
		delete(d.waiters, ack.ID)
	}
	d.mu.Unlock()
	if !ok {
		d.observe(OutcomeUnmatched)
		return false
	}
	select {
	case waiter <- ack:
	default:
	}
	return true
}

// Pending reports how many dispatches are waiting for an ack.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

func (d *Dispatcher) register(id string) chan Ack {
	ch := make(chan Ack, 1)
	d.mu.Lock()
	d.waiters[id] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(id string) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}
