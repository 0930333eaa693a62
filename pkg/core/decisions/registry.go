package decisions

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// Broadcaster delivers events to a named room. Delivery is best-effort.
type Broadcaster interface {
	EmitToRoom(room, event string, data any)
}

// ImpactEstimator forecasts the uplift of executing a decision.
type ImpactEstimator interface {
	EstimateImpact(id string) int
}

// RandomEstimator is the illustrative stand-in forecaster: a uniform integer
// in [Min, Max].
type RandomEstimator struct {
	Min, Max int
	IntN     func(n int) int
}

func (e RandomEstimator) EstimateImpact(string) int {
	lo, hi := e.Min, e.Max
	if lo == 0 && hi == 0 {
		lo, hi = 30, 60
	}
	if hi < lo {
		hi = lo
	}
	intN := e.IntN
	if intN == nil {
		intN = rand.IntN
	}
	return lo + intN(hi-lo+1)
}

type Dependencies struct {
	Store     Store
	Out       Broadcaster
	Estimator ImpactEstimator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Registry owns the authoritative decision list and statuses for every
// connection in Room.
type Registry struct {
	store     Store
	out       Broadcaster
	estimator ImpactEstimator
	logger    *slog.Logger
	now       func() time.Time
}

func NewRegistry(deps Dependencies) *Registry {
	if deps.Store == nil {
		deps.Store = NewMemoryStore()
	}
	if deps.Estimator == nil {
		deps.Estimator = RandomEstimator{Min: 30, Max: 60}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Registry{
		store:     deps.Store,
		out:       deps.Out,
		estimator: deps.Estimator,
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Publish inserts or replaces d by id, initialises its status to pending when
// none exists, and broadcasts the full snapshot.
func (r *Registry) Publish(ctx context.Context, d Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := r.store.Upsert(ctx, d); err != nil {
		return fmt.Errorf("publish decision %q: %w", d.ID, err)
	}
	if err := r.store.InitStatus(ctx, d.ID, StatusEntry{Status: StatusPending}); err != nil {
		return fmt.Errorf("init status %q: %w", d.ID, err)
	}
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return err
	}
	r.emit(EventUpdate, snap)
	r.logger.Info("decision published", "decision_id", d.ID, "priority", d.Priority, "count", len(snap.Decisions))
	return nil
}

func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	list, err := r.store.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list decisions: %w", err)
	}
	statuses, err := r.store.Statuses(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list statuses: %w", err)
	}
	return Snapshot{Decisions: list, Statuses: statuses}, nil
}

// Resolve maps ref onto a known decision id without side effects.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (Resolution, error) {
	list, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	if id := strings.TrimSpace(ref.ID); id != "" {
		for i, d := range list {
			if d.ID == id {
				return Resolved{ID: id, Index: i + 1}, nil
			}
		}
	}
	if ref.Index >= 1 && ref.Index <= len(list) {
		return Resolved{ID: list[ref.Index-1].ID, Index: ref.Index}, nil
	}
	return NeedsIndex{Count: len(list)}, nil
}

// Execute resolves ref and marks the decision executing. An unresolvable ref
// is not an error: the room is asked which one and NeedsIndex is returned.
func (r *Registry) Execute(ctx context.Context, ref Ref) (Resolution, error) {
	res, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case NeedsIndex:
		r.emit(EventAsk, AskPayload{Reason: reasonNeedsIndex, Count: v.Count})
	case Resolved:
		r.emit(EventExecute, Ref{ID: v.ID, Index: v.Index})
		if _, err := r.MarkExecuting(ctx, v.ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// MarkExecuting stamps StartAt with the current time so clients can render
// elapsed duration without polling.
func (r *Registry) MarkExecuting(ctx context.Context, id string) (StatusDelta, error) {
	startAt := r.now().UnixMilli()
	return r.transition(ctx, id, StatusEntry{Status: StatusExecuting, StartAt: &startAt})
}

// Executed forwards the client's own executed payload to the room, then marks
// id executing when it is present.
func (r *Registry) Executed(ctx context.Context, id string, echo any) (StatusDelta, error) {
	r.emit(EventExecuted, echo)
	if strings.TrimSpace(id) == "" {
		return StatusDelta{}, nil
	}
	return r.MarkExecuting(ctx, id)
}

func (r *Registry) Defer(ctx context.Context, id string) (StatusDelta, error) {
	r.emit(EventDeferred, idPayload{ID: id})
	return r.transition(ctx, id, StatusEntry{Status: StatusDeferred})
}

func (r *Registry) Close(ctx context.Context, id string) (StatusDelta, error) {
	r.emit(EventClosed, idPayload{ID: id})
	return r.transition(ctx, id, StatusEntry{Status: StatusClosed})
}

// transition is unconditional: closed decisions may be reopened and repeated
// transitions only refresh the entry.
func (r *Registry) transition(ctx context.Context, id string, entry StatusEntry) (StatusDelta, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return StatusDelta{}, fmt.Errorf("decision id is required")
	}
	if err := r.store.SetStatus(ctx, id, entry); err != nil {
		return StatusDelta{}, fmt.Errorf("set status %q: %w", id, err)
	}
	delta := StatusDelta{ID: id, Status: entry.Status, StartAt: entry.StartAt}
	r.emit(EventStatus, delta)
	r.logger.Debug("decision status", "decision_id", id, "status", entry.Status)
	return delta, nil
}

func (r *Registry) EstimateImpact(id string) EstimatePayload {
	return EstimatePayload{ID: id, Inc: r.estimator.EstimateImpact(id)}
}

func (r *Registry) emit(event string, data any) {
	if r.out == nil {
		return
	}
	r.out.EmitToRoom(Room, event, data)
}
