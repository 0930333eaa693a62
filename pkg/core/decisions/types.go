// Package decisions holds the process-wide decision list and the status state
// machine attached to each decision id.
package decisions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-screen/pkg/core"
)

// Room is the channel room that receives decision snapshots and status deltas.
const Room = "decision"

// Events emitted to the decision room.
const (
	EventUpdate      = "decision:update"
	EventStatus      = "decision:status"
	EventAsk         = "decision:execute:ask"
	EventExecute     = "decision:execute"
	EventExecuted    = "decision:executed"
	EventDeferred    = "decision:deferred"
	EventClosed      = "decision:closed"
	EventError       = "decision:error"
	EventEstimate    = "decision:estimate"
	reasonNeedsIndex = "need_index"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Decision is a recommended action surfaced to an operator. It is never
// mutated in place; publishing the same id again replaces it.
type Decision struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}

func (d Decision) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return core.NewInvalidRequestErrorWithParam("decision.id is required", "id")
	}
	switch d.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return nil
	default:
		return core.NewInvalidRequestErrorWithParam("decision.priority must be one of low|medium|high", "priority")
	}
}

// DecodeDecision parses a pushed decision. Title and description must be
// present as strings, even if empty.
func DecodeDecision(raw []byte) (Decision, error) {
	var w struct {
		ID          string   `json:"id"`
		Title       *string  `json:"title"`
		Description *string  `json:"description"`
		Priority    Priority `json:"priority"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Decision{}, core.NewInvalidRequestError(fmt.Sprintf("invalid decision payload: %v", err))
	}
	if w.Title == nil {
		return Decision{}, core.NewInvalidRequestErrorWithParam("decision.title is required", "title")
	}
	if w.Description == nil {
		return Decision{}, core.NewInvalidRequestErrorWithParam("decision.description is required", "description")
	}
	d := Decision{ID: w.ID, Title: *w.Title, Description: *w.Description, Priority: w.Priority}
	if err := d.Validate(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusDeferred  Status = "deferred"
	StatusClosed    Status = "closed"
)

// StatusEntry is the single authoritative status of one decision id.
// StartAt is unix milliseconds and only set while executing.
type StatusEntry struct {
	Status  Status `json:"status"`
	StartAt *int64 `json:"startAt,omitempty"`
}

// Snapshot is the full list plus every known status.
type Snapshot struct {
	Decisions []Decision             `json:"decisions"`
	Statuses  map[string]StatusEntry `json:"statuses"`
}

// StatusDelta is broadcast whenever one id changes status.
type StatusDelta struct {
	ID      string `json:"id"`
	Status  Status `json:"status"`
	StartAt *int64 `json:"startAt,omitempty"`
}

// Ref points at a decision either by id or by 1-based position in the list.
type Ref struct {
	ID    string `json:"id,omitempty"`
	Index int    `json:"index,omitempty"`
}

// Resolution is either Resolved or NeedsIndex.
type Resolution interface {
	isResolution()
}

// Resolved carries the decision id a Ref pointed at.
type Resolved struct {
	ID    string
	Index int
}

// NeedsIndex means the Ref could not be resolved; Count is the current list
// length so the caller can ask which one.
type NeedsIndex struct {
	Count int
}

func (Resolved) isResolution()   {}
func (NeedsIndex) isResolution() {}

// AskPayload is sent to the decision room when execution is ambiguous.
type AskPayload struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// EstimatePayload answers an impact estimate request.
type EstimatePayload struct {
	ID  string `json:"id"`
	Inc int    `json:"inc"`
}

type idPayload struct {
	ID string `json:"id"`
}
