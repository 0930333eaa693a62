// Package tools binds the assistant's tools to the dashboard: panel actions
// through the correlation dispatcher and decision execution through the
// registry.
package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/vango-go/vai-screen/pkg/core/agent"
	"github.com/vango-go/vai-screen/pkg/core/decisions"
	"github.com/vango-go/vai-screen/pkg/core/panel"
)

// PanelDispatcher sends one action to the dashboards and waits for its ack.
type PanelDispatcher interface {
	Dispatch(ctx context.Context, a panel.Action) (panel.Ack, error)
}

// DecisionExecutor requests execution of a decision by id or index.
type DecisionExecutor interface {
	Execute(ctx context.Context, ref decisions.Ref) (decisions.Resolution, error)
}

type Deps struct {
	Panel      PanelDispatcher
	Decisions  DecisionExecutor
	ReportYear int
}

type executeDecisionArgs struct {
	ID    string `json:"id,omitempty" jsonschema:"decision id"`
	Index int    `json:"index,omitempty" jsonschema:"1-based position in the decision list"`
}

type updateMetricCardArgs struct {
	Target string   `json:"target" jsonschema:"metric card key"`
	Label  string   `json:"label,omitempty" jsonschema:"new card label"`
	Value  *float64 `json:"value,omitempty" jsonschema:"new card value"`
	Flip   *bool    `json:"flip,omitempty" jsonschema:"animate the card flip, default true"`
}

type updateMetricByLabelArgs struct {
	OldLabel string   `json:"oldLabel" jsonschema:"label currently shown on the card"`
	NewLabel string   `json:"newLabel,omitempty" jsonschema:"new card label"`
	Value    *float64 `json:"value,omitempty" jsonschema:"new card value"`
	Flip     *bool    `json:"flip,omitempty" jsonschema:"animate the card flip"`
}

type setTrendTypeArgs struct {
	To string `json:"to" jsonschema:"trend series to show"`
}

type openMonthlyReportArgs struct {
	Month string `json:"month" jsonschema:"month such as 八月, 9, 08 or September"`
}

type suggestArgs struct {
	Phrase string `json:"phrase" jsonschema:"the possibly misheard phrase"`
}

type dispatched struct {
	OK  bool      `json:"ok"`
	Ack panel.Ack `json:"ack"`
}

type failure struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

// New builds the dashboard tool registry in prompt order.
func New(d Deps) (*agent.Registry, error) {
	if d.Panel == nil || d.Decisions == nil {
		return nil, errors.New("tools: panel dispatcher and decision executor are required")
	}
	if d.ReportYear == 0 {
		d.ReportYear = 2025
	}
	b := builder{deps: d}

	metricKeys := make([]any, 0, len(panel.MetricKeys))
	for _, k := range panel.MetricKeys {
		metricKeys = append(metricKeys, k)
	}

	var errs []error
	must := func(t agent.Tool, err error) agent.Tool {
		if err != nil {
			errs = append(errs, err)
		}
		return t
	}
	tools := []agent.Tool{
		must(agent.NewTool("executeDecision", descExecuteDecision, b.executeDecision, agent.Minimum("index", 1))),
		must(agent.NewTool("updateMetricCard", descUpdateMetric, b.updateMetricCard, agent.Enum("target", metricKeys...))),
		must(agent.NewTool("updateMetricByLabel", descUpdateByLabel, b.updateMetricByLabel)),
		must(agent.NewTool("setTrendType", descSetTrend, b.setTrendType, agent.Enum("to", panel.TrendSales, panel.TrendPeople))),
		must(agent.NewTool("openMonthlyReport", descOpenReport, b.openMonthlyReport)),
		must(agent.NewTool("closeMonthlyReport", descCloseReport, b.closeMonthlyReport)),
		must(agent.NewTool("getMenuGuide", descMenuGuide, getMenuGuide)),
		must(agent.NewTool("suggestMetricCandidates", descSuggest, suggestMetricCandidates)),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return agent.NewRegistry(tools...), nil
}

type builder struct {
	deps Deps
}

func (b builder) dispatch(ctx context.Context, a panel.Action) (any, error) {
	ack, err := b.deps.Panel.Dispatch(ctx, a)
	if err != nil {
		return nil, err
	}
	return dispatched{OK: true, Ack: ack}, nil
}

func (b builder) executeDecision(ctx context.Context, in executeDecisionArgs) (any, error) {
	ref := decisions.Ref{ID: strings.TrimSpace(in.ID), Index: in.Index}
	res, err := b.deps.Decisions.Execute(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case decisions.Resolved:
		return map[string]any{"ok": true, "executed": decisions.Ref{ID: r.ID, Index: r.Index}}, nil
	case decisions.NeedsIndex:
		count := r.Count
		return failure{OK: false, Reason: "need_index", Count: &count}, nil
	default:
		return nil, errors.New("unexpected resolution")
	}
}

func (b builder) updateMetricCard(ctx context.Context, in updateMetricCardArgs) (any, error) {
	flip := true
	if in.Flip != nil {
		flip = *in.Flip
	}
	a := panel.MetricSet{Target: in.Target, Value: in.Value, Flip: &flip}
	if label := strings.TrimSpace(in.Label); label != "" {
		a.Label = &label
	}
	return b.dispatch(ctx, a)
}

func (b builder) updateMetricByLabel(ctx context.Context, in updateMetricByLabelArgs) (any, error) {
	a := panel.MetricByLabel{OldLabel: strings.TrimSpace(in.OldLabel), Value: in.Value, Flip: in.Flip}
	if label := strings.TrimSpace(in.NewLabel); label != "" {
		a.NewLabel = &label
	}
	return b.dispatch(ctx, a)
}

func (b builder) setTrendType(ctx context.Context, in setTrendTypeArgs) (any, error) {
	return b.dispatch(ctx, panel.TrendSet{Target: panel.TrendSales, To: in.To})
}

func (b builder) openMonthlyReport(ctx context.Context, in openMonthlyReportArgs) (any, error) {
	month, ok := NormalizeMonth(in.Month, b.deps.ReportYear)
	if !ok {
		return failure{OK: false, Message: "unknown_month"}, nil
	}
	return b.dispatch(ctx, panel.ReportOpen{Month: month})
}

func (b builder) closeMonthlyReport(ctx context.Context, _ struct{}) (any, error) {
	return b.dispatch(ctx, panel.ReportClose{})
}

func getMenuGuide(context.Context, struct{}) (any, error) {
	return map[string]any{"ok": true, "menu": DefaultMenu()}, nil
}

func suggestMetricCandidates(_ context.Context, in suggestArgs) (any, error) {
	return map[string]any{"ok": true, "candidates": SuggestCandidates(in.Phrase)}, nil
}
