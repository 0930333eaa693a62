// Package panel implements remote dashboard commands: a closed set of panel
// actions and a dispatcher that correlates each dispatched action with the
// acknowledgement the dashboard sends back.
package panel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vango-go/vai-screen/pkg/core"
)

// Room is the channel room of dashboards that accept remote commands.
const Room = "panel"

const (
	EventAction = "panel:action"
	EventDone   = "panel:done"
)

const (
	KindMetricSet     = "metric:set"
	KindMetricByLabel = "metric:updateByLabel"
	KindTrendSet      = "trend:set"
	KindReportOpen    = "report:open"
	KindReportCompare = "report:compare"
	KindReportClose   = "report:close"
)

// MetricKeys are the six metric card targets, in display order.
var MetricKeys = []string{"revenue", "visitors", "conversion", "dwell", "energy", "wifi"}

// Trend series a dashboard can switch between.
const (
	TrendSales  = "sales"
	TrendPeople = "people"
)

var monthKey = regexp.MustCompile(`^(\d{4})-(0[1-9]|1[0-2])$`)

// Action is one remote command. Implementations marshal with a "kind" field.
type Action interface {
	Kind() string
	Validate() error
}

// MetricSet sets a metric card addressed by its target key.
type MetricSet struct {
	Target string   `json:"target"`
	Label  *string  `json:"label,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	Flip   *bool    `json:"flip,omitempty"`
}

// MetricByLabel sets the metric card currently showing OldLabel.
type MetricByLabel struct {
	OldLabel string   `json:"oldLabel"`
	NewLabel *string  `json:"newLabel,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	Flip     *bool    `json:"flip,omitempty"`
}

// TrendSet switches the trend chart series. Target is always "sales".
type TrendSet struct {
	Target string `json:"target"`
	To     string `json:"to"`
}

type ReportOpen struct {
	Month string `json:"month"`
}

type ReportCompare struct {
	Months []string `json:"months"`
}

type ReportClose struct{}

func (MetricSet) Kind() string     { return KindMetricSet }
func (MetricByLabel) Kind() string { return KindMetricByLabel }
func (TrendSet) Kind() string      { return KindTrendSet }
func (ReportOpen) Kind() string    { return KindReportOpen }
func (ReportCompare) Kind() string { return KindReportCompare }
func (ReportClose) Kind() string   { return KindReportClose }

func (a MetricSet) Validate() error {
	for _, k := range MetricKeys {
		if a.Target == k {
			return nil
		}
	}
	return core.NewInvalidRequestErrorWithParam(
		fmt.Sprintf("target must be one of %s", strings.Join(MetricKeys, "|")), "target")
}

func (a MetricByLabel) Validate() error {
	if strings.TrimSpace(a.OldLabel) == "" {
		return core.NewInvalidRequestErrorWithParam("oldLabel is required", "oldLabel")
	}
	return nil
}

func (a TrendSet) Validate() error {
	if a.Target != TrendSales {
		return core.NewInvalidRequestErrorWithParam("target must be sales", "target")
	}
	if a.To != TrendSales && a.To != TrendPeople {
		return core.NewInvalidRequestErrorWithParam("to must be sales|people", "to")
	}
	return nil
}

func (a ReportOpen) Validate() error {
	if !monthKey.MatchString(a.Month) {
		return core.NewInvalidRequestErrorWithParam("month must be YYYY-MM", "month")
	}
	return nil
}

func (a ReportCompare) Validate() error {
	if len(a.Months) != 2 {
		return core.NewInvalidRequestErrorWithParam("months must hold exactly two entries", "months")
	}
	for _, m := range a.Months {
		if !monthKey.MatchString(m) {
			return core.NewInvalidRequestErrorWithParam("months must be YYYY-MM", "months")
		}
	}
	return nil
}

func (ReportClose) Validate() error { return nil }

func (a MetricSet) MarshalJSON() ([]byte, error) {
	type alias MetricSet
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{KindMetricSet, alias(a)})
}

func (a MetricByLabel) MarshalJSON() ([]byte, error) {
	type alias MetricByLabel
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{KindMetricByLabel, alias(a)})
}

func (a TrendSet) MarshalJSON() ([]byte, error) {
	type alias TrendSet
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{KindTrendSet, alias(a)})
}

func (a ReportOpen) MarshalJSON() ([]byte, error) {
	type alias ReportOpen
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{KindReportOpen, alias(a)})
}

func (a ReportCompare) MarshalJSON() ([]byte, error) {
	type alias ReportCompare
	return json.Marshal(struct {
		Kind string `json:"kind"`
		alias
	}{KindReportCompare, alias(a)})
}

func (ReportClose) MarshalJSON() ([]byte, error) {
	return []byte(`{"kind":"report:close"}`), nil
}
