package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-screen/pkg/core"
)

type roomRecorder struct {
	mu       sync.Mutex
	commands []Command
	sent     chan Command
}

func newRoomRecorder() *roomRecorder {
	return &roomRecorder{sent: make(chan Command, 16)}
}

func (r *roomRecorder) EmitToRoom(room, event string, data any) {
	if room != Room || event != EventAction {
		return
	}
	cmd := data.(Command)
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	r.sent <- cmd
}

func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("panel-%d", n.Add(1)) }
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestActionJSONCarriesKind(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(Command{ID: "panel-1", Action: MetricSet{Target: "revenue", Label: strPtr("昨日金额"), Flip: boolPtr(true)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"panel-1","action":{"kind":"metric:set","target":"revenue","label":"昨日金额","flip":true}}`, string(raw))

	raw, err = json.Marshal(ReportClose{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"report:close"}`, string(raw))
}

func TestActionValidate(t *testing.T) {
	t.Parallel()
	twelve := 12.0
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{name: "metric set", action: MetricSet{Target: "wifi", Value: &twelve}},
		{name: "metric bad target", action: MetricSet{Target: "weather"}, wantErr: true},
		{name: "by label", action: MetricByLabel{OldLabel: "今日来客", NewLabel: strPtr("昨日来客")}},
		{name: "by label missing old", action: MetricByLabel{}, wantErr: true},
		{name: "trend", action: TrendSet{Target: "sales", To: "people"}},
		{name: "trend bad series", action: TrendSet{Target: "sales", To: "weather"}, wantErr: true},
		{name: "report open", action: ReportOpen{Month: "2025-09"}},
		{name: "report open bad month", action: ReportOpen{Month: "2025-13"}, wantErr: true},
		{name: "report compare", action: ReportCompare{Months: []string{"2025-08", "2025-09"}}},
		{name: "report compare one month", action: ReportCompare{Months: []string{"2025-08"}}, wantErr: true},
		{name: "report close", action: ReportClose{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				var ce *core.Error
				require.True(t, errors.As(err, &ce), "got %v", err)
				assert.Equal(t, core.ErrInvalidRequest, ce.Type)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDispatch_ResolvesOnMatchingAck(t *testing.T) {
	t.Parallel()
	out := newRoomRecorder()
	var outcomes []string
	var mu sync.Mutex
	d := NewDispatcher(out, Options{NewID: seqIDs(), Observe: func(o string) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}})

	type result struct {
		ack Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := d.Dispatch(context.Background(), TrendSet{Target: TrendSales, To: TrendPeople})
		done <- result{ack, err}
	}()

	cmd := <-out.sent
	assert.Equal(t, "panel-1", cmd.ID)
	assert.Equal(t, 1, d.Pending())

	assert.False(t, d.Ack(Ack{ID: "panel-999", OK: true}), "unknown id must not resolve")
	select {
	case <-done:
		t.Fatal("dispatch resolved on a foreign ack")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, d.Ack(Ack{ID: cmd.ID, OK: true, Message: "applied"}))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Ack{ID: "panel-1", OK: true, Message: "applied"}, res.ack)
	assert.Equal(t, 0, d.Pending())

	assert.False(t, d.Ack(Ack{ID: cmd.ID, OK: true}), "duplicate ack is dropped")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{OutcomeUnmatched, OutcomeAcked, OutcomeUnmatched}, outcomes)
}

func TestDispatch_RejectedAckIsNotAnError(t *testing.T) {
	t.Parallel()
	out := newRoomRecorder()
	d := NewDispatcher(out, Options{})

	go func() {
		cmd := <-out.sent
		d.Ack(Ack{ID: cmd.ID, OK: false, Message: "label not found"})
	}()
	ack, err := d.Dispatch(context.Background(), MetricByLabel{OldLabel: "不存在"})
	require.NoError(t, err)
	assert.False(t, ack.OK)
	assert.Equal(t, "label not found", ack.Message)
}

func TestDispatch_UnackedStaysPendingUntilContextEnds(t *testing.T) {
	t.Parallel()
	out := newRoomRecorder()
	d := NewDispatcher(out, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, TrendSet{Target: TrendSales, To: TrendPeople})
		errCh <- err
	}()
	<-out.sent

	select {
	case <-errCh:
		t.Fatal("dispatch resolved without an ack")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, d.Pending())

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatch_TimeoutResolvesNotOK(t *testing.T) {
	t.Parallel()
	out := newRoomRecorder()
	d := NewDispatcher(out, Options{Timeout: 20 * time.Millisecond, NewID: seqIDs()})

	ack, err := d.Dispatch(context.Background(), ReportClose{})
	require.NoError(t, err)
	assert.Equal(t, Ack{ID: "panel-1", OK: false, Message: "timeout"}, ack)
	assert.Equal(t, 0, d.Pending())
	assert.False(t, d.Ack(Ack{ID: "panel-1", OK: true}), "late ack is dropped")
}

func TestDispatch_InvalidActionNotEmitted(t *testing.T) {
	t.Parallel()
	out := newRoomRecorder()
	d := NewDispatcher(out, Options{})

	_, err := d.Dispatch(context.Background(), ReportOpen{Month: "August"})
	require.Error(t, err)
	assert.Empty(t, out.commands)
	assert.Equal(t, 0, d.Pending())
}
