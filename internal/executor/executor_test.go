package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/quantbot/internal/broker"
	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

// fakeBroker scripts one broker in the chain. submitStatus overrides the
// default immediate fill; pollStatuses scripts successive GetOrder answers,
// with the last entry repeating.
type fakeBroker struct {
	name         string
	fractional   bool
	quote        *broker.Quote
	submitErr    error
	stopErr      error
	submitStatus models.OrderStatus
	pollStatuses []models.OrderStatus
	polls        int
	submitted    []*models.PositionRequest
	stops        []string
	closes       []*models.PositionRequest
	canceled     []string
}

var _ broker.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) Name() string                      { return f.name }
func (f *fakeBroker) SupportsFractional() bool          { return f.fractional }
func (f *fakeBroker) HealthCheck(context.Context) error { return nil }

func (f *fakeBroker) GetAccount(context.Context) (*broker.Account, error) {
	return &broker.Account{Equity: 100_000, Cash: 100_000}, nil
}

func (f *fakeBroker) GetPositions(context.Context) ([]models.Position, error) { return nil, nil }

func (f *fakeBroker) GetQuote(_ context.Context, symbol string) (*broker.Quote, error) {
	if f.quote == nil {
		return nil, errors.New("no quote")
	}
	return f.quote, nil
}

func (f *fakeBroker) SubmitOrder(_ context.Context, req *models.PositionRequest) (*models.OrderResult, error) {
	if strings.HasSuffix(req.RequestID, "-close") {
		f.closes = append(f.closes, req)
	} else {
		f.submitted = append(f.submitted, req)
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	status := f.submitStatus
	if status == "" {
		status = models.OrderStatusFilled
	}
	res := &models.OrderResult{
		ID: f.name + "-order", Symbol: req.Symbol, Side: req.Side,
		Status: status, Broker: f.name,
	}
	if status == models.OrderStatusFilled {
		price := 500.0
		res.FilledAvgPrice = &price
		res.Qty = req.Qty
		if req.Notional > 0 {
			res.Qty = req.Notional / price
		}
	}
	return res, nil
}

func (f *fakeBroker) GetOrder(_ context.Context, orderID string) (*models.OrderResult, error) {
	f.polls++
	status := models.OrderStatusFilled
	if len(f.pollStatuses) > 0 {
		status = f.pollStatuses[0]
		if len(f.pollStatuses) > 1 {
			f.pollStatuses = f.pollStatuses[1:]
		}
	}
	res := &models.OrderResult{ID: orderID, Symbol: "SPY", Status: status, Broker: f.name}
	if status == models.OrderStatusFilled {
		price := 500.0
		res.Qty = 2
		res.FilledAvgPrice = &price
	}
	return res, nil
}

func (f *fakeBroker) SubmitStopOrder(_ context.Context, _ string, _ models.Side, _, _ float64, clientOrderID string) (string, error) {
	if f.stopErr != nil {
		return "", f.stopErr
	}
	f.stops = append(f.stops, clientOrderID)
	return f.name + "-stop", nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeBroker) ListOpenOrders(context.Context) ([]models.OrderResult, error) { return nil, nil }

func chainCfg(priority ...string) config.BrokersConfig {
	return config.BrokersConfig{
		FailoverEnabled: true,
		Priority:        priority,
		Breaker:         config.BrokerBreakerConfig{MaxConsecutiveFailures: 2, CooldownSeconds: 60},
	}
}

func notionalReq() *models.PositionRequest {
	return &models.PositionRequest{
		RequestID: "req-1", Symbol: "SPY", Side: models.SideBuy,
		Notional: 1000, TIF: models.TIFDay,
	}
}

func TestExecute_PrimarySucceeds(t *testing.T) {
	primary := &fakeBroker{name: "alpaca", fractional: true}
	backup := &fakeBroker{name: "tradier"}
	e := New(chainCfg("alpaca", "tradier"),
		map[string]broker.Broker{"alpaca": primary, "tradier": backup}, zerolog.Nop())

	res, err := e.Execute(context.Background(), notionalReq())
	require.NoError(t, err)
	assert.Equal(t, "alpaca", res.Broker)
	assert.Empty(t, backup.submitted, "backup must not be touched on primary success")
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Success)
}

func TestExecute_FailsOverToBackup(t *testing.T) {
	primary := &fakeBroker{name: "alpaca", fractional: true, submitErr: errors.New("gateway timeout")}
	backup := &fakeBroker{name: "tradier", quote: &broker.Quote{Symbol: "SPY", Bid: 499, Ask: 501}}
	e := New(chainCfg("alpaca", "tradier"),
		map[string]broker.Broker{"alpaca": primary, "tradier": backup}, zerolog.Nop())

	res, err := e.Execute(context.Background(), notionalReq())
	require.NoError(t, err)
	assert.Equal(t, "tradier", res.Broker)
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Success)
	assert.Contains(t, res.Attempts[0].Error, "gateway timeout")
	assert.True(t, res.Attempts[1].Success)

	// The same request id reached both brokers.
	require.Len(t, primary.submitted, 1)
	require.Len(t, backup.submitted, 1)
	assert.Equal(t, primary.submitted[0].RequestID, backup.submitted[0].RequestID)
}

func TestExecute_WholeShareConversion(t *testing.T) {
	// $1000 at a $499/$501 book converts to 2 whole shares.
	b := &fakeBroker{name: "tradier", quote: &broker.Quote{Symbol: "SPY", Bid: 499, Ask: 501}}
	e := New(chainCfg("tradier"), map[string]broker.Broker{"tradier": b}, zerolog.Nop())

	_, err := e.Execute(context.Background(), notionalReq())
	require.NoError(t, err)
	require.Len(t, b.submitted, 1)
	assert.Zero(t, b.submitted[0].Notional)
	assert.InDelta(t, 2, b.submitted[0].Qty, 1e-9)
}

func TestExecute_NotionalBelowOneShare(t *testing.T) {
	b := &fakeBroker{name: "tradier", quote: &broker.Quote{Symbol: "SPY", Bid: 1999, Ask: 2001}}
	e := New(chainCfg("tradier"), map[string]broker.Broker{"tradier": b}, zerolog.Nop())

	_, err := e.Execute(context.Background(), notionalReq())
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.Empty(t, b.submitted, "unconvertible notional must not be submitted")
}

func TestExecute_AllBrokersFail(t *testing.T) {
	primary := &fakeBroker{name: "alpaca", fractional: true, submitErr: errors.New("down")}
	backup := &fakeBroker{name: "tradier", fractional: true, submitErr: errors.New("also down")}
	e := New(chainCfg("alpaca", "tradier"),
		map[string]broker.Broker{"alpaca": primary, "tradier": backup}, zerolog.Nop())

	_, err := e.Execute(context.Background(), notionalReq())
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorContains(t, err, "also down", "last error must be preserved")
}

func TestExecute_PermanentErrorStopsFailover(t *testing.T) {
	primary := &fakeBroker{name: "alpaca", fractional: true,
		submitErr: &broker.APIError{Broker: "alpaca", Status: 422, Message: "invalid symbol"}}
	backup := &fakeBroker{name: "tradier", fractional: true}
	e := New(chainCfg("alpaca", "tradier"),
		map[string]broker.Broker{"alpaca": primary, "tradier": backup}, zerolog.Nop())

	_, err := e.Execute(context.Background(), notionalReq())
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.Empty(t, backup.submitted, "a 4xx rejection must not fail over")
}

func TestExecute_SkipsOpenCircuit(t *testing.T) {
	primary := &fakeBroker{name: "alpaca", fractional: true, submitErr: errors.New("down")}
	backup := &fakeBroker{name: "tradier", fractional: true}
	e := New(chainCfg("alpaca", "tradier"),
		map[string]broker.Broker{"alpaca": primary, "tradier": backup}, zerolog.Nop())

	// Two failures trip the primary's circuit (MaxConsecutiveFailures: 2).
	for i := 0; i < 2; i++ {
		_, _ = e.Execute(context.Background(), notionalReq())
	}
	primarySubmits := len(primary.submitted)

	res, err := e.Execute(context.Background(), notionalReq())
	require.NoError(t, err)
	assert.Equal(t, "tradier", res.Broker)
	assert.Len(t, primary.submitted, primarySubmits, "open circuit must not be called")
	require.Len(t, res.Attempts, 2)
	assert.True(t, res.Attempts[0].Skipped)
	assert.True(t, res.Attempts[1].Success)
}

func TestExecute_FailoverDisabled(t *testing.T) {
	cfg := chainCfg("alpaca", "tradier")
	cfg.FailoverEnabled = false
	primary := &fakeBroker{name: "alpaca", fractional: true, submitErr: errors.New("down")}
	backup := &fakeBroker{name: "tradier", fractional: true}
	e := New(cfg, map[string]broker.Broker{"alpaca": primary, "tradier": backup}, zerolog.Nop())

	_, err := e.Execute(context.Background(), notionalReq())
	require.ErrorIs(t, err, ErrExecutionFailed)
	assert.Empty(t, backup.submitted)
}

func TestExecute_AttachesStop(t *testing.T) {
	b := &fakeBroker{name: "alpaca", fractional: true}
	e := New(chainCfg("alpaca"), map[string]broker.Broker{"alpaca": b}, zerolog.Nop())

	stop := 490.0
	req := notionalReq()
	req.StopLossPrice = &stop

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "alpaca-stop", res.StopOrderID)
	require.Len(t, b.stops, 1)
	assert.Equal(t, "req-1-stop", b.stops[0])
}

func TestExecute_PollsAcceptedOrderToFillBeforeStop(t *testing.T) {
	// Live brokers ack market orders as accepted; the stop must wait for the
	// confirmed fill, not be dropped.
	b := &fakeBroker{name: "alpaca", fractional: true,
		submitStatus: models.OrderStatusAccepted,
		pollStatuses: []models.OrderStatus{models.OrderStatusAccepted, models.OrderStatusFilled}}
	e := New(chainCfg("alpaca"), map[string]broker.Broker{"alpaca": b}, zerolog.Nop())
	e.fillPoll = time.Millisecond

	stop := 490.0
	req := notionalReq()
	req.StopLossPrice = &stop

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, res.Status)
	require.NotNil(t, res.FilledAvgPrice)
	assert.InDelta(t, 2, res.Qty, 1e-9, "fill qty comes from the confirmed order")
	assert.GreaterOrEqual(t, b.polls, 2)
	require.Len(t, b.stops, 1, "stop attaches once the fill is confirmed")
	assert.Equal(t, "req-1-stop", b.stops[0])
}

func TestExecute_RejectedDuringPollSkipsStop(t *testing.T) {
	b := &fakeBroker{name: "alpaca", fractional: true,
		submitStatus: models.OrderStatusAccepted,
		pollStatuses: []models.OrderStatus{models.OrderStatusRejected}}
	e := New(chainCfg("alpaca"), map[string]broker.Broker{"alpaca": b}, zerolog.Nop())
	e.fillPoll = time.Millisecond

	stop := 490.0
	req := notionalReq()
	req.StopLossPrice = &stop

	res, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.ErrorContains(t, err, "without filling")
	require.NotNil(t, res)
	assert.Empty(t, b.stops, "no stop for an order that never filled")
	assert.Empty(t, b.canceled, "a rejected order has nothing to cancel")
}

func TestExecute_UnfilledOrderCanceledAfterPollBudget(t *testing.T) {
	b := &fakeBroker{name: "alpaca", fractional: true,
		submitStatus: models.OrderStatusAccepted,
		pollStatuses: []models.OrderStatus{models.OrderStatusAccepted}}
	e := New(chainCfg("alpaca"), map[string]broker.Broker{"alpaca": b}, zerolog.Nop())
	e.fillPoll = time.Millisecond
	e.fillWait = 10 * time.Millisecond

	stop := 490.0
	req := notionalReq()
	req.StopLossPrice = &stop

	_, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not filled within")
	assert.Empty(t, b.stops)
	require.Len(t, b.canceled, 1, "the resting order must not outlive the run unprotected")
	assert.Equal(t, "alpaca-order", b.canceled[0])
}

func TestExecute_StopFailureTriggersEmergencyClose(t *testing.T) {
	b := &fakeBroker{name: "alpaca", fractional: true, stopErr: errors.New("stop rejected")}
	e := New(chainCfg("alpaca"), map[string]broker.Broker{"alpaca": b}, zerolog.Nop())

	stop := 490.0
	req := notionalReq()
	req.StopLossPrice = &stop

	res, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.ErrorContains(t, err, "position closed")
	require.NotNil(t, res, "the fill result must still be returned")
	require.Len(t, b.closes, 1)
	assert.Equal(t, models.SideSell, b.closes[0].Side, "emergency close reverses the entry")
	assert.Equal(t, "req-1-close", b.closes[0].RequestID)
}

func TestNew_UnknownBrokerSkipped(t *testing.T) {
	b := &fakeBroker{name: "alpaca", fractional: true}
	e := New(chainCfg("alpaca", "ibkr"), map[string]broker.Broker{"alpaca": b}, zerolog.Nop())
	assert.Len(t, e.Chain(), 1)
	assert.Equal(t, "alpaca", e.Primary().Name())
}
