// Package executor routes sized orders through the broker failover chain.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/quantbot/internal/broker"
	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// ErrExecutionFailed means every broker in the chain was tried (or skipped)
// without a fill.
var ErrExecutionFailed = errors.New("order execution failed on all brokers")

// Executor submits orders to brokers in priority order, skipping any whose
// circuit is open and stopping at the first success. The request's RequestID
// rides along as the client order ID, so the same intent retried against a
// second broker cannot double-fill on the first.
type Executor struct {
	chain    []*broker.CircuitBreakerBroker
	failover bool
	logger   zerolog.Logger

	// Fill-confirmation polling bounds, shortened in tests.
	fillWait time.Duration
	fillPoll time.Duration
}

// New builds the executor from the configured priority order. Brokers named
// in the priority list but missing from the map are skipped with a warning.
func New(cfg config.BrokersConfig, brokers map[string]broker.Broker, logger zerolog.Logger) *Executor {
	log := logger.With().Str("component", "executor").Logger()
	e := &Executor{
		failover: cfg.FailoverEnabled,
		logger:   log,
		fillWait: 30 * time.Second,
		fillPoll: 500 * time.Millisecond,
	}
	for _, name := range cfg.Priority {
		b, ok := brokers[name]
		if !ok {
			log.Warn().Str("broker", name).Msg("broker in priority list not configured, skipping")
			continue
		}
		e.chain = append(e.chain, broker.NewCircuitBreakerBroker(b, cfg.Breaker, logger))
	}
	return e
}

// Chain exposes the wrapped brokers, in priority order.
func (e *Executor) Chain() []*broker.CircuitBreakerBroker { return e.chain }

// Primary returns the first broker in the chain, or nil if none configured.
func (e *Executor) Primary() broker.Broker {
	if len(e.chain) == 0 {
		return nil
	}
	return e.chain[0]
}

// Execute submits the request down the chain. The returned result carries one
// OrderAttempt per broker, including skips. A permanent API rejection (bad
// symbol, insufficient funds) stops the failover: the next broker would
// refuse it for the same reason.
func (e *Executor) Execute(ctx context.Context, req *models.PositionRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(e.chain) == 0 {
		return nil, fmt.Errorf("no brokers configured: %w", ErrExecutionFailed)
	}

	var attempts []models.OrderAttempt
	var lastErr error

	for i, cb := range e.chain {
		if i > 0 && !e.failover {
			break
		}
		if cb.State() == gobreaker.StateOpen {
			attempts = append(attempts, models.OrderAttempt{Broker: cb.Name(), Skipped: true})
			e.logger.Warn().Str("broker", cb.Name()).Str("symbol", req.Symbol).
				Msg("broker circuit open, skipping")
			continue
		}

		started := time.Now()
		res, err := e.submitTo(ctx, cb, req)
		latency := time.Since(started).Milliseconds()

		if err != nil {
			lastErr = err
			attempts = append(attempts, models.OrderAttempt{
				Broker: cb.Name(), Error: err.Error(), LatencyMS: latency,
			})
			e.logger.Warn().Str("broker", cb.Name()).Str("symbol", req.Symbol).
				Err(err).Msg("order submission failed")
			if broker.IsPermanentAPIError(err) {
				break
			}
			continue
		}

		attempts = append(attempts, models.OrderAttempt{
			Broker: cb.Name(), Success: true, LatencyMS: latency,
		})
		res.Attempts = attempts
		e.logger.Info().Str("broker", cb.Name()).Str("symbol", req.Symbol).
			Str("order_id", res.ID).Str("status", string(res.Status)).
			Msg("order submitted")

		if req.StopLossPrice != nil {
			// Live brokers ack market orders as accepted; the stop needs the
			// confirmed fill quantity, so poll the order to completion first.
			if err := e.awaitFill(ctx, cb, res); err != nil {
				return res, e.abandonUnconfirmed(ctx, cb, req, res, err)
			}
			if err := e.attachStop(ctx, cb, req, res); err != nil {
				return res, err
			}
		}
		return res, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, lastErr)
	}
	return nil, fmt.Errorf("%w: all broker circuits open", ErrExecutionFailed)
}

// submitTo adapts the request for the target broker. Whole-share brokers get
// the notional converted to shares at the latest quote; a notional too small
// for one share is a hard error, not a zero-quantity order.
func (e *Executor) submitTo(ctx context.Context, b broker.Broker, req *models.PositionRequest) (*models.OrderResult, error) {
	adapted := *req
	if !b.SupportsFractional() && adapted.Notional > 0 {
		q, err := b.GetQuote(ctx, adapted.Symbol)
		if err != nil {
			return nil, fmt.Errorf("quote for share conversion: %w", err)
		}
		price := q.Mid()
		shares := util.WholeShares(adapted.Notional, price)
		if shares < 1 {
			return nil, fmt.Errorf("notional %.2f below one share of %s at %.2f",
				adapted.Notional, adapted.Symbol, price)
		}
		adapted.Notional = 0
		adapted.Qty = shares
	}
	return b.SubmitOrder(ctx, &adapted)
}

// awaitFill polls the order until the broker reports it filled, merging the
// fill quantity and price into res. A canceled or rejected order, a context
// cancellation or the polling budget running out is an error: without a
// confirmed fill there is nothing safe to attach a stop to.
func (e *Executor) awaitFill(ctx context.Context, b broker.Broker, res *models.OrderResult) error {
	if res.Status == models.OrderStatusFilled {
		return nil
	}

	deadline := time.NewTimer(e.fillWait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.fillPoll)
	defer ticker.Stop()

	for {
		cur, err := b.GetOrder(ctx, res.ID)
		if err != nil {
			e.logger.Warn().Str("broker", b.Name()).Str("order_id", res.ID).
				Err(err).Msg("order status poll failed")
		} else {
			res.Status = cur.Status
			if cur.Qty > 0 {
				res.Qty = cur.Qty
			}
			if cur.FilledAvgPrice != nil {
				res.FilledAvgPrice = cur.FilledAvgPrice
			}
			switch cur.Status {
			case models.OrderStatusFilled:
				return nil
			case models.OrderStatusCanceled, models.OrderStatusRejected:
				return fmt.Errorf("order %s ended %s without filling", res.ID, cur.Status)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for fill of %s: %w", res.ID, ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("order %s not filled within %s (status %s)", res.ID, e.fillWait, res.Status)
		case <-ticker.C:
		}
	}
}

// abandonUnconfirmed handles an entry whose fill never confirmed: a resting
// order is canceled so no position can appear later without its stop.
func (e *Executor) abandonUnconfirmed(ctx context.Context, b broker.Broker, req *models.PositionRequest, res *models.OrderResult, cause error) error {
	e.logger.Error().Str("broker", b.Name()).Str("symbol", req.Symbol).
		Str("order_id", res.ID).Err(cause).
		Msg("CRITICAL: fill unconfirmed, canceling order rather than leaving it unprotected")

	if res.Status != models.OrderStatusAccepted {
		return fmt.Errorf("fill confirmation failed: %w", cause)
	}
	if cancelErr := b.CancelOrder(ctx, res.ID); cancelErr != nil {
		e.logger.Error().Str("broker", b.Name()).Str("symbol", req.Symbol).
			Err(cancelErr).Msg("CRITICAL: cancel of unconfirmed order failed, manual intervention required")
		return fmt.Errorf("fill confirmation failed (%w) and cancel failed: %w", cause, cancelErr)
	}
	return fmt.Errorf("fill confirmation failed, order canceled: %w", cause)
}

// attachStop places the protective stop on the broker that filled. If the
// stop cannot be placed, the position is unprotected: close it immediately
// and surface the failure.
func (e *Executor) attachStop(ctx context.Context, b broker.Broker, req *models.PositionRequest, res *models.OrderResult) error {
	qty := res.Qty
	if qty <= 0 && res.FilledAvgPrice != nil && *res.FilledAvgPrice > 0 {
		qty = util.WholeShares(req.Notional, *res.FilledAvgPrice)
	}
	stopSide := models.SideSell
	if req.Side == models.SideSell {
		stopSide = models.SideBuy
	}

	stopID, err := b.SubmitStopOrder(ctx, req.Symbol, stopSide, qty, *req.StopLossPrice, req.RequestID+"-stop")
	if err == nil {
		res.StopOrderID = stopID
		return nil
	}

	e.logger.Error().Str("broker", b.Name()).Str("symbol", req.Symbol).
		Err(err).Msg("CRITICAL: stop placement failed, closing unprotected position")

	closeReq := &models.PositionRequest{
		RequestID: req.RequestID + "-close",
		Symbol:    req.Symbol,
		Side:      stopSide,
		Qty:       qty,
		TIF:       models.TIFDay,
	}
	if _, closeErr := b.SubmitOrder(ctx, closeReq); closeErr != nil {
		e.logger.Error().Str("broker", b.Name()).Str("symbol", req.Symbol).
			Err(closeErr).Msg("CRITICAL: emergency close also failed, manual intervention required")
		return fmt.Errorf("stop placement failed (%w) and emergency close failed: %w", err, closeErr)
	}
	return fmt.Errorf("stop placement failed, position closed: %w", err)
}
