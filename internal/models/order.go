package models

import (
	"fmt"
	"time"
)

// Side is the order side.
type Side string

const (
	// SideBuy buys the symbol.
	SideBuy Side = "buy"
	// SideSell sells the symbol.
	SideSell Side = "sell"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	// TIFDay expires the order at the end of the trading day.
	TIFDay TimeInForce = "day"
	// TIFGTC keeps the order working until canceled.
	TIFGTC TimeInForce = "gtc"
)

// PositionRequest is a sized, risk-approved order intent. Exactly one of
// Notional or Qty must be populated.
type PositionRequest struct {
	RequestID     string      `json:"request_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Notional      float64     `json:"notional,omitempty"`
	Qty           float64     `json:"qty,omitempty"`
	StopLossPrice *float64    `json:"stop_loss_price,omitempty"`
	TIF           TimeInForce `json:"tif"`
}

// Validate enforces the exactly-one-of-notional/qty invariant.
func (r *PositionRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("position request: symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("position request %s: invalid side %q", r.Symbol, r.Side)
	}
	hasNotional := r.Notional > 0
	hasQty := r.Qty > 0
	if hasNotional == hasQty {
		return fmt.Errorf("position request %s: exactly one of notional/qty must be set (notional=%.2f qty=%.4f)",
			r.Symbol, r.Notional, r.Qty)
	}
	return nil
}

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	// OrderStatusFilled means the order fully executed.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusAccepted means the broker accepted but has not filled it.
	OrderStatusAccepted OrderStatus = "accepted"
	// OrderStatusRejected means the broker refused the order.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusCanceled means the order was canceled before filling.
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderAttempt records one submission attempt against one broker.
type OrderAttempt struct {
	Broker    string `json:"broker"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"` // breaker open, broker not tried
	LatencyMS int64  `json:"latency_ms"`
}

// OrderResult is the outcome of a multi-broker submission.
type OrderResult struct {
	ID             string         `json:"id"`
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Qty            float64        `json:"qty"`
	Status         OrderStatus    `json:"status"`
	FilledAvgPrice *float64       `json:"filled_avg_price,omitempty"`
	Broker         string         `json:"broker"`
	StopOrderID    string         `json:"stop_order_id,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	Attempts       []OrderAttempt `json:"attempts"`
}
