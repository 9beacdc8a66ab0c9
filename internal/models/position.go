package models

import (
	"fmt"
	"time"
)

// Position is an open holding. It is created by the first fill, mutated by
// subsequent fills and mark-to-market, and archived to a ClosedTrade when the
// quantity reaches zero.
type Position struct {
	Symbol           string    `json:"symbol"`
	Qty              float64   `json:"qty"`
	AvgEntryPrice    float64   `json:"avg_entry_price"`
	MarketPrice      float64   `json:"market_price,omitempty"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct,omitempty"`
	OpenedAt         time.Time `json:"opened_at"`
	StopLossPrice    *float64  `json:"stop_loss_price"`

	// Entry-time learning context, carried until the close so the Q-update
	// credits the state and action that opened the trade.
	EntryStateKey string `json:"entry_state_key,omitempty"`
	EntryAction   Action `json:"entry_action,omitempty"`
}

// MarketValue returns the current market value of the position.
func (p *Position) MarketValue() float64 {
	return p.Qty * p.MarketPrice
}

// CostBasis returns the entry cost of the position.
func (p *Position) CostBasis() float64 {
	return p.Qty * p.AvgEntryPrice
}

// UnrealizedPnL returns the open profit in dollars.
func (p *Position) UnrealizedPnL() float64 {
	return (p.MarketPrice - p.AvgEntryPrice) * p.Qty
}

// MarkToMarket updates the market price and the derived unrealized P&L
// percentage.
func (p *Position) MarkToMarket(price float64) {
	p.MarketPrice = price
	if p.AvgEntryPrice != 0 {
		p.UnrealizedPnLPct = (price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
	}
}

// StopHit reports whether the latest mark crossed the protective stop.
func (p *Position) StopHit() bool {
	if p.StopLossPrice == nil || p.MarketPrice == 0 {
		return false
	}
	if p.Qty >= 0 {
		return p.MarketPrice <= *p.StopLossPrice
	}
	return p.MarketPrice >= *p.StopLossPrice
}

// ApplyFill folds a fill into the position, averaging the entry price for
// adds and reducing quantity for closes.
func (p *Position) ApplyFill(qty, price float64) {
	if qty == 0 {
		return
	}
	sameDirection := (p.Qty >= 0) == (qty > 0)
	if p.Qty == 0 || sameDirection {
		total := p.Qty + qty
		if total != 0 {
			p.AvgEntryPrice = (p.AvgEntryPrice*p.Qty + price*qty) / total
		}
		p.Qty = total
		return
	}
	p.Qty += qty
}

// ExitReason explains why a position was closed.
type ExitReason string

const (
	// ExitReasonTakeProfit closed at the profit target.
	ExitReasonTakeProfit ExitReason = "take_profit"
	// ExitReasonStopLoss closed at the protective stop.
	ExitReasonStopLoss ExitReason = "stop_loss"
	// ExitReasonSignal closed on a SELL decision from the pipeline.
	ExitReasonSignal ExitReason = "signal"
	// ExitReasonTime closed on a holding-period limit.
	ExitReasonTime ExitReason = "time"
	// ExitReasonManual closed by operator intervention.
	ExitReasonManual ExitReason = "manual"
)

// Valid returns true for one of the defined exit reason constants.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitReasonTakeProfit, ExitReasonStopLoss, ExitReasonSignal, ExitReasonTime, ExitReasonManual:
		return true
	default:
		return false
	}
}

// ClosedTrade is the immutable archive record of a completed round trip.
type ClosedTrade struct {
	Symbol         string     `json:"symbol"`
	Qty            float64    `json:"qty"`
	EntryPrice     float64    `json:"entry_price"`
	ExitPrice      float64    `json:"exit_price"`
	RealizedPnL    float64    `json:"realized_pnl"`
	RealizedPnLPct float64    `json:"realized_pnl_pct"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       time.Time  `json:"closed_at"`
	ExitReason     ExitReason `json:"exit_reason"`
}

// CloseOut archives the position at the given exit price.
func (p *Position) CloseOut(exitPrice float64, at time.Time, reason ExitReason) (ClosedTrade, error) {
	if !reason.Valid() {
		return ClosedTrade{}, fmt.Errorf("close %s: invalid exit reason %q", p.Symbol, reason)
	}
	pnl := (exitPrice - p.AvgEntryPrice) * p.Qty
	pct := 0.0
	if p.AvgEntryPrice != 0 {
		pct = (exitPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
	}
	return ClosedTrade{
		Symbol:         p.Symbol,
		Qty:            p.Qty,
		EntryPrice:     p.AvgEntryPrice,
		ExitPrice:      exitPrice,
		RealizedPnL:    pnl,
		RealizedPnLPct: pct,
		OpenedAt:       p.OpenedAt,
		ClosedAt:       at.UTC(),
		ExitReason:     reason,
	}, nil
}
