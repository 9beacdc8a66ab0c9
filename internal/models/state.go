package models

import "time"

// PortfolioSnapshot is the broker account view persisted with system state.
type PortfolioSnapshot struct {
	Equity      float64   `json:"equity"`
	Cash        float64   `json:"cash"`
	BuyingPower float64   `json:"buying_power"`
	AsOfUTC     time.Time `json:"as_of_utc"`
}

// BreakerStatus is a circuit breaker's gate state.
type BreakerStatus string

const (
	// BreakerClosed permits trading.
	BreakerClosed BreakerStatus = "CLOSED"
	// BreakerOpen blocks trading.
	BreakerOpen BreakerStatus = "OPEN"
	// BreakerHalfOpen permits a single probe trade.
	BreakerHalfOpen BreakerStatus = "HALF_OPEN"
)

// BreakerState is the persisted snapshot of one circuit breaker.
type BreakerState struct {
	Status        BreakerStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	FailureCount  int           `json:"failure_count,omitempty"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	TrippedAt     *time.Time    `json:"tripped_at,omitempty"`
}

// LearnedParams holds parameters updated from realized trade outcomes.
type LearnedParams struct {
	// QTable maps a discretized state key to per-action values.
	QTable map[string]map[Action]float64 `json:"q_table,omitempty"`
}

// StalenessStatus classifies how old persisted state is relative to now.
type StalenessStatus string

const (
	// StalenessFresh is state younger than 24h.
	StalenessFresh StalenessStatus = "FRESH"
	// StalenessAging is state between 24h and 48h old.
	StalenessAging StalenessStatus = "AGING"
	// StalenessStale is state between 48h and 72h old.
	StalenessStale StalenessStatus = "STALE"
	// StalenessExpired is state at or beyond 72h; loading is refused.
	StalenessExpired StalenessStatus = "EXPIRED"
)

// StalenessMeta is populated on load and cleared on save.
type StalenessMeta struct {
	StalenessHours  float64         `json:"staleness_hours"`
	StalenessStatus StalenessStatus `json:"staleness_status"`
	Confidence      float64         `json:"confidence"`
}

// SystemState is the single durable record of the trading system. It is
// exclusively owned by the state store; all mutation flows through its
// serialized save path.
type SystemState struct {
	Portfolio      PortfolioSnapshot `json:"portfolio"`
	Positions      []Position        `json:"positions"`
	ClosedTrades   []ClosedTrade     `json:"closed_trades"`
	Breaker        BreakerState      `json:"breaker"`
	LearnedParams  LearnedParams     `json:"learned_params"`
	LastUpdatedUTC time.Time         `json:"last_updated_utc"`
	Meta           *StalenessMeta    `json:"meta,omitempty"`
}

// FindPosition returns a pointer into Positions for the symbol, or nil.
func (s *SystemState) FindPosition(symbol string) *Position {
	for i := range s.Positions {
		if s.Positions[i].Symbol == symbol {
			return &s.Positions[i]
		}
	}
	return nil
}

// RemovePosition drops the position for the symbol, returning true if found.
func (s *SystemState) RemovePosition(symbol string) bool {
	for i := range s.Positions {
		if s.Positions[i].Symbol == symbol {
			s.Positions = append(s.Positions[:i], s.Positions[i+1:]...)
			return true
		}
	}
	return false
}

// TradeStats summarizes closed-trade outcomes for Kelly estimation.
type TradeStats struct {
	Total             int
	Wins              int
	Losses            int
	WinRate           float64
	AvgWinPct         float64
	AvgLossPct        float64 // reported as a positive magnitude
	ConsecutiveLosses int
}

// Stats computes win/loss statistics over all closed trades. The consecutive
// losses counter runs back from the most recent trade.
func (s *SystemState) Stats() TradeStats {
	var st TradeStats
	var winSum, lossSum float64
	for _, t := range s.ClosedTrades {
		st.Total++
		if t.RealizedPnL > 0 {
			st.Wins++
			winSum += t.RealizedPnLPct
		} else {
			st.Losses++
			lossSum += -t.RealizedPnLPct
		}
	}
	if st.Total > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Total)
	}
	if st.Wins > 0 {
		st.AvgWinPct = winSum / float64(st.Wins)
	}
	if st.Losses > 0 {
		st.AvgLossPct = lossSum / float64(st.Losses)
	}
	for i := len(s.ClosedTrades) - 1; i >= 0; i-- {
		if s.ClosedTrades[i].RealizedPnL > 0 {
			break
		}
		st.ConsecutiveLosses++
	}
	return st
}

// RealizedPnLOn sums realized P&L for trades closed on the given UTC day.
func (s *SystemState) RealizedPnLOn(day time.Time) float64 {
	y, m, d := day.UTC().Date()
	var total float64
	for _, t := range s.ClosedTrades {
		ty, tm, td := t.ClosedAt.UTC().Date()
		if ty == y && tm == m && td == d {
			total += t.RealizedPnL
		}
	}
	return total
}
