package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestBarSeries_NormalizeSortsAndDedups(t *testing.T) {
	s := &BarSeries{Symbol: "SPY", Bars: []Bar{
		{Date: day(t, "2025-01-03"), Close: 3},
		{Date: day(t, "2025-01-02"), Close: 2},
		{Date: day(t, "2025-01-02"), Close: 2.5}, // duplicate date, later wins
		{Date: day(t, "2025-01-01"), Close: 1},
	}}

	s.Normalize()

	require.Equal(t, 3, s.Len())
	assert.Equal(t, []float64{1, 2.5, 3}, s.Closes())
	assert.NoError(t, s.Validate())
}

func TestBarSeries_ValidateRejectsUnsorted(t *testing.T) {
	s := &BarSeries{Symbol: "SPY", Bars: []Bar{
		{Date: day(t, "2025-01-02")},
		{Date: day(t, "2025-01-01")},
	}}
	assert.Error(t, s.Validate())
}

func TestBarSeries_MergeDedupsByDate(t *testing.T) {
	a := &BarSeries{Symbol: "SPY", Bars: []Bar{
		{Date: day(t, "2025-01-01"), Close: 1},
		{Date: day(t, "2025-01-02"), Close: 2},
	}}
	b := &BarSeries{Symbol: "SPY", Bars: []Bar{
		{Date: day(t, "2025-01-02"), Close: 2.1},
		{Date: day(t, "2025-01-03"), Close: 3},
	}}

	a.Merge(b)

	require.Equal(t, 3, a.Len())
	assert.NoError(t, a.Validate())
}

func TestPositionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     PositionRequest
		wantErr bool
	}{
		{"notional only", PositionRequest{Symbol: "SPY", Side: SideBuy, Notional: 1000, TIF: TIFDay}, false},
		{"qty only", PositionRequest{Symbol: "SPY", Side: SideSell, Qty: 5, TIF: TIFDay}, false},
		{"both set", PositionRequest{Symbol: "SPY", Side: SideBuy, Notional: 1000, Qty: 5}, true},
		{"neither set", PositionRequest{Symbol: "SPY", Side: SideBuy}, true},
		{"missing symbol", PositionRequest{Side: SideBuy, Notional: 1000}, true},
		{"bad side", PositionRequest{Symbol: "SPY", Side: "short", Notional: 1000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPosition_MarkToMarketAndStopHit(t *testing.T) {
	stop := 95.0
	p := &Position{Symbol: "SPY", Qty: 10, AvgEntryPrice: 100, StopLossPrice: &stop}

	p.MarkToMarket(98)
	assert.False(t, p.StopHit())
	assert.InDelta(t, -2.0, p.UnrealizedPnLPct, 1e-9)

	p.MarkToMarket(94.5)
	assert.True(t, p.StopHit())
}

func TestPosition_ApplyFillAveragesEntry(t *testing.T) {
	p := &Position{Symbol: "SPY", Qty: 10, AvgEntryPrice: 100}
	p.ApplyFill(10, 110)
	assert.InDelta(t, 105, p.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 20, p.Qty, 1e-9)

	p.ApplyFill(-5, 120)
	assert.InDelta(t, 15, p.Qty, 1e-9)
	assert.InDelta(t, 105, p.AvgEntryPrice, 1e-9) // reduce keeps basis
}

func TestPosition_CloseOut(t *testing.T) {
	p := &Position{Symbol: "SPY", Qty: 10, AvgEntryPrice: 100, OpenedAt: day(t, "2025-01-01")}

	trade, err := p.CloseOut(110, day(t, "2025-01-05"), ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.InDelta(t, 100, trade.RealizedPnL, 1e-9)
	assert.InDelta(t, 10, trade.RealizedPnLPct, 1e-9)
	assert.Equal(t, ExitReasonTakeProfit, trade.ExitReason)

	_, err = p.CloseOut(110, day(t, "2025-01-05"), ExitReason("whim"))
	assert.Error(t, err)
}

func TestSystemState_Stats(t *testing.T) {
	st := &SystemState{ClosedTrades: []ClosedTrade{
		{RealizedPnL: 100, RealizedPnLPct: 2},
		{RealizedPnL: -50, RealizedPnLPct: -1},
		{RealizedPnL: -30, RealizedPnLPct: -0.5},
	}}

	stats := st.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 2, stats.ConsecutiveLosses)
	assert.InDelta(t, 1.0/3.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 2, stats.AvgWinPct, 1e-9)
	assert.InDelta(t, 0.75, stats.AvgLossPct, 1e-9)
}

func TestSystemState_RealizedPnLOn(t *testing.T) {
	d1 := day(t, "2025-03-03")
	d2 := day(t, "2025-03-04")
	st := &SystemState{ClosedTrades: []ClosedTrade{
		{RealizedPnL: 100, ClosedAt: d1},
		{RealizedPnL: -40, ClosedAt: d1.Add(3 * time.Hour)},
		{RealizedPnL: 75, ClosedAt: d2},
	}}
	assert.InDelta(t, 60, st.RealizedPnLOn(d1), 1e-9)
	assert.InDelta(t, 75, st.RealizedPnLOn(d2), 1e-9)
}

func TestSystemState_FindAndRemovePosition(t *testing.T) {
	st := &SystemState{Positions: []Position{{Symbol: "SPY"}, {Symbol: "QQQ"}}}

	require.NotNil(t, st.FindPosition("QQQ"))
	assert.Nil(t, st.FindPosition("IWM"))

	assert.True(t, st.RemovePosition("SPY"))
	assert.False(t, st.RemovePosition("SPY"))
	assert.Len(t, st.Positions, 1)
}
