// Package indicators provides pure, deterministic technical indicator
// functions over daily bar data. Warm-up values that are mathematically
// undefined are returned as NaN, never zero; callers must gate on Valid.
package indicators

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// epsilon guards divisions that can approach zero in smoothed ratios.
const epsilon = 1e-12

// daysPerYear is the calendar-day convention used for expected move.
const daysPerYear = 365.0

// tradingDaysPerYear annualizes daily return volatility.
const tradingDaysPerYear = 252.0

// Valid reports whether an indicator value is defined (not in the warm-up
// prefix).
func Valid(v float64) bool {
	return !math.IsNaN(v)
}

// Last returns the most recent defined value of a series, or false when the
// whole series is undefined or empty.
func Last(xs []float64) (float64, bool) {
	for i := len(xs) - 1; i >= 0; i-- {
		if Valid(xs[i]) {
			return xs[i], true
		}
	}
	return 0, false
}

// maskPrefix overwrites the first n values with NaN in place and returns xs.
func maskPrefix(xs []float64, n int) []float64 {
	if n > len(xs) {
		n = len(xs)
	}
	for i := 0; i < n; i++ {
		xs[i] = math.NaN()
	}
	return xs
}

// SMA is the simple moving average; the first period-1 values are undefined.
func SMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return allNaN(len(values))
	}
	return maskPrefix(talib.Sma(values, period), period-1)
}

// EMA is the exponential moving average seeded by the SMA of the first
// period values; the first period-1 values are undefined.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return allNaN(len(values))
	}
	return maskPrefix(talib.Ema(values, period), period-1)
}

// MACDResult holds the MACD line, its signal line, and the histogram.
type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes line = EMA(fast) - EMA(slow), signal = EMA(line, signalPeriod)
// and histogram = line - signal. The line is undefined for the first slow-1
// values; signal and histogram for the first slow+signalPeriod-2.
func MACD(closes []float64, fast, slow, signalPeriod int) MACDResult {
	n := len(closes)
	res := MACDResult{
		Line:      allNaN(n),
		Signal:    allNaN(n),
		Histogram: allNaN(n),
	}
	if fast <= 0 || slow <= fast || signalPeriod <= 0 || n < slow {
		return res
	}

	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)
	for i := slow - 1; i < n; i++ {
		res.Line[i] = emaFast[i] - emaSlow[i]
	}

	defined := res.Line[slow-1:]
	if len(defined) < signalPeriod {
		return res
	}
	sig := EMA(defined, signalPeriod)
	for i, v := range sig {
		if !Valid(v) {
			continue
		}
		idx := slow - 1 + i
		res.Signal[idx] = v
		res.Histogram[idx] = res.Line[idx] - v
	}
	return res
}

// DefaultMACD runs MACD with the conventional 12/26/9 parameters.
func DefaultMACD(closes []float64) MACDResult {
	return MACD(closes, 12, 26, 9)
}

// RSI is Wilder's relative strength index; the first period values are
// undefined.
func RSI(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) <= period {
		return allNaN(len(closes))
	}
	return maskPrefix(talib.Rsi(closes, period), period)
}

// ATR is Wilder's average true range; the first period values are undefined.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || len(highs) != n || len(lows) != n || n <= period {
		return allNaN(n)
	}
	return maskPrefix(talib.Atr(highs, lows, closes, period), period)
}

// ADX is Wilder's average directional index, used as the trend-strength
// input to regime detection. The first 2*period-1 values are undefined.
func ADX(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	if period <= 0 || len(highs) != n || len(lows) != n || n < 2*period {
		return allNaN(n)
	}
	return maskPrefix(talib.Adx(highs, lows, closes, period), 2*period-1)
}

// LogReturns returns ln(close[i]/close[i-1]) aligned to the input with an
// undefined first value.
func LogReturns(closes []float64) []float64 {
	out := allNaN(len(closes))
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev < epsilon {
			prev = epsilon
		}
		out[i] = math.Log(closes[i] / prev)
	}
	return out
}

// RollingVolatility computes the annualized standard deviation of daily log
// returns over the window. The first window values are undefined.
func RollingVolatility(closes []float64, window int) []float64 {
	n := len(closes)
	if window <= 1 || n <= window {
		return allNaN(n)
	}
	rets := LogReturns(closes)[1:]
	sd := talib.StdDev(rets, window, 1)
	out := allNaN(n)
	for i, v := range sd {
		if i < window-1 {
			continue
		}
		out[i+1] = v * math.Sqrt(tradingDaysPerYear)
	}
	return out
}

// VolumeRatio returns the latest volume divided by its period SMA, or false
// when the average is undefined or ~zero.
func VolumeRatio(volumes []float64, period int) (float64, bool) {
	if len(volumes) == 0 {
		return 0, false
	}
	avg, ok := Last(SMA(volumes, period))
	if !ok || avg < epsilon {
		return 0, false
	}
	return volumes[len(volumes)-1] / avg, true
}

// ExpectedMove estimates the one-sigma price move implied by iv over dte
// calendar days: price * iv * sqrt(dte/365).
func ExpectedMove(price, iv float64, dte int) float64 {
	if price <= 0 || iv <= 0 || dte <= 0 {
		return 0
	}
	return price * iv * math.Sqrt(float64(dte)/daysPerYear)
}

func allNaN(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
