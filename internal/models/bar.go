// Package models defines the shared record types that flow between the
// market-data provider, the agent pipeline, the risk layer and the executor.
package models

import (
	"fmt"
	"sort"
	"time"
)

// Bar is one daily OHLCV bar.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// BarSeries is a time-ordered, date-unique sequence of daily bars for one
// symbol. Dates are strictly increasing after Normalize.
type BarSeries struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// Len returns the number of bars in the series.
func (s *BarSeries) Len() int {
	return len(s.Bars)
}

// Last returns the most recent bar. The second return is false for an empty
// series.
func (s *BarSeries) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Closes returns the close prices in chronological order.
func (s *BarSeries) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Highs returns the high prices in chronological order.
func (s *BarSeries) Highs() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.High
	}
	return out
}

// Lows returns the low prices in chronological order.
func (s *BarSeries) Lows() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Low
	}
	return out
}

// Volumes returns the volumes in chronological order.
func (s *BarSeries) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Volume
	}
	return out
}

// Normalize sorts the bars by date and drops duplicate dates, keeping the
// bar seen last for each date. It is idempotent.
func (s *BarSeries) Normalize() {
	sort.SliceStable(s.Bars, func(i, j int) bool {
		return s.Bars[i].Date.Before(s.Bars[j].Date)
	})
	out := s.Bars[:0]
	for _, b := range s.Bars {
		day := b.Date.UTC().Truncate(24 * time.Hour)
		b.Date = day
		if n := len(out); n > 0 && out[n-1].Date.Equal(day) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	s.Bars = out
}

// Validate checks the strictly-increasing-dates invariant.
func (s *BarSeries) Validate() error {
	for i := 1; i < len(s.Bars); i++ {
		if !s.Bars[i-1].Date.Before(s.Bars[i].Date) {
			return fmt.Errorf("bar series %s: dates not strictly increasing at index %d (%s >= %s)",
				s.Symbol, i, s.Bars[i-1].Date.Format("2006-01-02"), s.Bars[i].Date.Format("2006-01-02"))
		}
	}
	return nil
}

// Merge folds other into the series, deduplicating by date and re-sorting.
func (s *BarSeries) Merge(other *BarSeries) {
	if other == nil || len(other.Bars) == 0 {
		return
	}
	s.Bars = append(s.Bars, other.Bars...)
	s.Normalize()
}
