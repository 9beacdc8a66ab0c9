package models

// DataSource identifies where a bar series came from.
type DataSource string

const (
	// SourceYFinance is the primary live daily-bar source.
	SourceYFinance DataSource = "yfinance"
	// SourceAlpaca is the secondary live daily-bar source.
	SourceAlpaca DataSource = "alpaca"
	// SourceAlphaVantage is the tertiary, rate-limited live source.
	SourceAlphaVantage DataSource = "alpha_vantage"
	// SourceCache marks a result served from the provider's caches.
	SourceCache DataSource = "cache"
)

// FetchAttempt records one attempt against one source, success or failure.
type FetchAttempt struct {
	Source    DataSource `json:"source"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	Rows      int        `json:"rows"`
	LatencyMS int64      `json:"latency_ms"`
}

// MarketDataResult is the outcome of one provider call. Source always equals
// the source of the last successful attempt, or SourceCache when only the
// cache produced data.
type MarketDataResult struct {
	Series         *BarSeries     `json:"series"`
	Source         DataSource     `json:"source"`
	Attempts       []FetchAttempt `json:"attempts"`
	TotalLatencyMS int64          `json:"total_latency_ms"`
	// CacheAgeHours is non-nil only when the result came from a cache that
	// could not be refreshed on schedule.
	CacheAgeHours *float64 `json:"cache_age_hours,omitempty"`
}

// Stale reports whether the result was served from an aged cache.
func (r *MarketDataResult) Stale() bool {
	return r.CacheAgeHours != nil
}
