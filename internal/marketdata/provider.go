package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/retry"
)

// sourcePolicy pairs a live source with its independent retry policy.
type sourcePolicy struct {
	source BarSource
	policy retry.Policy
}

// Provider walks the fallback chain: memory cache, live sources in order,
// then the disk cache as last resort. It never returns a series shorter than
// the minimum row count.
type Provider struct {
	sources    []sourcePolicy
	mem        *memCache
	disk       *DiskCache
	health     *HealthLog
	logger     zerolog.Logger
	minRatio   float64
	maxDiskAge time.Duration
}

// NewProvider assembles the chain from config. disk and health may be nil
// (no disk cache, no health log); sources run in the given order.
func NewProvider(cfg config.MarketDataConfig, sources []BarSource, disk *DiskCache, health *HealthLog, logger zerolog.Logger) *Provider {
	minRatio := cfg.MinRowsRatio
	if minRatio <= 0 {
		minRatio = 0.6
	}
	maxDiskAge := time.Duration(cfg.CacheMaxAgeDays) * 24 * time.Hour
	if maxDiskAge <= 0 {
		maxDiskAge = 7 * 24 * time.Hour
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if health == nil {
		health = &HealthLog{logger: zerolog.Nop()}
	}

	p := &Provider{
		mem:        newMemCache(ttl),
		disk:       disk,
		health:     health,
		logger:     logger.With().Str("component", "marketdata").Logger(),
		minRatio:   minRatio,
		maxDiskAge: maxDiskAge,
	}
	for _, src := range sources {
		p.sources = append(p.sources, sourcePolicy{source: src, policy: policyFor(cfg, src.Name())})
	}
	return p
}

func policyFor(cfg config.MarketDataConfig, name models.DataSource) retry.Policy {
	policy := retry.DefaultPolicy
	switch name {
	case models.SourceYFinance:
		applySourceRetry(&policy, cfg.YFinance)
	case models.SourceAlpaca:
		applySourceRetry(&policy, cfg.Alpaca)
	case models.SourceAlphaVantage:
		if cfg.AlphaVantage.MaxRetries > 0 {
			policy.MaxRetries = cfg.AlphaVantage.MaxRetries
		}
		if cfg.AlphaVantage.BackoffSeconds > 0 {
			policy.InitialBackoff = time.Duration(cfg.AlphaVantage.BackoffSeconds * float64(time.Second))
		}
	}
	return policy
}

func applySourceRetry(policy *retry.Policy, src config.SourceRetryConfig) {
	if src.MaxRetries > 0 {
		policy.MaxRetries = src.MaxRetries
	}
	if src.InitialBackoffSeconds > 0 {
		policy.InitialBackoff = time.Duration(src.InitialBackoffSeconds * float64(time.Second))
	}
}

// GetDailyBars returns a complete series for the symbol or ErrDataUnavailable
// after exhausting the whole chain. Every attempt lands in the result and the
// health log.
func (p *Provider) GetDailyBars(ctx context.Context, symbol string, lookbackDays int) (*models.MarketDataResult, error) {
	started := time.Now()
	minRows := p.minRows(lookbackDays)
	result := &models.MarketDataResult{}

	// Fresh in-memory hit short-circuits the chain entirely.
	if series, _, ok := p.mem.get(symbol); ok && series.Len() >= minRows {
		result.Series = series
		result.Source = models.SourceCache
		result.TotalLatencyMS = time.Since(started).Milliseconds()
		p.logger.Debug().Str("symbol", symbol).Msg("memory cache hit")
		p.health.Record(symbol, result, nil)
		return result, nil
	}

	for _, sp := range p.sources {
		// Each try within the retry loop lands in Attempts individually, so
		// the health log shows every failed call, not one line per source.
		var lastLatency int64
		pol := sp.policy
		pol.Observe = func(err error, elapsed time.Duration) {
			lastLatency = elapsed.Milliseconds()
			if err != nil {
				result.Attempts = append(result.Attempts, models.FetchAttempt{
					Source: sp.source.Name(), Success: false, Error: err.Error(), LatencyMS: lastLatency,
				})
			}
		}
		series, err := retry.DoValue(ctx, pol, func() (*models.BarSeries, error) {
			series, err := sp.source.FetchDailyBars(ctx, symbol, lookbackDays)
			if err == nil && series.Len() < minRows {
				err = fmt.Errorf("%s returned %d bars for %s, need %d", sp.source.Name(), series.Len(), symbol, minRows)
			}
			return series, err
		})
		if err != nil {
			p.logger.Warn().Str("symbol", symbol).Str("source", string(sp.source.Name())).
				Err(err).Msg("source failed, falling through")
			continue
		}

		result.Attempts = append(result.Attempts, models.FetchAttempt{
			Source: sp.source.Name(), Success: true, Rows: series.Len(), LatencyMS: lastLatency,
		})
		result.Series = series
		result.Source = sp.source.Name()
		result.TotalLatencyMS = time.Since(started).Milliseconds()

		p.mem.put(symbol, series)
		if p.disk != nil {
			if err := p.disk.Put(ctx, series); err != nil {
				p.logger.Warn().Str("symbol", symbol).Err(err).Msg("disk cache write failed")
			}
		}
		p.health.Record(symbol, result, nil)
		return result, nil
	}

	// Last resort: the disk cache, stale permitted.
	if p.disk != nil {
		series, age, ok, err := p.disk.Get(ctx, symbol, lookbackDays, p.maxDiskAge)
		if err != nil {
			p.logger.Warn().Str("symbol", symbol).Err(err).Msg("disk cache read failed")
		}
		if ok && series.Len() >= minRows {
			ageHours := age.Hours()
			result.Series = series
			result.Source = models.SourceCache
			result.CacheAgeHours = &ageHours
			result.TotalLatencyMS = time.Since(started).Milliseconds()
			result.Attempts = append(result.Attempts, models.FetchAttempt{
				Source: models.SourceCache, Success: true, Rows: series.Len(),
			})
			p.logger.Warn().Str("symbol", symbol).Float64("cache_age_hours", ageHours).
				Msg("serving stale bars from disk cache")
			p.health.Record(symbol, result, nil)
			return result, nil
		}
	}

	err := fmt.Errorf("all sources exhausted for %s: %w", symbol, ErrDataUnavailable)
	p.health.Record(symbol, result, err)
	return nil, err
}

func (p *Provider) minRows(lookbackDays int) int {
	minRows := int(float64(lookbackDays) * p.minRatio)
	if minRows < 1 {
		minRows = 1
	}
	return minRows
}
