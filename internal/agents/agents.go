// Package agents houses the specialist decision agents, the meta agent that
// aggregates their votes by market regime, and the tabular Q-learning filter
// that can override the aggregate.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/indicators"
	"github.com/eddiefleurent/quantbot/internal/models"
)

// Agent IDs double as weight-table keys.
const (
	AgentResearch  = "research"
	AgentSignal    = "signal"
	AgentRisk      = "risk"
	AgentExecution = "execution"
)

// Agent is one specialist. Analyze must honor ctx cancellation; a slow
// specialist is cut off and contributes a zero-confidence HOLD.
type Agent interface {
	ID() string
	Analyze(ctx context.Context, actx *Context) (models.SpecialistRecommendation, error)
}

// IndicatorSet is everything computed once per symbol and shared read-only
// across specialists.
type IndicatorSet struct {
	MACD        indicators.MACDResult
	RSI         []float64
	ATR         []float64
	SMA20       []float64
	SMA50       []float64
	Vol         []float64 // rolling annualized volatility
	VolumeRatio float64
}

// ComputeIndicators derives the shared indicator set from a bar series.
func ComputeIndicators(series *models.BarSeries) IndicatorSet {
	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()

	set := IndicatorSet{
		MACD:  indicators.DefaultMACD(closes),
		RSI:   indicators.RSI(closes, 14),
		ATR:   indicators.ATR(highs, lows, closes, 14),
		SMA20: indicators.SMA(closes, 20),
		SMA50: indicators.SMA(closes, 50),
		Vol:   indicators.RollingVolatility(closes, 20),
	}
	if ratio, ok := indicators.VolumeRatio(series.Volumes(), 20); ok {
		set.VolumeRatio = ratio
	}
	return set
}

// Context is the shared immutable input for one symbol's analysis pass.
// Specialists read from it and never communicate with each other.
type Context struct {
	Symbol string
	Bars   *models.BarSeries
	Ind    IndicatorSet
	Data   *models.MarketDataResult

	Price     float64 // latest close or quote
	SpreadPct float64 // estimated bid/ask spread as % of price

	Regime       models.Regime
	SessionPhase string

	Equity         float64
	SymbolExposure float64
	Stats          models.TradeStats
	BreakerScale   float64
}

// RunAll fans the specialists out in parallel, each under its own timeout.
// A specialist that errors or runs out of time contributes HOLD with zero
// confidence; the pipeline never blocks on one slow agent.
func RunAll(ctx context.Context, agents []Agent, actx *Context, timeout time.Duration, logger zerolog.Logger) []models.SpecialistRecommendation {
	recs := make([]models.SpecialistRecommendation, len(agents))

	var wg sync.WaitGroup
	for i, ag := range agents {
		wg.Add(1)
		go func(i int, ag Agent) {
			defer wg.Done()
			actx2, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				rec models.SpecialistRecommendation
				err error
			}
			// Buffered so an abandoned late finisher can still send and exit.
			done := make(chan outcome, 1)
			go func() {
				rec, err := ag.Analyze(actx2, actx)
				done <- outcome{rec, err}
			}()

			select {
			case out := <-done:
				if out.err != nil {
					logger.Warn().Str("agent", ag.ID()).Str("symbol", actx.Symbol).
						Err(out.err).Msg("specialist failed, contributing HOLD")
					recs[i] = holdRec(ag.ID(), 0, "analysis failed")
					return
				}
				recs[i] = out.rec
			case <-actx2.Done():
				logger.Warn().Str("agent", ag.ID()).Str("symbol", actx.Symbol).
					Msg("specialist timed out, contributing HOLD")
				recs[i] = holdRec(ag.ID(), 0, "timed out")
			}
		}(i, ag)
	}
	wg.Wait()
	return recs
}

func holdRec(id string, confidence float64, rationale string) models.SpecialistRecommendation {
	return models.SpecialistRecommendation{
		AgentID:    id,
		Action:     models.ActionHold,
		Confidence: confidence,
		Rationale:  rationale,
	}
}
