package agents

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/indicators"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// Regime detection thresholds.
const (
	crisisVolLevel      = 0.60 // annualized realized vol
	crisisVolPercentile = 0.95
	highVolPercentile   = 0.70
	lowVolPercentile    = 0.30
	trendingADX         = 25.0
)

// regimeWeights maps each regime to the specialist weight vector.
var regimeWeights = map[models.Regime]map[string]float64{
	models.RegimeLowVol: {
		AgentResearch: 0.40, AgentSignal: 0.30, AgentRisk: 0.20, AgentExecution: 0.10,
	},
	models.RegimeHighVol: {
		AgentResearch: 0.20, AgentSignal: 0.20, AgentRisk: 0.50, AgentExecution: 0.10,
	},
	models.RegimeTrending: {
		AgentResearch: 0.20, AgentSignal: 0.50, AgentRisk: 0.20, AgentExecution: 0.10,
	},
	models.RegimeRanging: {
		AgentResearch: 0.33, AgentSignal: 0.33, AgentRisk: 0.33, AgentExecution: 0.01,
	},
	models.RegimeCrisis: {
		AgentResearch: 0.25, AgentSignal: 0.25, AgentRisk: 0.25, AgentExecution: 0.25,
	},
}

// WeightsFor returns the specialist weight vector for a regime. Unknown
// regimes fall back to the RANGING weights.
func WeightsFor(regime models.Regime) map[string]float64 {
	if w, ok := regimeWeights[regime]; ok {
		return w
	}
	return regimeWeights[models.RegimeRanging]
}

// MetaAgent classifies the market regime and folds specialist votes into one
// decision per symbol.
type MetaAgent struct {
	cfg    config.AgentsConfig
	logger zerolog.Logger
}

// NewMetaAgent creates the aggregator.
func NewMetaAgent(cfg config.AgentsConfig, logger zerolog.Logger) *MetaAgent {
	return &MetaAgent{
		cfg:    cfg,
		logger: logger.With().Str("component", "meta_agent").Logger(),
	}
}

// DetectRegime classifies the market from the bar window: realized
// volatility level and percentile against its own rolling history, plus ADX
// trend strength. Thin history reads as RANGING.
func (m *MetaAgent) DetectRegime(series *models.BarSeries) models.Regime {
	window := m.cfg.RegimeWindow
	if window <= 0 {
		window = 30
	}
	closes := series.Closes()
	if len(closes) < window {
		return models.RegimeRanging
	}

	vol := indicators.RollingVolatility(closes, 20)
	current, ok := indicators.Last(vol)
	if !ok {
		return models.RegimeRanging
	}
	pct := percentileRank(vol, current)

	adx, _ := indicators.Last(indicators.ADX(series.Highs(), series.Lows(), closes, 14))

	switch {
	case current >= crisisVolLevel || pct >= crisisVolPercentile:
		return models.RegimeCrisis
	case pct >= highVolPercentile:
		return models.RegimeHighVol
	case adx >= trendingADX:
		return models.RegimeTrending
	case pct <= lowVolPercentile:
		return models.RegimeLowVol
	default:
		return models.RegimeRanging
	}
}

// Aggregate folds the specialist recommendations into a MetaDecision using
// the regime weight vector. In CRISIS any BUY requires unanimity.
func (m *MetaAgent) Aggregate(symbol string, regime models.Regime, recs []models.SpecialistRecommendation) models.MetaDecision {
	weights := WeightsFor(regime)
	threshold := m.cfg.BuyThreshold
	if threshold <= 0 {
		threshold = 0.35
	}

	var sum float64
	for _, rec := range recs {
		sum += weights[rec.AgentID] * rec.Confidence * rec.Action.Vote()
	}

	action := models.ActionHold
	switch {
	case sum > threshold:
		action = models.ActionBuy
	case sum < -threshold:
		action = models.ActionSell
	}

	if regime == models.RegimeCrisis && action == models.ActionBuy && !unanimousBuy(recs) {
		m.logger.Warn().Str("symbol", symbol).Float64("vote_sum", sum).
			Msg("crisis regime vetoes non-unanimous buy")
		action = models.ActionHold
	}

	decision := models.MetaDecision{
		Symbol:       symbol,
		Action:       action,
		Confidence:   util.Clamp(abs(sum), 0, 1),
		Regime:       regime,
		WeightsUsed:  weights,
		Contributors: recs,
	}
	m.logger.Info().Str("symbol", symbol).Str("action", string(action)).
		Str("regime", string(regime)).Float64("vote_sum", sum).
		Float64("confidence", decision.Confidence).Msg("meta decision")
	return decision
}

func unanimousBuy(recs []models.SpecialistRecommendation) bool {
	if len(recs) == 0 {
		return false
	}
	for _, rec := range recs {
		if rec.Action != models.ActionBuy {
			return false
		}
	}
	return true
}

// percentileRank is the fraction of valid observations strictly below x, so
// a flat volatility history reads as low, not extreme.
func percentileRank(xs []float64, x float64) float64 {
	valid := make([]float64, 0, len(xs))
	for _, v := range xs {
		if indicators.Valid(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0.5
	}
	sort.Float64s(valid)
	below := sort.SearchFloat64s(valid, x)
	return float64(below) / float64(len(valid))
}

// DescribeVote is a compact audit-log form of one recommendation.
func DescribeVote(rec models.SpecialistRecommendation) string {
	return fmt.Sprintf("%s=%s@%.2f", rec.AgentID, rec.Action, rec.Confidence)
}
