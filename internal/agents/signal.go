package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/indicators"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// Score bands for the combined technical signal.
const (
	signalBuyBand  = 0.2
	signalSellBand = -0.2
)

// SignalAgent scores the technical picture: MACD momentum, RSI band, volume
// confirmation and price-vs-trend, combined into one score in [-1, 1].
type SignalAgent struct {
	logger zerolog.Logger
}

var _ Agent = (*SignalAgent)(nil)

// NewSignalAgent creates the technical specialist.
func NewSignalAgent(logger zerolog.Logger) *SignalAgent {
	return &SignalAgent{logger: logger.With().Str("agent", AgentSignal).Logger()}
}

// ID implements Agent.
func (a *SignalAgent) ID() string { return AgentSignal }

// Analyze combines the indicator components. Component weights: momentum
// 0.35, RSI 0.25, trend 0.25, volume 0.15.
func (a *SignalAgent) Analyze(_ context.Context, actx *Context) (models.SpecialistRecommendation, error) {
	hist, ok := indicators.Last(actx.Ind.MACD.Histogram)
	if !ok {
		return holdRec(AgentSignal, 0, "insufficient history for MACD"), nil
	}
	rsi, ok := indicators.Last(actx.Ind.RSI)
	if !ok {
		return holdRec(AgentSignal, 0, "insufficient history for RSI"), nil
	}

	macdScore := macdComponent(hist, actx.Price)
	rsiScore := rsiComponent(rsi)
	trendScore := trendComponent(actx)
	volumeScore := volumeComponent(actx.Ind.VolumeRatio, macdScore+trendScore)

	score := 0.35*macdScore + 0.25*rsiScore + 0.25*trendScore + 0.15*volumeScore
	score = util.Clamp(score, -1, 1)

	var action models.Action
	switch {
	case score > signalBuyBand:
		action = models.ActionBuy
	case score < signalSellBand:
		action = models.ActionSell
	default:
		action = models.ActionHold
	}

	return models.SpecialistRecommendation{
		AgentID:    AgentSignal,
		Action:     action,
		Confidence: util.Clamp(abs(score), 0, 1),
		Rationale:  fmt.Sprintf("technical score %.2f (macd %.2f, rsi %.2f, trend %.2f, volume %.2f)", score, macdScore, rsiScore, trendScore, volumeScore),
		Evidence: map[string]float64{
			"score":        score,
			"macd_hist":    hist,
			"rsi":          rsi,
			"trend":        trendScore,
			"volume_ratio": actx.Ind.VolumeRatio,
		},
	}, nil
}

// macdComponent maps the histogram sign and magnitude relative to price into
// [-1, 1]. A histogram of 0.2% of price saturates the component.
func macdComponent(hist, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return util.Clamp(hist/price/0.002, -1, 1)
}

// rsiComponent is contrarian at the extremes and quiet in the middle band.
func rsiComponent(rsi float64) float64 {
	switch {
	case rsi <= 30:
		return 1 // oversold
	case rsi >= 70:
		return -1 // overbought
	case rsi >= 45 && rsi <= 55:
		return 0
	case rsi < 45:
		return (45 - rsi) / 15
	default:
		return -(rsi - 55) / 15
	}
}

// trendComponent compares price to its short and long moving averages.
func trendComponent(actx *Context) float64 {
	sma20, ok20 := indicators.Last(actx.Ind.SMA20)
	sma50, ok50 := indicators.Last(actx.Ind.SMA50)
	switch {
	case ok20 && ok50:
		above20 := actx.Price > sma20
		above50 := actx.Price > sma50
		switch {
		case above20 && above50:
			return 1
		case !above20 && !above50:
			return -1
		default:
			return 0
		}
	case ok20:
		if actx.Price > sma20 {
			return 0.5
		}
		return -0.5
	default:
		return 0
	}
}

// volumeComponent confirms the prevailing direction when volume runs above
// its average; quiet volume contributes nothing.
func volumeComponent(ratio, direction float64) float64 {
	if ratio < 1.25 {
		return 0
	}
	boost := util.Clamp((ratio-1)/1.0, 0, 1)
	switch {
	case direction > 0:
		return boost
	case direction < 0:
		return -boost
	default:
		return 0
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
