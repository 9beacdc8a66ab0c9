package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/indicators"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/risk"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// RiskAgent answers one question: would the risk manager let this trade
// happen, and at what fraction of the normal size. BUY/HOLD only.
type RiskAgent struct {
	mgr    *risk.Manager
	logger zerolog.Logger
}

var _ Agent = (*RiskAgent)(nil)

// NewRiskAgent creates the sizing specialist.
func NewRiskAgent(mgr *risk.Manager, logger zerolog.Logger) *RiskAgent {
	return &RiskAgent{mgr: mgr, logger: logger.With().Str("agent", AgentRisk).Logger()}
}

// ID implements Agent.
func (a *RiskAgent) ID() string { return AgentRisk }

// Analyze runs a dry sizing pass. Confidence is the allowable notional
// relative to a full base-size position; a veto reads as a confident HOLD.
func (a *RiskAgent) Analyze(_ context.Context, actx *Context) (models.SpecialistRecommendation, error) {
	atr, _ := indicators.Last(actx.Ind.ATR)
	vol, _ := indicators.Last(actx.Ind.Vol)

	in := risk.Input{
		Symbol:         actx.Symbol,
		Side:           models.SideBuy,
		Equity:         actx.Equity,
		EntryPrice:     actx.Price,
		SymbolExposure: actx.SymbolExposure,
		ObservedVol:    vol,
		ATR:            atr,
		Regime:         actx.Regime,
		Stats:          actx.Stats,
		BreakerScale:   actx.BreakerScale,
		DataStale:      actx.Data != nil && actx.Data.Stale(),
	}
	allowable := a.mgr.AllowableNotional(in)
	if allowable <= 0 {
		return models.SpecialistRecommendation{
			AgentID:    AgentRisk,
			Action:     models.ActionHold,
			Confidence: 0.9,
			Rationale:  "sizing blocked",
		}, nil
	}

	full := a.mgr.BaseNotional(actx.Equity)
	confidence := 0.5
	if full > 0 {
		confidence = util.Clamp(allowable/full, 0, 1)
	}
	return models.SpecialistRecommendation{
		AgentID:    AgentRisk,
		Action:     models.ActionBuy,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("sizing allows %.0f of %.0f base notional", allowable, full),
		Evidence: map[string]float64{
			"allowable_notional": allowable,
			"base_notional":      full,
		},
	}, nil
}
