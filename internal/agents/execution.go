package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// wideSpreadPct is the estimated spread above which execution quality is
// considered poor enough to halve confidence.
const wideSpreadPct = 0.5

// ExecutionAgent judges whether now is a good moment to transact: session
// phase and estimated spread. It recommends BUY when conditions are clean
// and HOLD (delay) otherwise.
type ExecutionAgent struct {
	logger zerolog.Logger
}

var _ Agent = (*ExecutionAgent)(nil)

// NewExecutionAgent creates the timing specialist.
func NewExecutionAgent(logger zerolog.Logger) *ExecutionAgent {
	return &ExecutionAgent{logger: logger.With().Str("agent", AgentExecution).Logger()}
}

// ID implements Agent.
func (a *ExecutionAgent) ID() string { return AgentExecution }

// Analyze scores intraday timing from the session phase, then discounts for
// a wide spread.
func (a *ExecutionAgent) Analyze(_ context.Context, actx *Context) (models.SpecialistRecommendation, error) {
	var (
		action     models.Action
		confidence float64
		rationale  string
	)

	switch actx.SessionPhase {
	case "pre_market", "after_hours":
		action = models.ActionHold
		confidence = 0.9
		rationale = "market closed, delay until the session opens"
	case "open_auction":
		action = models.ActionHold
		confidence = 0.6
		rationale = "opening auction volatility, delay entry"
	case "close_auction":
		action = models.ActionBuy
		confidence = 0.4
		rationale = "closing auction, reduced conviction on fills"
	default: // midday
		action = models.ActionBuy
		confidence = 0.7
		rationale = "midday session, normal execution conditions"
	}

	if actx.SpreadPct >= wideSpreadPct {
		confidence *= 0.5
		rationale = fmt.Sprintf("%s; wide spread %.2f%%", rationale, actx.SpreadPct)
	}

	return models.SpecialistRecommendation{
		AgentID:    AgentExecution,
		Action:     action,
		Confidence: confidence,
		Rationale:  rationale,
		Evidence: map[string]float64{
			"spread_pct": actx.SpreadPct,
		},
	}, nil
}
