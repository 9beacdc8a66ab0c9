package models

// Action is a trade direction decision.
type Action string

const (
	// ActionBuy opens or adds to a long position.
	ActionBuy Action = "BUY"
	// ActionSell closes or reduces a position.
	ActionSell Action = "SELL"
	// ActionHold leaves the position untouched.
	ActionHold Action = "HOLD"
)

// Vote maps the action onto the numeric voting scale used by the meta agent.
func (a Action) Vote() float64 {
	switch a {
	case ActionBuy:
		return 1
	case ActionSell:
		return -1
	default:
		return 0
	}
}

// Valid returns true for one of the defined action constants.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	default:
		return false
	}
}

// Regime is the discrete market-state classification used to weight
// specialists and scale position sizes.
type Regime string

const (
	// RegimeLowVol is a quiet market.
	RegimeLowVol Regime = "LOW_VOL"
	// RegimeHighVol is an elevated-volatility market.
	RegimeHighVol Regime = "HIGH_VOL"
	// RegimeTrending is a directional market with strong trend strength.
	RegimeTrending Regime = "TRENDING"
	// RegimeRanging is a sideways market.
	RegimeRanging Regime = "RANGING"
	// RegimeCrisis is an extreme-volatility market; entries require unanimity.
	RegimeCrisis Regime = "CRISIS"
)

// SpecialistRecommendation is one specialist agent's scored opinion on a
// symbol.
type SpecialistRecommendation struct {
	AgentID    string             `json:"agent_id"`
	Action     Action             `json:"action"`
	Confidence float64            `json:"confidence"` // [0,1]
	Rationale  string             `json:"rationale"`
	Evidence   map[string]float64 `json:"evidence,omitempty"`
}

// MetaDecision is the aggregated decision for one symbol.
type MetaDecision struct {
	Symbol       string                     `json:"symbol"`
	Action       Action                     `json:"action"`
	Confidence   float64                    `json:"confidence"`
	Regime       Regime                     `json:"regime"`
	WeightsUsed  map[string]float64         `json:"weights_used"`
	Contributors []SpecialistRecommendation `json:"contributors"`
	// OverrideSource is set when a downstream filter replaced the
	// aggregated action (e.g. "rl_filter").
	OverrideSource string `json:"override_source,omitempty"`
}
