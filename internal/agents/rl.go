package agents

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// OverrideSourceRL marks decisions replaced by the Q-filter.
const OverrideSourceRL = "rl_filter"

// StateKey is the discretized market state the Q-table is indexed by.
type StateKey struct {
	Regime    models.Regime
	RSIBucket int    // rsi / 10
	MACDSign  string // "+", "-", "0"
	Trend     string // "up", "down", "flat"
}

// String renders the canonical table key, e.g. "LOW_VOL|5|+|up".
func (k StateKey) String() string {
	return fmt.Sprintf("%s|%d|%s|%s", k.Regime, k.RSIBucket, k.MACDSign, k.Trend)
}

// ParseStateKey is the inverse of String, used to recover the entry-time
// state persisted on a Position when the trade finally closes.
func ParseStateKey(s string) (StateKey, bool) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return StateKey{}, false
	}
	bucket, err := strconv.Atoi(parts[1])
	if err != nil {
		return StateKey{}, false
	}
	return StateKey{
		Regime:    models.Regime(parts[0]),
		RSIBucket: bucket,
		MACDSign:  parts[2],
		Trend:     parts[3],
	}, true
}

// NewStateKey discretizes the current features. Price against SMA20 gives
// the trend bucket.
func NewStateKey(regime models.Regime, rsi, macdHist, price, sma20 float64) StateKey {
	key := StateKey{Regime: regime, RSIBucket: int(rsi / 10), MACDSign: "0", Trend: "flat"}
	switch {
	case macdHist > 0:
		key.MACDSign = "+"
	case macdHist < 0:
		key.MACDSign = "-"
	}
	if sma20 > 0 && price > 0 {
		switch {
		case price > sma20*1.002:
			key.Trend = "up"
		case price < sma20*0.998:
			key.Trend = "down"
		}
	}
	return key
}

// RLFilter is a tabular Q-learner layered after the meta agent. Most of the
// time it is a pass-through; with probability epsilon it may replace the
// meta action when the table shows a clearly better one.
type RLFilter struct {
	mu     sync.Mutex
	cfg    config.RLConfig
	q      map[string]map[models.Action]float64
	logger zerolog.Logger

	// rand is swappable for deterministic tests.
	rand func() float64
}

// NewRLFilter builds the filter, seeding the table from persisted learned
// parameters. Zero config values take the standard defaults.
func NewRLFilter(cfg config.RLConfig, params models.LearnedParams, logger zerolog.Logger) *RLFilter {
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 0.1
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = 0.1
	}
	if cfg.Gamma == 0 {
		cfg.Gamma = 0.95
	}
	q := make(map[string]map[models.Action]float64, len(params.QTable))
	for k, row := range params.QTable {
		cp := make(map[models.Action]float64, len(row))
		for a, v := range row {
			cp[a] = v
		}
		q[k] = cp
	}
	return &RLFilter{
		cfg:    cfg,
		q:      q,
		logger: logger.With().Str("component", "rl_filter").Logger(),
		rand:   rand.Float64,
	}
}

// MaybeOverride applies the epsilon-gated override: when exploration fires
// and the table's best action beats the meta action's value by more than the
// override margin, the decision is replaced and marked.
func (f *RLFilter) MaybeOverride(key StateKey, decision models.MetaDecision) models.MetaDecision {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rand() >= f.cfg.Epsilon {
		return decision
	}
	row, ok := f.q[key.String()]
	if !ok || len(row) == 0 {
		return decision
	}

	best, bestQ := argmax(row)
	if best == decision.Action {
		return decision
	}
	advantage := bestQ - row[decision.Action]
	if advantage <= f.cfg.OverrideMargin {
		return decision
	}

	f.logger.Info().
		Str("symbol", decision.Symbol).
		Str("state", key.String()).
		Str("meta_action", string(decision.Action)).
		Str("override_action", string(best)).
		Float64("q_advantage", advantage).
		Msg("rl filter overrides meta decision")

	decision.Action = best
	decision.OverrideSource = OverrideSourceRL
	if bestQ > 0 {
		decision.Confidence = util.Clamp(bestQ, 0, 1)
	}
	return decision
}

// Update applies one Q-learning step after a closed trade. reward is the
// realized risk-adjusted return; next is the state observed at close.
func (f *RLFilter) Update(key StateKey, action models.Action, reward float64, next StateKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	row := f.q[key.String()]
	if row == nil {
		row = make(map[models.Action]float64)
		f.q[key.String()] = row
	}
	var maxNext float64
	if nextRow, ok := f.q[next.String()]; ok {
		_, maxNext = argmax(nextRow)
	}
	old := row[action]
	row[action] = old + f.cfg.Alpha*(reward+f.cfg.Gamma*maxNext-old)

	f.logger.Debug().
		Str("state", key.String()).
		Str("action", string(action)).
		Float64("reward", reward).
		Float64("q_old", old).
		Float64("q_new", row[action]).
		Msg("q-table updated")
}

// Snapshot copies the table out for persistence in learned_params.
func (f *RLFilter) Snapshot() models.LearnedParams {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := models.LearnedParams{QTable: make(map[string]map[models.Action]float64, len(f.q))}
	for k, row := range f.q {
		cp := make(map[models.Action]float64, len(row))
		for a, v := range row {
			cp[a] = v
		}
		out.QTable[k] = cp
	}
	return out
}

// argmax prefers deterministic ordering on ties: BUY, HOLD, SELL.
func argmax(row map[models.Action]float64) (models.Action, float64) {
	order := []models.Action{models.ActionBuy, models.ActionHold, models.ActionSell}
	best := models.ActionHold
	bestQ := 0.0
	first := true
	for _, a := range order {
		v, ok := row[a]
		if !ok {
			continue
		}
		if first || v > bestQ {
			best, bestQ, first = a, v, false
		}
	}
	return best, bestQ
}
