// Package risk sizes trades. The ladder starts from a base fraction of
// equity and applies Kelly, volatility, regime, breaker and concentration
// adjustments in order, then attaches an ATR-based stop.
package risk

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/util"
)

// Volatility-adjustment clamp bounds.
const (
	volAdjustMin = 0.25
	volAdjustMax = 2.0
)

// minTradesForKelly is how many closed trades are needed before the Kelly
// estimate is trusted over the raw base fraction.
const minTradesForKelly = 10

// Veto is a typed refusal to size a trade. Callers skip the trade and move
// on; a veto is not a pipeline failure.
type Veto struct {
	Symbol string
	Reason string
}

func (v *Veto) Error() string {
	return fmt.Sprintf("risk veto for %s: %s", v.Symbol, v.Reason)
}

// Input carries everything the sizing ladder needs for one symbol.
type Input struct {
	Symbol string
	Side   models.Side

	Equity         float64 // total account equity
	EntryPrice     float64 // current price used for stop placement
	SymbolExposure float64 // market value already held in this symbol

	ObservedVol float64 // annualized realized volatility
	ATR         float64 // current ATR for stop distance
	Regime      models.Regime
	Stats       models.TradeStats

	BreakerScale float64 // from the portfolio breaker's Decision

	// Stale-data inputs from the market data result.
	DataStale     bool
	CacheAgeHours float64

	// Confidence of the upstream decision; the stale penalty is applied here.
	Confidence float64
}

// Result is a sized request plus the possibly-penalized confidence.
type Result struct {
	Request    models.PositionRequest
	Confidence float64
	Notional   float64
	Steps      []string // human-readable ladder trace for the audit log
}

// Manager applies the sizing ladder.
type Manager struct {
	cfg    config.RiskConfig
	logger zerolog.Logger
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk").Logger(),
	}
}

// Size runs the ladder and returns a PositionRequest with a stop attached,
// or a *Veto. Every rule can only act on the output of the previous one.
func (m *Manager) Size(in Input) (*Result, error) {
	if in.Equity <= 0 {
		return nil, &Veto{Symbol: in.Symbol, Reason: "no equity"}
	}
	if in.EntryPrice <= 0 {
		return nil, &Veto{Symbol: in.Symbol, Reason: "no entry price"}
	}

	confidence := in.Confidence
	if in.DataStale {
		if m.cfg.VetoStaleData {
			return nil, &Veto{Symbol: in.Symbol,
				Reason: fmt.Sprintf("stale market data (%.1fh old)", in.CacheAgeHours)}
		}
		confidence *= 1 - m.cfg.StaleConfidencePenalty
	}

	var steps []string
	trace := func(format string, args ...any) {
		steps = append(steps, fmt.Sprintf(format, args...))
	}

	// 1. Base fraction of equity.
	fraction := m.cfg.BasePct / 100
	trace("base %.4f", fraction)

	// 2. Kelly cap once there is enough trade history to estimate an edge.
	if kelly, ok := kellyFraction(in.Stats); ok {
		capped := kelly * m.cfg.KellySafety
		if capped < fraction {
			fraction = capped
			trace("kelly cap %.4f", fraction)
		}
		if fraction <= 0 {
			return nil, &Veto{Symbol: in.Symbol, Reason: "negative edge (kelly <= 0)"}
		}
	}

	// 3. Volatility adjustment toward the target, clamped.
	if in.ObservedVol > 0 {
		adj := util.Clamp(m.cfg.TargetVol/in.ObservedVol, volAdjustMin, volAdjustMax)
		fraction *= adj
		trace("vol adjust x%.2f -> %.4f", adj, fraction)
	}

	// 4. Regime multiplier. CRISIS zeroes the size outright.
	rm := regimeMultiplier(in.Regime)
	fraction *= rm
	trace("regime %s x%.2f -> %.4f", in.Regime, rm, fraction)
	if fraction <= 0 {
		return nil, &Veto{Symbol: in.Symbol, Reason: fmt.Sprintf("regime %s blocks entries", in.Regime)}
	}

	// 5. Breaker scale factor.
	fraction *= in.BreakerScale
	trace("breaker x%.2f -> %.4f", in.BreakerScale, fraction)
	if fraction <= 0 {
		return nil, &Veto{Symbol: in.Symbol, Reason: "breaker scale is zero"}
	}

	// 6. Per-symbol concentration cap.
	notional := fraction * in.Equity
	maxExposure := m.cfg.MaxSymbolPct / 100 * in.Equity
	if in.SymbolExposure >= maxExposure {
		return nil, &Veto{Symbol: in.Symbol,
			Reason: fmt.Sprintf("concentration cap: exposure %.2f >= max %.2f", in.SymbolExposure, maxExposure)}
	}
	if in.SymbolExposure+notional > maxExposure {
		notional = maxExposure - in.SymbolExposure
		trace("concentration cap -> %.2f", notional)
	}
	// Sub-share notionals are fine: the primary broker accepts fractional
	// notional orders, and whole-share brokers round at submit time.

	// 7. ATR stop, side-dependent.
	stop := m.StopPrice(in.Side, in.EntryPrice, in.ATR)

	req := models.PositionRequest{
		RequestID:     uuid.NewString(),
		Symbol:        in.Symbol,
		Side:          in.Side,
		Notional:      util.RoundToTick(notional, 0.01),
		StopLossPrice: stop,
		TIF:           models.TIFDay,
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("sizing produced invalid request: %w", err)
	}

	m.logger.Debug().
		Str("symbol", in.Symbol).
		Float64("notional", req.Notional).
		Strs("ladder", steps).
		Msg("trade sized")

	return &Result{
		Request:    req,
		Confidence: confidence,
		Notional:   req.Notional,
		Steps:      steps,
	}, nil
}

// AllowableNotional runs the ladder without producing an order, for the risk
// specialist's confidence estimate. Returns 0 on veto.
func (m *Manager) AllowableNotional(in Input) float64 {
	res, err := m.Size(in)
	if err != nil {
		return 0
	}
	return res.Notional
}

// BaseNotional is the unadjusted base-fraction position size for the given
// equity, used as the risk specialist's reference point.
func (m *Manager) BaseNotional(equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	return m.cfg.BasePct / 100 * equity
}

// StopPrice places the stop k*ATR away from entry on the losing side.
// Returns nil when ATR is unavailable.
func (m *Manager) StopPrice(side models.Side, entry, atr float64) *float64 {
	if atr <= 0 || entry <= 0 {
		return nil
	}
	dist := m.cfg.ATRStopMult * atr
	var stop float64
	if side == models.SideBuy {
		stop = entry - dist
	} else {
		stop = entry + dist
	}
	if stop <= 0 {
		return nil
	}
	stop = util.RoundToTick(stop, 0.01)
	return &stop
}

// kellyFraction estimates the Kelly bet fraction from realized trade stats:
// W - (1-W)/R with R the win/loss payoff ratio. ok is false when history is
// too thin to estimate.
func kellyFraction(st models.TradeStats) (float64, bool) {
	if st.Total < minTradesForKelly || st.Wins == 0 || st.Losses == 0 {
		return 0, false
	}
	if st.AvgLossPct <= 0 {
		return 0, false
	}
	r := st.AvgWinPct / st.AvgLossPct
	if r <= 0 {
		return 0, false
	}
	w := st.WinRate
	return w - (1-w)/r, true
}

func regimeMultiplier(r models.Regime) float64 {
	switch r {
	case models.RegimeLowVol:
		return 1.0
	case models.RegimeHighVol:
		return 0.5
	case models.RegimeTrending:
		return 1.2
	case models.RegimeRanging:
		return 0.8
	case models.RegimeCrisis:
		return 0.0
	default:
		return 1.0
	}
}
