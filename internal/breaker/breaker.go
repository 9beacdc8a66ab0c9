// Package breaker implements the portfolio-level circuit breaker: a
// CLOSED/OPEN/HALF_OPEN gate over trading driven by daily loss, consecutive
// losing trades and API error counts, with tiered size-reduction advice for
// the risk manager.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

// Trip reasons recorded on CLOSED -> OPEN transitions.
const (
	ReasonDailyLoss     = "daily_loss"
	ReasonConsecLosses  = "consecutive_losses"
	ReasonAPIErrors     = "api_errors"
	ReasonManual        = "manual"
	ReasonProbeLoss     = "probe_loss"
	ReasonDailyLossHalt = "daily_loss_halt"
)

// Tier is the advisory severity derived from the daily loss, consumed by
// the risk manager through Decision.ScaleFactor.
type Tier string

const (
	// TierNormal applies no size reduction.
	TierNormal Tier = "NORMAL"
	// TierCaution halves position sizes (>= 1% daily loss).
	TierCaution Tier = "CAUTION"
	// TierWarning blocks new entries (>= 2% daily loss).
	TierWarning Tier = "WARNING"
	// TierCritical permits exits only (>= 3% daily loss).
	TierCritical Tier = "CRITICAL"
	// TierHalt stops everything until manual reset (>= 5% daily loss).
	TierHalt Tier = "HALT"
)

// Tier thresholds as positive loss percentages.
const (
	cautionLossPct  = 1.0
	warningLossPct  = 2.0
	criticalLossPct = 3.0
	haltLossPct     = 5.0
)

// Intent describes what the caller wants to do, so exits can stay allowed
// when entries are blocked.
type Intent string

const (
	// IntentEntry opens or adds to a position.
	IntentEntry Intent = "entry"
	// IntentExit closes or reduces a position.
	IntentExit Intent = "exit"
)

// Decision is the answer to MayTrade.
type Decision struct {
	Allow       bool
	ScaleFactor float64 // [0,1], multiplies the risk manager's size
	Reason      string
}

// PortfolioBreaker owns its BreakerState; other components observe it only
// through MayTrade and Snapshot.
type PortfolioBreaker struct {
	mu     sync.Mutex
	cfg    config.CircuitConfig
	logger zerolog.Logger

	status    models.BreakerStatus
	reason    string
	trippedAt *time.Time

	apiErrors    int
	counterDay   time.Time // UTC day the counters belong to
	dailyLossPct float64   // negative = loss, as % of equity
	probePending bool      // HALF_OPEN probe submitted, outcome unknown
	haltLatched  bool      // HALT requires ManualReset

	// onStateChange persists transitions through the state store.
	onStateChange func(models.BreakerState)

	now func() time.Time
}

// New creates a breaker in the CLOSED state.
func New(cfg config.CircuitConfig, logger zerolog.Logger) *PortfolioBreaker {
	return &PortfolioBreaker{
		cfg:    cfg,
		logger: logger.With().Str("component", "portfolio_breaker").Logger(),
		status: models.BreakerClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a hook invoked after every transition with the new
// snapshot. Used to write breaker state through the state store.
func (b *PortfolioBreaker) OnStateChange(fn func(models.BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Restore loads a persisted snapshot, typically at orchestrator start.
func (b *PortfolioBreaker) Restore(st models.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.Status == "" {
		return
	}
	b.status = st.Status
	b.reason = st.Reason
	b.trippedAt = st.TrippedAt
	b.haltLatched = st.Status == models.BreakerOpen && st.Reason == ReasonDailyLossHalt
}

// Snapshot returns the current persisted form.
func (b *PortfolioBreaker) Snapshot() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *PortfolioBreaker) snapshotLocked() models.BreakerState {
	return models.BreakerState{
		Status:    b.status,
		Reason:    b.reason,
		TrippedAt: b.trippedAt,
	}
}

// UpdateDailyLoss feeds the current daily realized+unrealized P&L as a
// percentage of equity (negative = loss) and trips the breaker when the
// configured threshold is crossed.
func (b *PortfolioBreaker) UpdateDailyLoss(pct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetCountersOnNewDayLocked()
	b.dailyLossPct = pct

	if b.status != models.BreakerClosed {
		return
	}
	loss := -pct
	switch {
	case loss >= haltLossPct:
		b.haltLatched = true
		b.tripLocked(ReasonDailyLossHalt)
	case loss >= b.cfg.DailyLossPct:
		b.tripLocked(ReasonDailyLoss)
	}
}

// RecordAPIError counts one upstream API failure; at the configured maximum
// for the day the breaker trips.
func (b *PortfolioBreaker) RecordAPIError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetCountersOnNewDayLocked()
	b.apiErrors++
	if b.status == models.BreakerClosed && b.apiErrors >= b.cfg.MaxAPIErrors {
		b.tripLocked(ReasonAPIErrors)
	}
}

// RecordTradeClosed observes a completed round trip. In CLOSED it trips on
// the consecutive-loss threshold; in HALF_OPEN it resolves the probe:
// profitable closes the breaker, a loss re-opens it.
func (b *PortfolioBreaker) RecordTradeClosed(trade models.ClosedTrade, consecutiveLosses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetCountersOnNewDayLocked()

	switch b.status {
	case models.BreakerHalfOpen:
		b.probePending = false
		if trade.RealizedPnL > 0 {
			b.logger.Info().Str("symbol", trade.Symbol).Msg("probe trade profitable, closing breaker")
			b.transitionLocked(models.BreakerClosed, "")
		} else {
			b.logger.Warn().Str("symbol", trade.Symbol).Msg("probe trade lost, re-opening breaker")
			b.tripLocked(ReasonProbeLoss)
		}
	case models.BreakerClosed:
		if trade.RealizedPnL <= 0 && consecutiveLosses >= b.cfg.MaxConsecLosses {
			b.tripLocked(ReasonConsecLosses)
		}
	}
}

// TripManual opens the breaker by operator request.
func (b *PortfolioBreaker) TripManual(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" {
		reason = ReasonManual
	}
	b.tripLocked(reason)
}

// ManualReset clears a HALT latch and closes the breaker.
func (b *PortfolioBreaker) ManualReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.haltLatched = false
	b.probePending = false
	b.transitionLocked(models.BreakerClosed, "")
}

// MayTrade is the authoritative predicate: may this intent proceed, and at
// what size scale. It lazily performs the OPEN -> HALF_OPEN transition when
// the cooldown has elapsed or a new trading day has started.
func (b *PortfolioBreaker) MayTrade(intent Intent) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetCountersOnNewDayLocked()
	b.maybeHalfOpenLocked()

	switch b.status {
	case models.BreakerOpen:
		return Decision{Allow: false, ScaleFactor: 0, Reason: "breaker_open:" + b.reason}

	case models.BreakerHalfOpen:
		if intent == IntentExit {
			return Decision{Allow: true, ScaleFactor: 1, Reason: "half_open_exit"}
		}
		if b.probePending {
			return Decision{Allow: false, ScaleFactor: 0, Reason: "half_open_probe_pending"}
		}
		b.probePending = true
		return Decision{Allow: true, ScaleFactor: 0.5, Reason: "half_open_probe"}

	default: // CLOSED: tiered advisory on the daily loss
		tier := b.tierLocked()
		switch tier {
		case TierHalt:
			return Decision{Allow: false, ScaleFactor: 0, Reason: "halt"}
		case TierCritical:
			if intent == IntentExit {
				return Decision{Allow: true, ScaleFactor: 1, Reason: "critical_exits_only"}
			}
			return Decision{Allow: false, ScaleFactor: 0, Reason: "critical_exits_only"}
		case TierWarning:
			if intent == IntentExit {
				return Decision{Allow: true, ScaleFactor: 1, Reason: "warning_no_entries"}
			}
			return Decision{Allow: false, ScaleFactor: 0, Reason: "warning_no_entries"}
		case TierCaution:
			return Decision{Allow: true, ScaleFactor: 0.5, Reason: "caution_reduced_size"}
		default:
			return Decision{Allow: true, ScaleFactor: 1, Reason: ""}
		}
	}
}

// CurrentTier exposes the advisory tier for audit records.
func (b *PortfolioBreaker) CurrentTier() Tier {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tierLocked()
}

// Halted reports whether the breaker is in the manual-reset HALT latch.
func (b *PortfolioBreaker) Halted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haltLatched
}

func (b *PortfolioBreaker) tierLocked() Tier {
	loss := -b.dailyLossPct
	switch {
	case b.haltLatched || loss >= haltLossPct:
		return TierHalt
	case loss >= criticalLossPct:
		return TierCritical
	case loss >= warningLossPct:
		return TierWarning
	case loss >= cautionLossPct:
		return TierCaution
	default:
		return TierNormal
	}
}

func (b *PortfolioBreaker) maybeHalfOpenLocked() {
	if b.status != models.BreakerOpen || b.haltLatched || b.trippedAt == nil {
		return
	}
	now := b.now()
	cooldown := time.Duration(b.cfg.CooldownSeconds * float64(time.Second))
	cooled := now.Sub(*b.trippedAt) >= cooldown
	newDay := !sameUTCDay(now, *b.trippedAt)
	if cooled || newDay {
		b.probePending = false
		b.transitionLocked(models.BreakerHalfOpen, b.reason)
	}
}

func (b *PortfolioBreaker) tripLocked(reason string) {
	now := b.now().UTC()
	b.trippedAt = &now
	b.transitionLocked(models.BreakerOpen, reason)
}

func (b *PortfolioBreaker) transitionLocked(to models.BreakerStatus, reason string) {
	from := b.status
	if from == to && b.reason == reason {
		return
	}
	b.status = to
	b.reason = reason
	if to == models.BreakerClosed {
		b.trippedAt = nil
	}
	b.logger.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("portfolio breaker state change")
	if b.onStateChange != nil {
		b.onStateChange(b.snapshotLocked())
	}
}

func (b *PortfolioBreaker) resetCountersOnNewDayLocked() {
	day := b.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(b.counterDay) {
		b.counterDay = day
		b.apiErrors = 0
		b.dailyLossPct = 0
	}
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
