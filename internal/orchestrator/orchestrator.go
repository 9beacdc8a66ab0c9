// Package orchestrator drives one complete trading invocation: load state,
// health-check the world, run the decision pipeline over the watchlist,
// manage open positions, persist state and the audit trail.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/quantbot/internal/agents"
	"github.com/eddiefleurent/quantbot/internal/breaker"
	"github.com/eddiefleurent/quantbot/internal/broker"
	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/executor"
	"github.com/eddiefleurent/quantbot/internal/indicators"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/risk"
	"github.com/eddiefleurent/quantbot/internal/state"
)

// Exit codes surfaced by cmd/bot.
const (
	ExitOK           = 0
	ExitStateExpired = 2
	ExitHalted       = 3
	ExitHealthFailed = 4
	ExitError        = 5
)

// BarProvider is the market-data dependency; satisfied by
// marketdata.Provider.
type BarProvider interface {
	GetDailyBars(ctx context.Context, symbol string, lookbackDays int) (*models.MarketDataResult, error)
}

// Deps collects the explicitly constructed dependencies of a run. Nothing is
// global; the caller owns construction and teardown.
type Deps struct {
	Config      *config.Config
	Store       *state.Store
	Market      BarProvider
	Specialists []agents.Agent
	Meta        *agents.MetaAgent
	Risk        *risk.Manager
	Breaker     *breaker.PortfolioBreaker
	Executor    *executor.Executor
	Audit       *AuditLog
	Logger      zerolog.Logger
}

// Orchestrator executes one invocation of the pipeline. It is the single
// writer of SystemState for the duration of a run; all mutation happens under
// one mutex.
type Orchestrator struct {
	cfg         *config.Config
	store       *state.Store
	market      BarProvider
	specialists []agents.Agent
	meta        *agents.MetaAgent
	riskMgr     *risk.Manager
	pb          *breaker.PortfolioBreaker
	exec        *executor.Executor
	audit       *AuditLog
	logger      zerolog.Logger

	// mu serializes state mutation and order submission across the symbol
	// pool. Analysis runs in parallel; trading does not.
	mu sync.Mutex

	now func() time.Time
}

// New wires the orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:         d.Config,
		store:       d.Store,
		market:      d.Market,
		specialists: d.Specialists,
		meta:        d.Meta,
		riskMgr:     d.Risk,
		pb:          d.Breaker,
		exec:        d.Executor,
		audit:       d.Audit,
		logger:      d.Logger.With().Str("component", "orchestrator").Logger(),
		now:         time.Now,
	}
}

// runCounters accumulates the run summary. Guarded by Orchestrator.mu.
type runCounters struct {
	processed int
	skipped   int
	submitted int
	closed    int
}

// Run executes one invocation end to end and returns the process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	started := o.now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline())
	defer cancel()

	st, err := o.store.Load()
	if errors.Is(err, state.ErrStateExpired) {
		o.logger.Error().Err(err).Msg("refusing to run on expired state")
		o.audit.Run(&RunSummary{ExitCode: ExitStateExpired, Error: err.Error(),
			DurationMS: time.Since(started).Milliseconds()})
		return ExitStateExpired
	}
	if err != nil {
		o.logger.Error().Err(err).Msg("state load failed")
		o.audit.Run(&RunSummary{ExitCode: ExitError, Error: err.Error(),
			DurationMS: time.Since(started).Milliseconds()})
		return ExitError
	}

	o.pb.Restore(st.Breaker)
	o.persistBreakerTransitions(st)
	rl := agents.NewRLFilter(o.cfg.Agents.RL, st.LearnedParams, o.logger)

	acct, err := o.healthCheck(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("pre-market health check failed")
		o.audit.Run(&RunSummary{ExitCode: ExitHealthFailed, Error: err.Error(),
			DurationMS: time.Since(started).Milliseconds()})
		return ExitHealthFailed
	}
	st.Portfolio = models.PortfolioSnapshot{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
		AsOfUTC:     o.now().UTC(),
	}
	o.refreshDailyLoss(st)

	if o.pb.Halted() {
		o.logger.Error().Msg("portfolio breaker is HALTED; manual reset required")
		st.Breaker = o.pb.Snapshot()
		if err := o.store.Save(st); err != nil {
			o.logger.Error().Err(err).Msg("state save failed")
		}
		o.audit.Run(&RunSummary{ExitCode: ExitHalted, Halted: true,
			BreakerStatus: st.Breaker.Status, BreakerTier: string(o.pb.CurrentTier()),
			DurationMS: time.Since(started).Milliseconds()})
		return ExitHalted
	}

	var counters runCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workerLimit())
	for _, symbol := range o.cfg.Watchlist {
		symbol := symbol
		g.Go(func() error {
			o.processSymbol(gctx, symbol, st, rl, &counters)
			return nil
		})
	}
	_ = g.Wait()

	o.managePositions(ctx, st, rl, &counters)
	o.refreshDailyLoss(st)

	st.Breaker = o.pb.Snapshot()
	st.LearnedParams = rl.Snapshot()
	if err := o.store.Save(st); err != nil {
		o.logger.Error().Err(err).Msg("state save failed")
		o.audit.Run(&RunSummary{ExitCode: ExitError, Error: err.Error(),
			DurationMS: time.Since(started).Milliseconds()})
		return ExitError
	}

	sum := &RunSummary{
		ExitCode:         ExitOK,
		SymbolsProcessed: counters.processed,
		SymbolsSkipped:   counters.skipped,
		TradesSubmitted:  counters.submitted,
		PositionsClosed:  counters.closed,
		BreakerStatus:    st.Breaker.Status,
		BreakerTier:      string(o.pb.CurrentTier()),
		DurationMS:       time.Since(started).Milliseconds(),
	}
	o.audit.Run(sum)
	o.logger.Info().
		Int("symbols_processed", sum.SymbolsProcessed).
		Int("trades_submitted", sum.TradesSubmitted).
		Int("positions_closed", sum.PositionsClosed).
		Msg("run complete")
	return ExitOK
}

// persistBreakerTransitions writes every breaker transition through to disk
// immediately, so a trip survives a crash before the end-of-run save.
// Mutating breaker calls are serialized (under o.mu during the symbol pool,
// sequential otherwise), which makes reading st in the hook safe.
func (o *Orchestrator) persistBreakerTransitions(st *models.SystemState) {
	o.pb.OnStateChange(func(bs models.BreakerState) {
		st.Breaker = bs
		if err := o.store.Save(st); err != nil {
			o.logger.Error().Err(err).Msg("breaker state write-through failed")
		}
	})
}

func (o *Orchestrator) workerLimit() int {
	if o.cfg.Orchestrator.MaxWorkers > 0 {
		return o.cfg.Orchestrator.MaxWorkers
	}
	limit := runtime.NumCPU()
	if limit > 8 {
		limit = 8
	}
	return limit
}

// healthCheck smoke-tests the market data chain and finds the first healthy
// broker with sufficient free cash.
func (o *Orchestrator) healthCheck(ctx context.Context) (*broker.Account, error) {
	smoke := o.cfg.Orchestrator.SmokeSymbol
	if _, err := o.market.GetDailyBars(ctx, smoke, o.cfg.Orchestrator.LookbackDays); err != nil {
		return nil, fmt.Errorf("market data smoke test on %s: %w", smoke, err)
	}

	var lastErr error
	for _, cb := range o.exec.Chain() {
		if err := cb.HealthCheck(ctx); err != nil {
			o.logger.Warn().Str("broker", cb.Name()).Err(err).Msg("broker health check failed")
			lastErr = err
			continue
		}
		acct, err := cb.GetAccount(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if acct.Cash < o.cfg.Orchestrator.MinFreeCash {
			return nil, fmt.Errorf("free cash %.2f below minimum %.2f", acct.Cash, o.cfg.Orchestrator.MinFreeCash)
		}
		return acct, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return nil, fmt.Errorf("no healthy broker: %w", lastErr)
}

// refreshDailyLoss feeds today's realized P&L into the portfolio breaker.
func (o *Orchestrator) refreshDailyLoss(st *models.SystemState) {
	if st.Portfolio.Equity <= 0 {
		return
	}
	pnl := st.RealizedPnLOn(o.now())
	o.pb.UpdateDailyLoss(pnl / st.Portfolio.Equity * 100)
}

// processSymbol runs the decision pipeline for one symbol. Data problems skip
// the symbol; decision and execution outcomes land in the audit trail either
// way.
func (o *Orchestrator) processSymbol(ctx context.Context, symbol string, st *models.SystemState, rl *agents.RLFilter, c *runCounters) {
	rec := &SymbolAudit{Symbol: symbol}
	defer o.audit.Symbol(rec)

	data, err := o.market.GetDailyBars(ctx, symbol, o.cfg.Orchestrator.LookbackDays)
	if err != nil {
		rec.SkipReason = err.Error()
		o.logger.Warn().Str("symbol", symbol).Err(err).Msg("no market data, skipping symbol")
		o.mu.Lock()
		c.skipped++
		o.mu.Unlock()
		return
	}
	rec.DataSource = data.Source
	rec.CacheAgeHours = data.CacheAgeHours

	series := data.Series
	ind := agents.ComputeIndicators(series)
	last, ok := series.Last()
	if !ok {
		rec.SkipReason = "empty series"
		o.mu.Lock()
		c.skipped++
		o.mu.Unlock()
		return
	}
	price := last.Close
	spread := 0.0
	if primary := o.exec.Primary(); primary != nil {
		if q, err := primary.GetQuote(ctx, symbol); err == nil {
			if mid := q.Mid(); mid > 0 {
				price = mid
			}
			spread = q.SpreadPct()
		}
	}

	regime := o.meta.DetectRegime(series)
	rec.Regime = regime

	o.mu.Lock()
	exposure := 0.0
	if pos := st.FindPosition(symbol); pos != nil {
		exposure = pos.Qty * price
	}
	equity := st.Portfolio.Equity
	stats := st.Stats()
	o.mu.Unlock()

	actx := &agents.Context{
		Symbol:         symbol,
		Bars:           series,
		Ind:            ind,
		Data:           data,
		Price:          price,
		SpreadPct:      spread,
		Regime:         regime,
		SessionPhase:   o.cfg.SessionPhase(o.now()),
		Equity:         equity,
		SymbolExposure: exposure,
		Stats:          stats,
		BreakerScale:   advisoryScale(o.pb.CurrentTier()),
	}

	recs := agents.RunAll(ctx, o.specialists, actx, o.cfg.SpecialistTimeout(), o.logger)
	decision := o.meta.Aggregate(symbol, regime, recs)
	key := agents.NewStateKey(regime,
		lastOrZero(ind.RSI),
		lastOrZero(ind.MACD.Histogram),
		price,
		lastOrZero(ind.SMA20))
	decision = rl.MaybeOverride(key, decision)

	rec.Action = decision.Action
	rec.Confidence = decision.Confidence
	rec.OverrideSource = decision.OverrideSource

	o.mu.Lock()
	defer o.mu.Unlock()
	c.processed++

	switch decision.Action {
	case models.ActionBuy:
		o.enterLocked(ctx, st, data, &decision, price, exposure, ind, key, rec, c)
	case models.ActionSell:
		o.exitOnSignalLocked(ctx, st, rl, symbol, price, key, rec, c)
	}
}

// enterLocked gates, sizes and submits a new entry. Caller holds o.mu.
func (o *Orchestrator) enterLocked(ctx context.Context, st *models.SystemState, data *models.MarketDataResult, decision *models.MetaDecision, price, exposure float64, ind agents.IndicatorSet, key agents.StateKey, rec *SymbolAudit, c *runCounters) {
	gate := o.pb.MayTrade(breaker.IntentEntry)
	if !gate.Allow {
		rec.VetoReason = gate.Reason
		return
	}

	in := risk.Input{
		Symbol:         decision.Symbol,
		Side:           models.SideBuy,
		Equity:         st.Portfolio.Equity,
		EntryPrice:     price,
		SymbolExposure: exposure,
		ObservedVol:    lastOrZero(ind.Vol),
		ATR:            lastOrZero(ind.ATR),
		Regime:         decision.Regime,
		Stats:          st.Stats(),
		BreakerScale:   gate.ScaleFactor,
		DataStale:      data.Stale(),
		Confidence:     decision.Confidence,
	}
	if data.CacheAgeHours != nil {
		in.CacheAgeHours = *data.CacheAgeHours
	}

	res, err := o.riskMgr.Size(in)
	if err != nil {
		var veto *risk.Veto
		if errors.As(err, &veto) {
			rec.VetoReason = veto.Reason
			o.logger.Info().Str("symbol", veto.Symbol).Str("reason", veto.Reason).Msg("entry vetoed")
			return
		}
		rec.Error = err.Error()
		o.logger.Error().Str("symbol", decision.Symbol).Err(err).Msg("sizing failed")
		return
	}

	order, err := o.exec.Execute(ctx, &res.Request)
	if err != nil {
		o.pb.RecordAPIError()
		rec.Error = err.Error()
		o.logger.Error().Str("symbol", decision.Symbol).Err(err).Msg("order execution failed")
		return
	}

	fillPrice := price
	if order.FilledAvgPrice != nil && *order.FilledAvgPrice > 0 {
		fillPrice = *order.FilledAvgPrice
	}
	qty := order.Qty
	if qty <= 0 {
		qty = res.Request.Notional / fillPrice
	}

	pos := st.FindPosition(decision.Symbol)
	if pos == nil {
		st.Positions = append(st.Positions, models.Position{
			Symbol:   decision.Symbol,
			OpenedAt: o.now().UTC(),
		})
		pos = &st.Positions[len(st.Positions)-1]
	}
	pos.ApplyFill(qty, fillPrice)
	pos.StopLossPrice = res.Request.StopLossPrice
	pos.EntryStateKey = key.String()
	pos.EntryAction = models.ActionBuy
	st.Portfolio.Cash -= qty * fillPrice

	rec.OrderID = order.ID
	rec.Broker = order.Broker
	rec.Notional = res.Notional
	c.submitted++
	o.logger.Info().Str("symbol", decision.Symbol).
		Float64("notional", res.Notional).Str("broker", order.Broker).
		Msg("entry filled")
}

// exitOnSignalLocked closes an open position on a SELL decision. Caller
// holds o.mu.
func (o *Orchestrator) exitOnSignalLocked(ctx context.Context, st *models.SystemState, rl *agents.RLFilter, symbol string, price float64, key agents.StateKey, rec *SymbolAudit, c *runCounters) {
	pos := st.FindPosition(symbol)
	if pos == nil {
		rec.VetoReason = "no open position"
		return
	}
	gate := o.pb.MayTrade(breaker.IntentExit)
	if !gate.Allow {
		rec.VetoReason = gate.Reason
		return
	}
	_, err := o.closePositionLocked(ctx, st, rl, pos, price, models.ExitReasonSignal, &key)
	if err != nil {
		rec.Error = err.Error()
		return
	}
	rec.OrderID = "closed"
	c.closed++
}

// managePositions marks open positions to market and closes any that hit
// their stop, their profit target or the holding-period limit.
func (o *Orchestrator) managePositions(ctx context.Context, st *models.SystemState, rl *agents.RLFilter, c *runCounters) {
	o.mu.Lock()
	defer o.mu.Unlock()

	symbols := make([]string, 0, len(st.Positions))
	for _, pos := range st.Positions {
		symbols = append(symbols, pos.Symbol)
	}

	for _, symbol := range symbols {
		pos := st.FindPosition(symbol)
		if pos == nil {
			continue
		}
		price, ok := o.markPrice(ctx, symbol)
		if !ok {
			o.logger.Warn().Str("symbol", symbol).Msg("no price for mark-to-market, leaving position as-is")
			continue
		}
		pos.MarkToMarket(price)

		var reason models.ExitReason
		switch {
		case pos.StopHit():
			reason = models.ExitReasonStopLoss
		case pos.UnrealizedPnLPct >= o.cfg.Risk.TakeProfitPct:
			reason = models.ExitReasonTakeProfit
		case o.cfg.Risk.MaxHoldDays > 0 &&
			o.now().Sub(pos.OpenedAt) >= time.Duration(o.cfg.Risk.MaxHoldDays)*24*time.Hour:
			reason = models.ExitReasonTime
		default:
			continue
		}

		gate := o.pb.MayTrade(breaker.IntentExit)
		if !gate.Allow {
			o.logger.Warn().Str("symbol", symbol).Str("reason", gate.Reason).
				Msg("exit blocked by breaker")
			continue
		}
		trade, err := o.closePositionLocked(ctx, st, rl, pos, price, reason, nil)
		if err != nil {
			o.logger.Error().Str("symbol", symbol).Err(err).Msg("position close failed")
			continue
		}
		c.closed++
		o.logger.Info().Str("symbol", symbol).
			Str("exit_reason", string(reason)).
			Float64("realized_pnl", trade.RealizedPnL).
			Msg("position closed")
	}
}

// markPrice resolves the freshest price for a symbol: live quote first, then
// the latest cached daily close.
func (o *Orchestrator) markPrice(ctx context.Context, symbol string) (float64, bool) {
	if primary := o.exec.Primary(); primary != nil {
		if q, err := primary.GetQuote(ctx, symbol); err == nil {
			if mid := q.Mid(); mid > 0 {
				return mid, true
			}
		}
	}
	data, err := o.market.GetDailyBars(ctx, symbol, o.cfg.Orchestrator.LookbackDays)
	if err != nil {
		return 0, false
	}
	last, ok := data.Series.Last()
	if !ok {
		return 0, false
	}
	return last.Close, true
}

// closePositionLocked sells the position through the executor, archives the
// trade, feeds the breaker and applies the Q-update against the entry-time
// state. next is the state observed at close when the caller has one; exits
// driven by stops or holding limits pass nil and fall back to the entry
// state. Caller holds o.mu.
func (o *Orchestrator) closePositionLocked(ctx context.Context, st *models.SystemState, rl *agents.RLFilter, pos *models.Position, price float64, reason models.ExitReason, next *agents.StateKey) (models.ClosedTrade, error) {
	req := &models.PositionRequest{
		RequestID: uuid.NewString(),
		Symbol:    pos.Symbol,
		Side:      models.SideSell,
		Qty:       pos.Qty,
		TIF:       models.TIFDay,
	}
	order, err := o.exec.Execute(ctx, req)
	if err != nil {
		o.pb.RecordAPIError()
		return models.ClosedTrade{}, fmt.Errorf("closing %s: %w", pos.Symbol, err)
	}

	exitPrice := price
	if order.FilledAvgPrice != nil && *order.FilledAvgPrice > 0 {
		exitPrice = *order.FilledAvgPrice
	}
	trade, err := pos.CloseOut(exitPrice, o.now(), reason)
	if err != nil {
		return models.ClosedTrade{}, err
	}

	st.Portfolio.Cash += pos.Qty * exitPrice
	entryKeyStr, entryAction := pos.EntryStateKey, pos.EntryAction
	st.ClosedTrades = append(st.ClosedTrades, trade)
	st.RemovePosition(pos.Symbol)

	o.pb.RecordTradeClosed(trade, st.Stats().ConsecutiveLosses)

	// Every exit path feeds the learner, not just signal exits. Positions
	// opened before entry context was recorded are skipped.
	if entryKey, ok := agents.ParseStateKey(entryKeyStr); ok {
		if entryAction == "" {
			entryAction = models.ActionBuy
		}
		nextKey := entryKey
		if next != nil {
			nextKey = *next
		}
		rl.Update(entryKey, entryAction, trade.RealizedPnLPct/100, nextKey)
	}
	return trade, nil
}

// lastOrZero is the latest defined value of an indicator series, or 0.
func lastOrZero(xs []float64) float64 {
	v, ok := indicators.Last(xs)
	if !ok {
		return 0
	}
	return v
}

// advisoryScale maps the breaker tier onto the size scale specialists see.
// The binding decision still happens at trade time through MayTrade.
func advisoryScale(tier breaker.Tier) float64 {
	switch tier {
	case breaker.TierNormal:
		return 1
	case breaker.TierCaution:
		return 0.5
	default:
		return 0
	}
}
