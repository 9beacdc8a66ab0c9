package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/quantbot/internal/agents"
	"github.com/eddiefleurent/quantbot/internal/breaker"
	"github.com/eddiefleurent/quantbot/internal/broker"
	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/executor"
	"github.com/eddiefleurent/quantbot/internal/models"
	"github.com/eddiefleurent/quantbot/internal/risk"
	"github.com/eddiefleurent/quantbot/internal/state"
)

// fakeMarket scripts the provider per symbol.
type fakeMarket struct {
	series map[string]*models.BarSeries
	errs   map[string]error
}

func (f *fakeMarket) GetDailyBars(_ context.Context, symbol string, _ int) (*models.MarketDataResult, error) {
	if err, ok := f.errs[symbol]; ok {
		return nil, err
	}
	series, ok := f.series[symbol]
	if !ok {
		return nil, errors.New("no data scripted for " + symbol)
	}
	return &models.MarketDataResult{
		Series:   series,
		Source:   models.SourceYFinance,
		Attempts: []models.FetchAttempt{{Source: models.SourceYFinance, Success: true, Rows: series.Len()}},
	}, nil
}

// stubAgent always answers the same recommendation.
type stubAgent struct {
	id     string
	action models.Action
	conf   float64
}

func (s stubAgent) ID() string { return s.id }

func (s stubAgent) Analyze(context.Context, *agents.Context) (models.SpecialistRecommendation, error) {
	return models.SpecialistRecommendation{
		AgentID: s.id, Action: s.action, Confidence: s.conf, Rationale: "scripted",
	}, nil
}

func allSpecialists(action models.Action, conf float64) []agents.Agent {
	return []agents.Agent{
		stubAgent{agents.AgentResearch, action, conf},
		stubAgent{agents.AgentSignal, action, conf},
		stubAgent{agents.AgentRisk, action, conf},
		stubAgent{agents.AgentExecution, action, conf},
	}
}

// quietSeries alternates small moves around 500 so regime detection lands on
// LOW_VOL deterministically.
func quietSeries(symbol string, n int) *models.BarSeries {
	start := time.Now().UTC().AddDate(0, 0, -(n - 1)).Truncate(24 * time.Hour)
	series := &models.BarSeries{Symbol: symbol}
	price := 500.0
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price *= 1.003
		} else {
			price /= 1.003
		}
		series.Bars = append(series.Bars, models.Bar{
			Date: start.AddDate(0, 0, i), Open: price, High: price * 1.004,
			Low: price * 0.996, Close: price, Volume: 1_000_000,
		})
	}
	return series
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Watchlist: []string{"SPY"},
		Schedule:  config.ScheduleConfig{Timezone: "UTC", TradingStart: "00:00", TradingEnd: "23:59"},
		Brokers: config.BrokersConfig{
			FailoverEnabled: true,
			Priority:        []string{"paper"},
			Breaker:         config.BrokerBreakerConfig{MaxConsecutiveFailures: 3, CooldownSeconds: 60},
		},
		Circuit: config.CircuitConfig{
			DailyLossPct: 2, MaxConsecLosses: 3, MaxAPIErrors: 5, CooldownSeconds: 3600,
		},
		Risk: config.RiskConfig{
			BasePct: 1, KellySafety: 0.25, TargetVol: 0.15, MaxSymbolPct: 10,
			ATRStopMult: 2, TakeProfitPct: 8, MaxHoldDays: 30, StaleConfidencePenalty: 0.3,
		},
		Agents: config.AgentsConfig{
			SpecialistTimeoutSeconds: 5, BuyThreshold: 0.35, RegimeWindow: 30,
			RL: config.RLConfig{Epsilon: 0.1, Alpha: 0.1, Gamma: 0.95, OverrideMargin: 0.25},
		},
		State: config.StateConfig{Path: filepath.Join(dir, "state.json"), ExpiryHours: 72},
		Orchestrator: config.OrchestratorConfig{
			RunDeadlineSeconds: 60, SmokeSymbol: "SPY", LookbackDays: 30,
		},
	}
}

type harness struct {
	cfg    *config.Config
	store  *state.Store
	paper  *broker.PaperBroker
	market *fakeMarket
	orch   *Orchestrator
}

func newHarness(t *testing.T, cfg *config.Config, specialists []agents.Agent) *harness {
	t.Helper()
	log := zerolog.Nop()

	paper := broker.NewPaperBroker(100_000)
	paper.SetQuote("SPY", 499, 501)

	market := &fakeMarket{series: map[string]*models.BarSeries{
		"SPY": quietSeries("SPY", 40),
	}, errs: map[string]error{}}

	store := state.NewStore(cfg.State.Path, cfg.State.ExpiryHours, log)
	audit, err := OpenAuditLog(cfg.State.AuditLogPath)
	require.NoError(t, err)

	orch := New(Deps{
		Config:      cfg,
		Store:       store,
		Market:      market,
		Specialists: specialists,
		Meta:        agents.NewMetaAgent(cfg.Agents, log),
		Risk:        risk.NewManager(cfg.Risk, log),
		Breaker:     breaker.New(cfg.Circuit, log),
		Executor:    executor.New(cfg.Brokers, map[string]broker.Broker{"paper": paper}, log),
		Audit:       audit,
		Logger:      log,
	})
	return &harness{cfg: cfg, store: store, paper: paper, market: market, orch: orch}
}

func seedState(t *testing.T, h *harness, mutate func(*models.SystemState)) {
	t.Helper()
	st, err := h.store.Load()
	require.NoError(t, err)
	mutate(st)
	require.NoError(t, h.store.Save(st))
}

func TestRun_BuyDecisionOpensPosition(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.AuditLogPath = filepath.Join(t.TempDir(), "audit.jsonl")
	h := newHarness(t, cfg, allSpecialists(models.ActionBuy, 0.9))

	code := h.orch.Run(context.Background())
	require.Equal(t, ExitOK, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, st.Positions, 1)
	pos := st.Positions[0]
	assert.Equal(t, "SPY", pos.Symbol)
	assert.Greater(t, pos.Qty, 0.0)
	require.NotNil(t, pos.StopLossPrice, "entry must carry a protective stop")
	assert.Less(t, *pos.StopLossPrice, pos.AvgEntryPrice)
	assert.NotEmpty(t, pos.EntryStateKey, "entry must record its state for the close-time q-update")
	assert.Equal(t, models.ActionBuy, pos.EntryAction)
	assert.Less(t, st.Portfolio.Cash, 100_000.0)
	assert.Equal(t, models.BreakerClosed, st.Breaker.Status)

	// Audit trail captured at least the symbol record and the run summary.
	data, err := os.ReadFile(cfg.State.AuditLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"record":"symbol"`)
	assert.Contains(t, string(data), `"record":"run"`)
}

func TestRun_HoldDecisionDoesNothing(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionHold, 0.9))

	code := h.orch.Run(context.Background())
	require.Equal(t, ExitOK, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Positions)
	assert.Empty(t, st.ClosedTrades)
}

func TestRun_DataUnavailableSkipsSymbol(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watchlist = []string{"SPY", "NODATA"}
	h := newHarness(t, cfg, allSpecialists(models.ActionHold, 0.5))
	h.market.errs["NODATA"] = errors.New("all sources exhausted for NODATA")

	code := h.orch.Run(context.Background())
	assert.Equal(t, ExitOK, code, "one dead symbol must not fail the run")
}

func TestRun_SellSignalClosesPosition(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionSell, 0.9))
	entryKey := "LOW_VOL|5|+|up"
	seedState(t, h, func(st *models.SystemState) {
		st.Positions = []models.Position{{
			Symbol: "SPY", Qty: 4, AvgEntryPrice: 480,
			OpenedAt:      time.Now().UTC().Add(-48 * time.Hour),
			EntryStateKey: entryKey, EntryAction: models.ActionBuy,
		}}
	})

	code := h.orch.Run(context.Background())
	require.Equal(t, ExitOK, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Positions)
	require.Len(t, st.ClosedTrades, 1)
	trade := st.ClosedTrades[0]
	assert.Equal(t, models.ExitReasonSignal, trade.ExitReason)
	assert.Greater(t, trade.RealizedPnL, 0.0, "sold at 500 after entering at 480")

	// The winning close credits the entry-time state and action.
	require.Contains(t, st.LearnedParams.QTable, entryKey, "closed trade must feed the q-table")
	assert.Greater(t, st.LearnedParams.QTable[entryKey][models.ActionBuy], 0.0)
}

func TestRun_StopLossExitAndConsecutiveLossTrip(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionHold, 0.5))
	h.paper.SetQuote("SPY", 479, 481) // below the 490 stop

	lose := func(daysAgo int) models.ClosedTrade {
		closedAt := time.Now().UTC().AddDate(0, 0, -daysAgo)
		return models.ClosedTrade{
			Symbol: "SPY", Qty: 2, EntryPrice: 500, ExitPrice: 490,
			RealizedPnL: -20, RealizedPnLPct: -2,
			OpenedAt: closedAt.Add(-24 * time.Hour), ClosedAt: closedAt,
			ExitReason: models.ExitReasonStopLoss,
		}
	}
	stop := 490.0
	entryKey := "LOW_VOL|6|-|down"
	seedState(t, h, func(st *models.SystemState) {
		st.ClosedTrades = []models.ClosedTrade{lose(3), lose(2)}
		st.Positions = []models.Position{{
			Symbol: "SPY", Qty: 4, AvgEntryPrice: 500, StopLossPrice: &stop,
			OpenedAt:      time.Now().UTC().Add(-24 * time.Hour),
			EntryStateKey: entryKey, EntryAction: models.ActionBuy,
		}}
	})

	code := h.orch.Run(context.Background())
	require.Equal(t, ExitOK, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Positions)
	require.Len(t, st.ClosedTrades, 3)
	assert.Equal(t, models.ExitReasonStopLoss, st.ClosedTrades[2].ExitReason)

	// Third consecutive loss trips the portfolio breaker.
	assert.Equal(t, models.BreakerOpen, st.Breaker.Status)
	assert.Equal(t, breaker.ReasonConsecLosses, st.Breaker.Reason)

	// A stop-loss close feeds the learner too, penalizing the entry state.
	require.Contains(t, st.LearnedParams.QTable, entryKey)
	assert.Less(t, st.LearnedParams.QTable[entryKey][models.ActionBuy], 0.0)
}

func TestRun_TakeProfitExit(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionHold, 0.5))
	seedState(t, h, func(st *models.SystemState) {
		// +25% unrealized at the 500 quote, far past the 8% target.
		st.Positions = []models.Position{{
			Symbol: "SPY", Qty: 4, AvgEntryPrice: 400,
			OpenedAt: time.Now().UTC().Add(-24 * time.Hour),
		}}
	})

	code := h.orch.Run(context.Background())
	require.Equal(t, ExitOK, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Positions)
	require.Len(t, st.ClosedTrades, 1)
	assert.Equal(t, models.ExitReasonTakeProfit, st.ClosedTrades[0].ExitReason)
	assert.Greater(t, st.ClosedTrades[0].RealizedPnL, 0.0)
}

func TestRun_StateExpiredExitsTwo(t *testing.T) {
	cfg := testConfig(t)
	h := newHarness(t, cfg, allSpecialists(models.ActionBuy, 0.9))

	old := models.SystemState{
		Positions:      []models.Position{},
		ClosedTrades:   []models.ClosedTrade{},
		Breaker:        models.BreakerState{Status: models.BreakerClosed},
		LastUpdatedUTC: time.Now().UTC().Add(-96 * time.Hour),
	}
	data, err := json.Marshal(&old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.State.Path, data, 0o644))

	code := h.orch.Run(context.Background())
	assert.Equal(t, ExitStateExpired, code)

	// The expired file must be left untouched.
	after, err := os.ReadFile(cfg.State.Path)
	require.NoError(t, err)
	assert.Equal(t, data, after)
}

func TestRun_HaltedBreakerExitsThree(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionBuy, 0.9))
	tripped := time.Now().UTC().Add(-time.Hour)
	seedState(t, h, func(st *models.SystemState) {
		st.Breaker = models.BreakerState{
			Status: models.BreakerOpen, Reason: breaker.ReasonDailyLossHalt, TrippedAt: &tripped,
		}
	})

	code := h.orch.Run(context.Background())
	assert.Equal(t, ExitHalted, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Positions, "no orders while halted")
}

func TestRun_TrippedBreakerBlocksEntriesExitsZero(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionBuy, 0.9))
	tripped := time.Now().UTC().Add(-time.Minute)
	seedState(t, h, func(st *models.SystemState) {
		st.Breaker = models.BreakerState{
			Status: models.BreakerOpen, Reason: breaker.ReasonConsecLosses, TrippedAt: &tripped,
		}
	})

	code := h.orch.Run(context.Background())
	assert.Equal(t, ExitOK, code, "a tripped (non-halt) breaker is a quiet day, not a failure")

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Positions)
}

func TestRun_HealthCheckFailureExitsFour(t *testing.T) {
	cfg := testConfig(t)
	cfg.Orchestrator.MinFreeCash = 1_000_000 // paper account holds 100k
	h := newHarness(t, cfg, allSpecialists(models.ActionBuy, 0.9))

	code := h.orch.Run(context.Background())
	assert.Equal(t, ExitHealthFailed, code)
}

func TestRun_SmokeTestFailureExitsFour(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionBuy, 0.9))
	h.market.errs["SPY"] = errors.New("all sources exhausted")

	code := h.orch.Run(context.Background())
	assert.Equal(t, ExitHealthFailed, code)
}

func TestRun_ConcentrationCapVetoesEntry(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionBuy, 0.9))
	seedState(t, h, func(st *models.SystemState) {
		// Existing exposure at the 10% cap: 20 shares * ~500 = ~10k on 100k.
		st.Positions = []models.Position{{
			Symbol: "SPY", Qty: 20, AvgEntryPrice: 500,
			OpenedAt: time.Now().UTC().Add(-24 * time.Hour),
		}}
	})

	code := h.orch.Run(context.Background())
	require.Equal(t, ExitOK, code)

	st, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, st.Positions, 1)
	assert.InDelta(t, 20, st.Positions[0].Qty, 1e-9, "capped symbol must not grow")
}

func TestBreakerTransitionsWriteThroughToStore(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionHold, 0.5))
	st, err := h.store.Load()
	require.NoError(t, err)
	h.orch.persistBreakerTransitions(st)

	// The trip must land on disk immediately, before any end-of-run save.
	h.orch.pb.TripManual("drawdown review")

	onDisk, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, onDisk.Breaker.Status)
	assert.Equal(t, "drawdown review", onDisk.Breaker.Reason)
}

func TestRun_LastUpdatedAdvances(t *testing.T) {
	h := newHarness(t, testConfig(t), allSpecialists(models.ActionHold, 0.5))

	require.Equal(t, ExitOK, h.orch.Run(context.Background()))
	st1, err := h.store.Load()
	require.NoError(t, err)

	require.Equal(t, ExitOK, h.orch.Run(context.Background()))
	st2, err := h.store.Load()
	require.NoError(t, err)

	assert.True(t, st2.LastUpdatedUTC.After(st1.LastUpdatedUTC),
		"last_updated_utc must strictly increase across saves")
}
