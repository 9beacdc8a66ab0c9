// Command bot runs one complete trading invocation: health checks, the
// decision pipeline over the watchlist, position management, state and audit
// persistence. Scheduling is external (cron or a systemd timer); the process
// exits when the run is done.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/agents"
	"github.com/eddiefleurent/quantbot/internal/breaker"
	"github.com/eddiefleurent/quantbot/internal/broker"
	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/executor"
	"github.com/eddiefleurent/quantbot/internal/llm"
	"github.com/eddiefleurent/quantbot/internal/marketdata"
	"github.com/eddiefleurent/quantbot/internal/orchestrator"
	"github.com/eddiefleurent/quantbot/internal/risk"
	"github.com/eddiefleurent/quantbot/internal/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.Parse()

	// .env is optional; environment overrides still apply without it.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return orchestrator.ExitError
	}

	logger := newLogger(cfg)
	logger.Info().
		Str("mode", cfg.Environment.Mode).
		Strs("watchlist", cfg.Watchlist).
		Msg("starting trading run")
	if !cfg.IsPaperTrading() {
		logger.Warn().Msg("LIVE TRADING MODE, real money at risk")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, cleanup, err := build(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return orchestrator.ExitError
	}
	defer cleanup()

	return orch.Run(ctx)
}

// build constructs the full dependency graph. Everything is explicit: no
// package-level singletons, teardown through the returned cleanup.
func build(cfg *config.Config, logger zerolog.Logger) (*orchestrator.Orchestrator, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	disk, err := marketdata.OpenDiskCache(cfg.MarketData.CachePath)
	if err != nil {
		return nil, cleanup, fmt.Errorf("disk cache: %w", err)
	}
	closers = append(closers, func() { _ = disk.Close() })

	health, err := marketdata.OpenHealthLog(cfg.MarketData.HealthLogPath)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("health log: %w", err)
	}
	closers = append(closers, func() { _ = health.Close() })

	sources := []marketdata.BarSource{
		marketdata.NewYFinanceSource("", nil),
		marketdata.NewAlpacaSource(cfg.Brokers.Alpaca, "", nil),
		marketdata.NewAlphaVantageSource(cfg.MarketData.AlphaVantage, "", nil),
	}
	provider := marketdata.NewProvider(cfg.MarketData, sources, disk, health, logger)

	brokers := map[string]broker.Broker{
		"alpaca":  broker.NewAlpacaClient(cfg.Brokers.Alpaca, "", logger),
		"tradier": broker.NewTradierClient(cfg.Brokers.Tradier, logger),
	}
	if cfg.IsPaperTrading() {
		// Paper mode replaces the live chain with the in-memory simulator.
		paper := broker.NewPaperBroker(cfg.Environment.DailyInvestment * 100)
		brokers = map[string]broker.Broker{"paper": paper}
		cfg.Brokers.Priority = []string{"paper"}
	}
	exec := executor.New(cfg.Brokers, brokers, logger)

	riskMgr := risk.NewManager(cfg.Risk, logger)
	specialists := []agents.Agent{
		agents.NewResearchAgent(llm.NewHTTPClient(cfg.LLM, logger), logger),
		agents.NewSignalAgent(logger),
		agents.NewRiskAgent(riskMgr, logger),
		agents.NewExecutionAgent(logger),
	}

	audit, err := orchestrator.OpenAuditLog(cfg.State.AuditLogPath)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("audit log: %w", err)
	}
	closers = append(closers, func() { _ = audit.Close() })

	orch := orchestrator.New(orchestrator.Deps{
		Config:      cfg,
		Store:       state.NewStore(cfg.State.Path, cfg.State.ExpiryHours, logger),
		Market:      provider,
		Specialists: specialists,
		Meta:        agents.NewMetaAgent(cfg.Agents, logger),
		Risk:        riskMgr,
		Breaker:     breaker.New(cfg.Circuit, logger),
		Executor:    exec,
		Audit:       audit,
		Logger:      logger,
	})
	return orch, cleanup, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level := logLevel(cfg.Environment.LogLevel)
	var logger zerolog.Logger
	if cfg.Environment.PrettyLogs {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func logLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
