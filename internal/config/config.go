// Package config provides configuration management for the trading core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when the corresponding field is unset.
const (
	defaultCacheTTLSeconds  = 6 * 60 * 60
	defaultCacheMaxAgeDays  = 7
	defaultMinRowsRatio     = 0.6
	defaultDailyLossPct     = 2.0
	defaultMaxConsecLosses  = 3
	defaultMaxAPIErrors     = 5
	defaultBasePct          = 1.0
	defaultKellySafety      = 0.25
	defaultTargetVol        = 0.15
	defaultMaxSymbolPct     = 10.0
	defaultATRStopMult      = 2.0
	defaultTakeProfitPct    = 8.0
	defaultMaxHoldDays      = 30
	defaultStalePenalty     = 0.30
	defaultBuyThreshold     = 0.35
	defaultRegimeWindow     = 30
	defaultSpecialistTOSecs = 10
	defaultRunDeadlineSecs  = 300
	defaultStateExpiryHours = 72
	defaultEpsilon          = 0.1
	defaultAlpha            = 0.1
	defaultGamma            = 0.95
	defaultOverrideMargin   = 0.25
)

// Config represents the complete application configuration.
type Config struct {
	Environment  EnvironmentConfig  `yaml:"environment"`
	Watchlist    []string           `yaml:"watchlist"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	MarketData   MarketDataConfig   `yaml:"market_data"`
	Brokers      BrokersConfig      `yaml:"brokers"`
	Circuit      CircuitConfig      `yaml:"circuit"`
	Risk         RiskConfig         `yaml:"risk"`
	Agents       AgentsConfig       `yaml:"agents"`
	LLM          LLMConfig          `yaml:"llm"`
	State        StateConfig        `yaml:"state"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode            string  `yaml:"mode"`      // paper | live
	LogLevel        string  `yaml:"log_level"` // debug | info | warn | error
	PrettyLogs      bool    `yaml:"pretty_logs"`
	DailyInvestment float64 `yaml:"daily_investment"` // dollars deployed per run across candidates
}

// ScheduleConfig defines the trading calendar window. The scheduler that
// triggers a run is external; this only answers "is it a session right now".
type ScheduleConfig struct {
	Timezone     string `yaml:"timezone"`      // e.g. "America/New_York"
	TradingStart string `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string `yaml:"trading_end"`   // "HH:MM"
}

// SourceRetryConfig configures retries for one live market-data source.
type SourceRetryConfig struct {
	MaxRetries            int     `yaml:"max_retries"`
	InitialBackoffSeconds float64 `yaml:"initial_backoff_seconds"`
}

// AlphaVantageConfig adds the minimum inter-call interval the tertiary
// source enforces on top of normal retries.
type AlphaVantageConfig struct {
	APIKey             string  `yaml:"api_key"`
	MaxRetries         int     `yaml:"max_retries"`
	BackoffSeconds     float64 `yaml:"backoff_seconds"`
	MinIntervalSeconds float64 `yaml:"min_interval_seconds"`
}

// MarketDataConfig defines the provider fallback chain and caches.
type MarketDataConfig struct {
	CacheTTLSeconds int                `yaml:"cache_ttl_seconds"`
	CacheMaxAgeDays int                `yaml:"cache_max_age_days"`
	CachePath       string             `yaml:"cache_path"` // sqlite disk cache
	HealthLogPath   string             `yaml:"health_log_path"`
	MinRowsRatio    float64            `yaml:"min_rows_ratio"`
	YFinance        SourceRetryConfig  `yaml:"yfinance"`
	Alpaca          SourceRetryConfig  `yaml:"alpaca"`
	AlphaVantage    AlphaVantageConfig `yaml:"alphavantage"`
}

// BrokerEndpointConfig holds per-broker API settings.
type BrokerEndpointConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	AccountID string `yaml:"account_id"`
	Endpoint  string `yaml:"endpoint"`
}

// BrokerBreakerConfig configures the per-broker circuit breakers.
type BrokerBreakerConfig struct {
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	CooldownSeconds        float64 `yaml:"cooldown_seconds"`
}

// BrokersConfig defines the failover chain.
type BrokersConfig struct {
	FailoverEnabled bool                 `yaml:"failover_enabled"`
	Priority        []string             `yaml:"priority"` // e.g. [alpaca, tradier]
	Alpaca          BrokerEndpointConfig `yaml:"alpaca"`
	Tradier         BrokerEndpointConfig `yaml:"tradier"`
	Breaker         BrokerBreakerConfig  `yaml:"breaker"`
}

// CircuitConfig defines the portfolio-level circuit breaker thresholds.
type CircuitConfig struct {
	DailyLossPct    float64 `yaml:"daily_loss_pct"`
	MaxConsecLosses int     `yaml:"max_consec_losses"`
	MaxAPIErrors    int     `yaml:"max_api_errors"`
	CooldownSeconds float64 `yaml:"cooldown_seconds"`
}

// RiskConfig defines position sizing parameters.
type RiskConfig struct {
	BasePct                float64 `yaml:"base_pct"`       // % of equity per trade before caps
	KellySafety            float64 `yaml:"kelly_safety"`   // [0.25, 0.5]
	TargetVol              float64 `yaml:"target_vol"`     // annualized
	MaxSymbolPct           float64 `yaml:"max_symbol_pct"` // per-symbol concentration cap
	ATRStopMult            float64 `yaml:"atr_stop_mult"`
	TakeProfitPct          float64 `yaml:"take_profit_pct"`
	MaxHoldDays            int     `yaml:"max_hold_days"`
	VetoStaleData          bool    `yaml:"veto_stale_data"`
	StaleConfidencePenalty float64 `yaml:"stale_confidence_penalty"`
}

// RLConfig defines the tabular Q-learning filter.
type RLConfig struct {
	Epsilon        float64 `yaml:"epsilon"`
	Alpha          float64 `yaml:"alpha"`
	Gamma          float64 `yaml:"gamma"`
	OverrideMargin float64 `yaml:"override_margin"` // min Q advantage to override
}

// AgentsConfig defines the decision pipeline parameters.
type AgentsConfig struct {
	SpecialistTimeoutSeconds float64  `yaml:"specialist_timeout_seconds"`
	BuyThreshold             float64  `yaml:"buy_threshold"`
	RegimeWindow             int      `yaml:"regime_window"`
	RL                       RLConfig `yaml:"rl"`
}

// LLMConfig defines the narrow LLM interface used by the research agent.
type LLMConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// StateConfig defines durable state settings.
type StateConfig struct {
	Path         string  `yaml:"path"`
	ExpiryHours  float64 `yaml:"expiry_hours"`
	AuditLogPath string  `yaml:"audit_log_path"`
}

// OrchestratorConfig bounds a single pipeline invocation.
type OrchestratorConfig struct {
	MaxWorkers         int     `yaml:"max_workers"` // 0 = min(8, NumCPU)
	RunDeadlineSeconds float64 `yaml:"run_deadline_seconds"`
	SmokeSymbol        string  `yaml:"smoke_symbol"`
	MinFreeCash        float64 `yaml:"min_free_cash"`
	LookbackDays       int     `yaml:"lookback_days"`
}

// Load reads, env-expands, env-overrides, normalizes and validates the
// configuration file at the given path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand ${VAR} references before parsing
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyEnvOverrides()
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets well-known environment variables win over the file.
func (c *Config) applyEnvOverrides() {
	envFloat("DAILY_INVESTMENT", &c.Environment.DailyInvestment)
	envBool("PAPER_TRADING", func(v bool) {
		if v {
			c.Environment.Mode = "paper"
		} else {
			c.Environment.Mode = "live"
		}
	})
	envBool("ENABLE_BROKER_FAILOVER", func(v bool) { c.Brokers.FailoverEnabled = v })

	envInt("YFINANCE_MAX_RETRIES", &c.MarketData.YFinance.MaxRetries)
	envFloat("YFINANCE_INITIAL_BACKOFF_SECONDS", &c.MarketData.YFinance.InitialBackoffSeconds)
	envInt("ALPACA_MAX_RETRIES", &c.MarketData.Alpaca.MaxRetries)
	envFloat("ALPACA_INITIAL_BACKOFF_SECONDS", &c.MarketData.Alpaca.InitialBackoffSeconds)
	envInt("ALPHAVANTAGE_MAX_RETRIES", &c.MarketData.AlphaVantage.MaxRetries)
	envFloat("ALPHAVANTAGE_BACKOFF_SECONDS", &c.MarketData.AlphaVantage.BackoffSeconds)
	envFloat("ALPHAVANTAGE_MIN_INTERVAL_SECONDS", &c.MarketData.AlphaVantage.MinIntervalSeconds)
	envInt("CACHE_TTL_SECONDS", &c.MarketData.CacheTTLSeconds)
	envInt("CACHE_MAX_AGE_DAYS", &c.MarketData.CacheMaxAgeDays)

	envFloat("CIRCUIT_DAILY_LOSS_PCT", &c.Circuit.DailyLossPct)
	envInt("CIRCUIT_MAX_CONSEC_LOSSES", &c.Circuit.MaxConsecLosses)
	envInt("CIRCUIT_MAX_API_ERRORS", &c.Circuit.MaxAPIErrors)

	envFloat("RISK_BASE_PCT", &c.Risk.BasePct)
	envFloat("RISK_KELLY_SAFETY", &c.Risk.KellySafety)
	envBool("RISK_VETO_STALE_DATA", func(v bool) { c.Risk.VetoStaleData = v })

	envFloat("STATE_EXPIRY_HOURS", &c.State.ExpiryHours)
}

func envFloat(key string, dst *float64) {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func envInt(key string, dst *int) {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envBool(key string, set func(bool)) {
	if raw, ok := os.LookupEnv(key); ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			set(v)
		}
	}
}

// normalize fills defaults for unset fields.
func (c *Config) normalize() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "16:00"
	}
	if c.MarketData.CacheTTLSeconds == 0 {
		c.MarketData.CacheTTLSeconds = defaultCacheTTLSeconds
	}
	if c.MarketData.CacheMaxAgeDays == 0 {
		c.MarketData.CacheMaxAgeDays = defaultCacheMaxAgeDays
	}
	if c.MarketData.MinRowsRatio == 0 {
		c.MarketData.MinRowsRatio = defaultMinRowsRatio
	}
	if c.MarketData.YFinance.MaxRetries == 0 {
		c.MarketData.YFinance.MaxRetries = 3
	}
	if c.MarketData.YFinance.InitialBackoffSeconds == 0 {
		c.MarketData.YFinance.InitialBackoffSeconds = 1
	}
	if c.MarketData.Alpaca.MaxRetries == 0 {
		c.MarketData.Alpaca.MaxRetries = 3
	}
	if c.MarketData.Alpaca.InitialBackoffSeconds == 0 {
		c.MarketData.Alpaca.InitialBackoffSeconds = 1
	}
	if c.MarketData.AlphaVantage.MaxRetries == 0 {
		c.MarketData.AlphaVantage.MaxRetries = 2
	}
	if c.MarketData.AlphaVantage.BackoffSeconds == 0 {
		c.MarketData.AlphaVantage.BackoffSeconds = 5
	}
	if c.MarketData.AlphaVantage.MinIntervalSeconds == 0 {
		c.MarketData.AlphaVantage.MinIntervalSeconds = 15
	}
	if c.MarketData.CachePath == "" {
		c.MarketData.CachePath = "data/bars.db"
	}
	if c.MarketData.HealthLogPath == "" {
		c.MarketData.HealthLogPath = "data/marketdata_health.jsonl"
	}
	if len(c.Brokers.Priority) == 0 {
		c.Brokers.Priority = []string{"alpaca", "tradier"}
	}
	if c.Brokers.Breaker.MaxConsecutiveFailures == 0 {
		c.Brokers.Breaker.MaxConsecutiveFailures = 3
	}
	if c.Brokers.Breaker.CooldownSeconds == 0 {
		c.Brokers.Breaker.CooldownSeconds = 30
	}
	if c.Circuit.DailyLossPct == 0 {
		c.Circuit.DailyLossPct = defaultDailyLossPct
	}
	if c.Circuit.MaxConsecLosses == 0 {
		c.Circuit.MaxConsecLosses = defaultMaxConsecLosses
	}
	if c.Circuit.MaxAPIErrors == 0 {
		c.Circuit.MaxAPIErrors = defaultMaxAPIErrors
	}
	if c.Circuit.CooldownSeconds == 0 {
		c.Circuit.CooldownSeconds = 3600
	}
	if c.Risk.BasePct == 0 {
		c.Risk.BasePct = defaultBasePct
	}
	if c.Risk.KellySafety == 0 {
		c.Risk.KellySafety = defaultKellySafety
	}
	if c.Risk.TargetVol == 0 {
		c.Risk.TargetVol = defaultTargetVol
	}
	if c.Risk.MaxSymbolPct == 0 {
		c.Risk.MaxSymbolPct = defaultMaxSymbolPct
	}
	if c.Risk.ATRStopMult == 0 {
		c.Risk.ATRStopMult = defaultATRStopMult
	}
	if c.Risk.TakeProfitPct == 0 {
		c.Risk.TakeProfitPct = defaultTakeProfitPct
	}
	if c.Risk.MaxHoldDays == 0 {
		c.Risk.MaxHoldDays = defaultMaxHoldDays
	}
	if c.Risk.StaleConfidencePenalty == 0 {
		c.Risk.StaleConfidencePenalty = defaultStalePenalty
	}
	if c.Agents.SpecialistTimeoutSeconds == 0 {
		c.Agents.SpecialistTimeoutSeconds = defaultSpecialistTOSecs
	}
	if c.Agents.BuyThreshold == 0 {
		c.Agents.BuyThreshold = defaultBuyThreshold
	}
	if c.Agents.RegimeWindow == 0 {
		c.Agents.RegimeWindow = defaultRegimeWindow
	}
	if c.Agents.RL.Epsilon == 0 {
		c.Agents.RL.Epsilon = defaultEpsilon
	}
	if c.Agents.RL.Alpha == 0 {
		c.Agents.RL.Alpha = defaultAlpha
	}
	if c.Agents.RL.Gamma == 0 {
		c.Agents.RL.Gamma = defaultGamma
	}
	if c.Agents.RL.OverrideMargin == 0 {
		c.Agents.RL.OverrideMargin = defaultOverrideMargin
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 10
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 512
	}
	if c.State.Path == "" {
		c.State.Path = "data/state.json"
	}
	if c.State.ExpiryHours == 0 {
		c.State.ExpiryHours = defaultStateExpiryHours
	}
	if c.State.AuditLogPath == "" {
		c.State.AuditLogPath = "data/audit.jsonl"
	}
	if c.Orchestrator.RunDeadlineSeconds == 0 {
		c.Orchestrator.RunDeadlineSeconds = defaultRunDeadlineSecs
	}
	if c.Orchestrator.SmokeSymbol == "" {
		c.Orchestrator.SmokeSymbol = "SPY"
	}
	if c.Orchestrator.LookbackDays == 0 {
		c.Orchestrator.LookbackDays = 60
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must contain at least one symbol")
	}
	if c.Environment.DailyInvestment < 0 {
		return fmt.Errorf("environment.daily_investment must be >= 0")
	}

	if c.MarketData.MinRowsRatio <= 0 || c.MarketData.MinRowsRatio > 1 {
		return fmt.Errorf("market_data.min_rows_ratio must be in (0,1]")
	}
	if c.MarketData.CacheTTLSeconds <= 0 {
		return fmt.Errorf("market_data.cache_ttl_seconds must be > 0")
	}
	if c.MarketData.CacheMaxAgeDays <= 0 {
		return fmt.Errorf("market_data.cache_max_age_days must be > 0")
	}

	for _, name := range c.Brokers.Priority {
		if name != "alpaca" && name != "tradier" && name != "paper" {
			return fmt.Errorf("brokers.priority: unknown broker %q", name)
		}
	}

	if c.Circuit.DailyLossPct <= 0 {
		return fmt.Errorf("circuit.daily_loss_pct must be > 0")
	}
	if c.Circuit.MaxConsecLosses <= 0 {
		return fmt.Errorf("circuit.max_consec_losses must be > 0")
	}
	if c.Circuit.MaxAPIErrors <= 0 {
		return fmt.Errorf("circuit.max_api_errors must be > 0")
	}

	if c.Risk.BasePct <= 0 || c.Risk.BasePct > 100 {
		return fmt.Errorf("risk.base_pct must be in (0,100]")
	}
	if c.Risk.KellySafety < 0.25 || c.Risk.KellySafety > 0.5 {
		return fmt.Errorf("risk.kelly_safety must be in [0.25,0.5]")
	}
	if c.Risk.MaxSymbolPct <= 0 || c.Risk.MaxSymbolPct > 100 {
		return fmt.Errorf("risk.max_symbol_pct must be in (0,100]")
	}
	if c.Risk.ATRStopMult <= 0 {
		return fmt.Errorf("risk.atr_stop_mult must be > 0")
	}

	if c.Agents.BuyThreshold <= 0 || c.Agents.BuyThreshold >= 1 {
		return fmt.Errorf("agents.buy_threshold must be in (0,1)")
	}
	if c.Agents.RegimeWindow < 10 {
		return fmt.Errorf("agents.regime_window must be >= 10")
	}
	if c.Agents.RL.Epsilon < 0 || c.Agents.RL.Epsilon > 1 {
		return fmt.Errorf("agents.rl.epsilon must be in [0,1]")
	}
	if c.Agents.RL.Alpha <= 0 || c.Agents.RL.Alpha > 1 {
		return fmt.Errorf("agents.rl.alpha must be in (0,1]")
	}
	if c.Agents.RL.Gamma < 0 || c.Agents.RL.Gamma >= 1 {
		return fmt.Errorf("agents.rl.gamma must be in [0,1)")
	}

	if c.State.ExpiryHours <= 0 {
		return fmt.Errorf("state.expiry_hours must be > 0")
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// CacheTTL returns the in-memory cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.MarketData.CacheTTLSeconds) * time.Second
}

// SpecialistTimeout returns the per-specialist analysis deadline.
func (c *Config) SpecialistTimeout() time.Duration {
	return time.Duration(c.Agents.SpecialistTimeoutSeconds * float64(time.Second))
}

// RunDeadline returns the total wall-time budget for one invocation.
func (c *Config) RunDeadline() time.Duration {
	return time.Duration(c.Orchestrator.RunDeadlineSeconds * float64(time.Second))
}

// SessionPhase classifies where the given time falls in the trading day.
// Returned values: "pre_market", "open_auction", "midday", "close_auction",
// "after_hours".
func (c *Config) SessionPhase(now time.Time) string {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		loc = time.FixedZone("ET", -5*60*60)
	}
	today := now.In(loc)

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	switch {
	case today.Before(start):
		return "pre_market"
	case today.Before(start.Add(30 * time.Minute)):
		return "open_auction"
	case today.Before(end.Add(-30 * time.Minute)):
		return "midday"
	case today.Before(end):
		return "close_auction"
	default:
		return "after_hours"
	}
}

// IsWithinTradingHours checks if the given time falls within configured
// trading hours on a weekday.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		if fallbackLoc, err2 := time.LoadLocation("America/New_York"); err2 == nil {
			loc = fallbackLoc
		} else {
			loc = time.FixedZone("ET", -5*60*60)
		}
	}
	today := now.In(loc)

	// Only Monday-Friday
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	phase := c.SessionPhase(now)
	return phase != "pre_market" && phase != "after_hours"
}
