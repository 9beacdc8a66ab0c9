package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// SymbolAudit is one pipeline pass over one symbol: what was decided and
// what, if anything, was done about it.
type SymbolAudit struct {
	Symbol         string
	Regime         models.Regime
	Action         models.Action
	Confidence     float64
	OverrideSource string
	DataSource     models.DataSource
	CacheAgeHours  *float64
	SkipReason     string // set when the symbol never reached a decision
	VetoReason     string // set when a decision was made but not executed
	OrderID        string
	Broker         string
	Notional       float64
	Error          string
}

// RunSummary is the one-line record closing out an invocation.
type RunSummary struct {
	ExitCode         int
	SymbolsProcessed int
	SymbolsSkipped   int
	TradesSubmitted  int
	PositionsClosed  int
	BreakerStatus    models.BreakerStatus
	BreakerTier      string
	Halted           bool
	Error            string
	DurationMS       int64
}

// AuditLog appends JSON-lines decision records. Every symbol pass and every
// run writes exactly one line; nothing is dropped on error paths.
type AuditLog struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// OpenAuditLog opens (or creates) the append-only audit trail. An empty path
// disables it.
func OpenAuditLog(path string) (*AuditLog, error) {
	if path == "" {
		return &AuditLog{logger: zerolog.Nop()}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &AuditLog{
		file:   f,
		logger: zerolog.New(f).With().Timestamp().Logger(),
	}, nil
}

// Close closes the backing file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}

// Symbol writes one per-symbol decision record.
func (a *AuditLog) Symbol(rec *SymbolAudit) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev := a.logger.Log().
		Str("record", "symbol").
		Str("symbol", rec.Symbol).
		Time("at", time.Now().UTC())
	if rec.Regime != "" {
		ev = ev.Str("regime", string(rec.Regime))
	}
	if rec.Action != "" {
		ev = ev.Str("action", string(rec.Action)).Float64("confidence", rec.Confidence)
	}
	if rec.OverrideSource != "" {
		ev = ev.Str("override_source", rec.OverrideSource)
	}
	if rec.DataSource != "" {
		ev = ev.Str("data_source", string(rec.DataSource))
	}
	if rec.CacheAgeHours != nil {
		ev = ev.Float64("cache_age_hours", *rec.CacheAgeHours)
	}
	if rec.SkipReason != "" {
		ev = ev.Str("skip_reason", rec.SkipReason)
	}
	if rec.VetoReason != "" {
		ev = ev.Str("veto_reason", rec.VetoReason)
	}
	if rec.OrderID != "" {
		ev = ev.Str("order_id", rec.OrderID).Str("broker", rec.Broker).Float64("notional", rec.Notional)
	}
	if rec.Error != "" {
		ev = ev.Str("error", rec.Error)
	}
	ev.Msg("symbol decision")
}

// Run writes the run summary record.
func (a *AuditLog) Run(sum *RunSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev := a.logger.Log().
		Str("record", "run").
		Time("at", time.Now().UTC()).
		Int("exit_code", sum.ExitCode).
		Int("symbols_processed", sum.SymbolsProcessed).
		Int("symbols_skipped", sum.SymbolsSkipped).
		Int("trades_submitted", sum.TradesSubmitted).
		Int("positions_closed", sum.PositionsClosed).
		Int64("duration_ms", sum.DurationMS)
	if sum.BreakerStatus != "" {
		ev = ev.Str("breaker_status", string(sum.BreakerStatus)).Str("breaker_tier", sum.BreakerTier)
	}
	if sum.Halted {
		ev = ev.Bool("halted", true)
	}
	if sum.Error != "" {
		ev = ev.Str("error", sum.Error)
	}
	ev.Msg("run complete")
}
