package marketdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// HealthLog appends one JSON record per provider call to a file. It is
// write-only from the provider's point of view; rotation is the operator's
// job.
type HealthLog struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// OpenHealthLog opens (or creates) the append-only health log. An empty path
// disables logging; Record becomes a no-op.
func OpenHealthLog(path string) (*HealthLog, error) {
	if path == "" {
		return &HealthLog{logger: zerolog.Nop()}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating health log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening health log: %w", err)
	}
	return &HealthLog{
		file:   f,
		logger: zerolog.New(f).With().Timestamp().Logger(),
	}, nil
}

// Close flushes and closes the backing file.
func (h *HealthLog) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}

// Record writes one JSON line describing a completed provider call.
func (h *HealthLog) Record(symbol string, result *models.MarketDataResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev := h.logger.Log().
		Str("symbol", symbol).
		Time("at", time.Now().UTC())
	if err != nil {
		ev = ev.Bool("success", false).Str("error", err.Error())
	} else {
		ev = ev.Bool("success", true).
			Str("source", string(result.Source)).
			Int("rows", result.Series.Len()).
			Int64("total_latency_ms", result.TotalLatencyMS)
		if result.CacheAgeHours != nil {
			ev = ev.Float64("cache_age_hours", *result.CacheAgeHours)
		}
	}
	if result != nil {
		ev = ev.Interface("attempts", result.Attempts)
	}
	ev.Msg("market data fetch")
}
