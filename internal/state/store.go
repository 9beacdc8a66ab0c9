// Package state persists the system's durable record (portfolio snapshot,
// positions, closed trades, learned parameters) as a single JSON file and
// enforces staleness rules on load.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// Staleness classification boundaries. The expired threshold is
// configurable; the fresh/aging/stale boundaries are fixed.
const (
	freshMaxAge = 24 * time.Hour
	agingMaxAge = 48 * time.Hour

	confidenceFresh   = 0.95
	confidenceAging   = 0.70
	confidenceStale   = 0.30
	confidenceExpired = 0.05
)

// Store is the single writer of SystemState. All mutation flows through
// Save, serialized by a process-local mutex; cross-process coordination is
// out of scope (one orchestrator runs at a time).
type Store struct {
	mu     sync.Mutex
	path   string
	expiry time.Duration
	logger zerolog.Logger

	// lastSaved enforces strictly increasing last_updated_utc across saves.
	lastSaved time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a store for the given file path. expiryHours bounds how
// old persisted state may be before Load refuses it.
func NewStore(path string, expiryHours float64, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		expiry: time.Duration(expiryHours * float64(time.Hour)),
		logger: logger.With().Str("component", "state_store").Logger(),
		now:    time.Now,
	}
}

// Load reads the state file, classifies its age, and populates the
// staleness metadata. State at or beyond the expiry threshold returns
// ErrStateExpired and leaves the file untouched. A missing file yields a
// fresh empty state so a first run can bootstrap.
func (s *Store) Load() (*models.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info().Str("path", s.path).Msg("no state file, starting from empty state")
		now := s.now().UTC()
		return &models.SystemState{
			Positions:      []models.Position{},
			ClosedTrades:   []models.ClosedTrade{},
			Breaker:        models.BreakerState{Status: models.BreakerClosed},
			LastUpdatedUTC: now,
			Meta: &models.StalenessMeta{
				StalenessStatus: models.StalenessFresh,
				Confidence:      confidenceFresh,
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var st models.SystemState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}

	age := s.now().UTC().Sub(st.LastUpdatedUTC.UTC())
	status, confidence := s.classify(age)
	st.Meta = &models.StalenessMeta{
		StalenessHours:  age.Hours(),
		StalenessStatus: status,
		Confidence:      confidence,
	}

	switch status {
	case models.StalenessAging:
		s.logger.Warn().Float64("age_hours", age.Hours()).Msg("state is aging; confidence reduced")
	case models.StalenessStale:
		s.logger.Warn().Float64("age_hours", age.Hours()).
			Msg("STATE IS STALE; trading on low-confidence data")
	case models.StalenessExpired:
		s.logger.Error().Float64("age_hours", age.Hours()).
			Float64("expiry_hours", s.expiry.Hours()).
			Msg("state expired; refusing to load")
		return nil, fmt.Errorf("state age %.1fh >= expiry %.1fh: %w",
			age.Hours(), s.expiry.Hours(), ErrStateExpired)
	}

	s.lastSaved = st.LastUpdatedUTC
	return &st, nil
}

func (s *Store) classify(age time.Duration) (models.StalenessStatus, float64) {
	switch {
	case age >= s.expiry:
		return models.StalenessExpired, confidenceExpired
	case age >= agingMaxAge:
		return models.StalenessStale, confidenceStale
	case age >= freshMaxAge:
		return models.StalenessAging, confidenceAging
	default:
		return models.StalenessFresh, confidenceFresh
	}
}

// Save writes the state atomically: temp file, fsync, rename. Staleness
// metadata is cleared and last_updated_utc is bumped to now, strictly
// greater than any previous save.
func (s *Store) Save(st *models.SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if !now.After(s.lastSaved) {
		now = s.lastSaved.Add(time.Millisecond)
	}
	st.LastUpdatedUTC = now
	st.Meta = nil

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	// A crash before this point leaves the previous state intact.
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}

	s.lastSaved = now
	s.logger.Debug().Time("last_updated_utc", now).Msg("state saved")
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
