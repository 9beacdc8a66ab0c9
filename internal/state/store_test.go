package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/quantbot/internal/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	return NewStore(path, 72, zerolog.Nop()), path
}

func seedStateFile(t *testing.T, path string, lastUpdated time.Time) {
	t.Helper()
	st := models.SystemState{
		Portfolio:      models.PortfolioSnapshot{Equity: 100000, Cash: 50000},
		Positions:      []models.Position{},
		ClosedTrades:   []models.ClosedTrade{},
		Breaker:        models.BreakerState{Status: models.BreakerClosed},
		LastUpdatedUTC: lastUpdated,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoad_MissingFileBootstraps(t *testing.T) {
	store, _ := newTestStore(t)

	st, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, st.Meta)
	assert.Equal(t, models.StalenessFresh, st.Meta.StalenessStatus)
	assert.Equal(t, models.BreakerClosed, st.Breaker.Status)
}

func TestLoad_StalenessClassification(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantStatus models.StalenessStatus
		wantConf   float64
	}{
		{"fresh", 1 * time.Hour, models.StalenessFresh, 0.95},
		{"aging", 30 * time.Hour, models.StalenessAging, 0.70},
		{"stale", 60 * time.Hour, models.StalenessStale, 0.30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, path := newTestStore(t)
			seedStateFile(t, path, time.Now().UTC().Add(-tt.age))

			st, err := store.Load()
			require.NoError(t, err)
			require.NotNil(t, st.Meta)
			assert.Equal(t, tt.wantStatus, st.Meta.StalenessStatus)
			assert.InDelta(t, tt.wantConf, st.Meta.Confidence, 1e-9)
			assert.InDelta(t, tt.age.Hours(), st.Meta.StalenessHours, 0.1)
		})
	}
}

func TestLoad_ExpiredRefusesAndLeavesFileUntouched(t *testing.T) {
	store, path := newTestStore(t)
	seedStateFile(t, path, time.Now().UTC().Add(-4*24*time.Hour))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateExpired)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "expired load must not modify the file")
}

func TestLoad_CustomExpiryHours(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path, 24, zerolog.Nop())
	seedStateFile(t, path, time.Now().UTC().Add(-30*time.Hour))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrStateExpired)
}

func TestSaveLoad_RoundTripIsFresh(t *testing.T) {
	store, _ := newTestStore(t)

	st, err := store.Load()
	require.NoError(t, err)
	st.Portfolio.Equity = 123456

	require.NoError(t, store.Save(st))
	assert.Nil(t, st.Meta, "save clears staleness metadata")

	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.InDelta(t, 123456, reloaded.Portfolio.Equity, 1e-9)
	require.NotNil(t, reloaded.Meta)
	assert.Equal(t, models.StalenessFresh, reloaded.Meta.StalenessStatus)
	assert.GreaterOrEqual(t, reloaded.Meta.Confidence, 0.9)
}

func TestSave_LastUpdatedStrictlyIncreases(t *testing.T) {
	store, _ := newTestStore(t)

	// Freeze the clock so consecutive saves collide without the guard.
	frozen := time.Now().UTC()
	store.now = func() time.Time { return frozen }

	st := &models.SystemState{}
	var stamps []time.Time
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save(st))
		stamps = append(stamps, st.LastUpdatedUTC)
	}
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]),
			"save %d (%v) must be after save %d (%v)", i, stamps[i], i-1, stamps[i-1])
	}
}

func TestSave_PersistsQTableAndBreaker(t *testing.T) {
	store, _ := newTestStore(t)

	st := &models.SystemState{
		Breaker: models.BreakerState{Status: models.BreakerOpen, Reason: "consecutive_losses"},
		LearnedParams: models.LearnedParams{
			QTable: map[string]map[models.Action]float64{
				"LOW_VOL|5|+|up": {models.ActionBuy: 0.4, models.ActionHold: 0.1},
			},
		},
	}
	require.NoError(t, store.Save(st))

	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.BreakerOpen, reloaded.Breaker.Status)
	assert.Equal(t, "consecutive_losses", reloaded.Breaker.Reason)
	assert.InDelta(t, 0.4, reloaded.LearnedParams.QTable["LOW_VOL|5|+|up"][models.ActionBuy], 1e-9)
}
