// Package marketdata implements the self-healing daily-bar provider: an
// ordered fallback chain of live HTTP sources wrapped by an in-memory cache
// in front and a sqlite disk cache of last resort behind.
package marketdata

import (
	"context"
	"errors"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// ErrDataUnavailable is terminal: every source in the chain was exhausted.
// The provider never silently returns a partial or empty series.
var ErrDataUnavailable = errors.New("market data unavailable")

// BarSource produces daily bars for one symbol. Implementations must return
// an error rather than a short series; row-count policy lives in the
// provider.
type BarSource interface {
	Name() models.DataSource
	FetchDailyBars(ctx context.Context, symbol string, lookbackDays int) (*models.BarSeries, error)
}
