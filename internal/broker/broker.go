// Package broker defines the brokerage interface the executor trades
// through, plus the concrete adapters: Alpaca-style primary, Tradier-style
// backup and an in-memory paper broker.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// Account is the subset of account state the pipeline needs.
type Account struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// Quote is a top-of-book snapshot for one symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// Mid returns the bid/ask midpoint, falling back to the last trade.
func (q *Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// SpreadPct returns the bid/ask spread as a percentage of the midpoint.
func (q *Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 || q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 100
}

// Broker is the capability set every adapter must provide. All operations
// take a context; adapters must propagate it to the underlying HTTP calls.
type Broker interface {
	Name() string

	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	// SubmitOrder places the request, carrying req.RequestID as the broker's
	// client order ID so a retry across brokers cannot double-fill.
	SubmitOrder(ctx context.Context, req *models.PositionRequest) (*models.OrderResult, error)
	// SubmitStopOrder places a protective stop for an existing position and
	// returns the broker order ID.
	SubmitStopOrder(ctx context.Context, symbol string, side models.Side, qty, stopPrice float64, clientOrderID string) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	// GetOrder fetches the current status of a previously submitted order,
	// used to poll a live order to fill before attaching its stop.
	GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error)
	ListOpenOrders(ctx context.Context) ([]models.OrderResult, error)

	// HealthCheck verifies the broker is reachable and authenticated.
	HealthCheck(ctx context.Context) error

	// SupportsFractional reports whether notional (dollar) orders are
	// accepted; otherwise the executor rounds down to whole shares.
	SupportsFractional() bool
}

// APIError is a structured brokerage API failure.
type APIError struct {
	Broker  string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Broker, e.Status, e.Message)
}

// IsPermanentAPIError reports a 4xx failure that retrying or failing over
// cannot fix (429 excepted; that is a rate limit).
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}
