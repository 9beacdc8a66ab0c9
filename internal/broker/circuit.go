package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

// CircuitBreakerBroker wraps a Broker with a gobreaker circuit. Consecutive
// failures open the circuit; while open every call fails fast so the executor
// moves straight to the next broker in the chain.
type CircuitBreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker decorates the broker with the configured breaker.
func NewCircuitBreakerBroker(inner Broker, cfg config.BrokerBreakerConfig, logger zerolog.Logger) *CircuitBreakerBroker {
	maxFailures := cfg.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	cooldown := time.Duration(cfg.CooldownSeconds * float64(time.Second))
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	log := logger.With().Str("broker", inner.Name()).Logger()
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1, // single probe in half-open
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit state change")
		},
	}
	return &CircuitBreakerBroker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// State exposes the breaker state for the executor's skip decision.
func (c *CircuitBreakerBroker) State() gobreaker.State { return c.breaker.State() }

// Unwrap returns the decorated broker.
func (c *CircuitBreakerBroker) Unwrap() Broker { return c.inner }

// execBreaker funnels a typed call through the circuit breaker.
func execBreaker[T any](c *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// Name implements Broker. Pass-through; reading a name cannot fail.
func (c *CircuitBreakerBroker) Name() string { return c.inner.Name() }

// SupportsFractional implements Broker.
func (c *CircuitBreakerBroker) SupportsFractional() bool { return c.inner.SupportsFractional() }

// GetAccount implements Broker.
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execBreaker(c, func() (*Account, error) {
		return c.inner.GetAccount(ctx)
	})
}

// GetPositions implements Broker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	return execBreaker(c, func() ([]models.Position, error) {
		return c.inner.GetPositions(ctx)
	})
}

// GetQuote implements Broker.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execBreaker(c, func() (*Quote, error) {
		return c.inner.GetQuote(ctx, symbol)
	})
}

// SubmitOrder implements Broker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req *models.PositionRequest) (*models.OrderResult, error) {
	return execBreaker(c, func() (*models.OrderResult, error) {
		return c.inner.SubmitOrder(ctx, req)
	})
}

// SubmitStopOrder implements Broker.
func (c *CircuitBreakerBroker) SubmitStopOrder(ctx context.Context, symbol string, side models.Side, qty, stopPrice float64, clientOrderID string) (string, error) {
	return execBreaker(c, func() (string, error) {
		return c.inner.SubmitStopOrder(ctx, symbol, side, qty, stopPrice, clientOrderID)
	})
}

// CancelOrder implements Broker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c, func() (struct{}, error) {
		return struct{}{}, c.inner.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrder implements Broker.
func (c *CircuitBreakerBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	return execBreaker(c, func() (*models.OrderResult, error) {
		return c.inner.GetOrder(ctx, orderID)
	})
}

// ListOpenOrders implements Broker.
func (c *CircuitBreakerBroker) ListOpenOrders(ctx context.Context) ([]models.OrderResult, error) {
	return execBreaker(c, func() ([]models.OrderResult, error) {
		return c.inner.ListOpenOrders(ctx)
	})
}

// HealthCheck implements Broker.
func (c *CircuitBreakerBroker) HealthCheck(ctx context.Context) error {
	_, err := execBreaker(c, func() (struct{}, error) {
		return struct{}{}, c.inner.HealthCheck(ctx)
	})
	return err
}
