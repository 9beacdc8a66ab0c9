package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/quantbot/internal/models"
)

// PaperBroker simulates fills in memory at the seeded quote midpoint. It backs
// paper trading mode and the executor tests; nothing leaves the process.
type PaperBroker struct {
	mu         sync.Mutex
	cash       float64
	positions  map[string]*models.Position
	quotes     map[string]Quote
	orders     map[string]models.OrderResult // every submitted order by ID
	openOrders map[string]models.OrderResult
	byClientID map[string]*models.OrderResult // idempotent replay by client order ID
	now        func() time.Time
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker starts a simulated account with the given cash balance.
func NewPaperBroker(startingCash float64) *PaperBroker {
	return &PaperBroker{
		cash:       startingCash,
		positions:  make(map[string]*models.Position),
		quotes:     make(map[string]Quote),
		orders:     make(map[string]models.OrderResult),
		openOrders: make(map[string]models.OrderResult),
		byClientID: make(map[string]*models.OrderResult),
		now:        time.Now,
	}
}

// Name implements Broker.
func (b *PaperBroker) Name() string { return "paper" }

// SupportsFractional implements Broker.
func (b *PaperBroker) SupportsFractional() bool { return true }

// SetQuote seeds the price used to fill orders for the symbol.
func (b *PaperBroker) SetQuote(symbol string, bid, ask float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: (bid + ask) / 2}
}

// GetAccount implements Broker.
func (b *PaperBroker) GetAccount(ctx context.Context) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for _, pos := range b.positions {
		price := pos.AvgEntryPrice
		if q, ok := b.quotes[pos.Symbol]; ok {
			price = q.Mid()
		}
		equity += pos.Qty * price
	}
	return &Account{Equity: equity, Cash: b.cash, BuyingPower: b.cash}, nil
}

// GetPositions implements Broker.
func (b *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		snapshot := *pos
		if q, ok := b.quotes[pos.Symbol]; ok {
			snapshot.MarkToMarket(q.Mid())
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// GetQuote implements Broker.
func (b *PaperBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("paper broker has no quote for %s", symbol)
	}
	return &q, nil
}

// SubmitOrder implements Broker. Orders fill immediately at the midpoint.
// Resubmitting the same RequestID replays the original fill.
func (b *PaperBroker) SubmitOrder(ctx context.Context, req *models.PositionRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if prior, ok := b.byClientID[req.RequestID]; ok && req.RequestID != "" {
		replay := *prior
		return &replay, nil
	}

	q, ok := b.quotes[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("paper broker has no quote for %s", req.Symbol)
	}
	price := q.Mid()
	if price <= 0 {
		return nil, fmt.Errorf("paper broker quote for %s has no price", req.Symbol)
	}

	qty := req.Qty
	if req.Notional > 0 {
		qty = req.Notional / price
	}
	signed := qty
	if req.Side == models.SideSell {
		signed = -qty
	}

	pos, ok := b.positions[req.Symbol]
	if !ok {
		pos = &models.Position{Symbol: req.Symbol, OpenedAt: b.now().UTC()}
		b.positions[req.Symbol] = pos
	}
	pos.ApplyFill(signed, price)
	if pos.Qty == 0 {
		delete(b.positions, req.Symbol)
	} else if req.StopLossPrice != nil {
		pos.StopLossPrice = req.StopLossPrice
	}
	b.cash -= signed * price

	fillPrice := price
	result := &models.OrderResult{
		ID:             uuid.NewString(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            qty,
		Status:         models.OrderStatusFilled,
		FilledAvgPrice: &fillPrice,
		Broker:         b.Name(),
		SubmittedAt:    b.now().UTC(),
	}
	if req.RequestID != "" {
		b.byClientID[req.RequestID] = result
	}
	b.orders[result.ID] = *result
	return result, nil
}

// SubmitStopOrder implements Broker. The stop rests as an open order; the
// simulation never triggers it.
func (b *PaperBroker) SubmitStopOrder(ctx context.Context, symbol string, side models.Side, qty, stopPrice float64, clientOrderID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	order := models.OrderResult{
		ID:          id,
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Status:      models.OrderStatusAccepted,
		Broker:      b.Name(),
		SubmittedAt: b.now().UTC(),
	}
	b.openOrders[id] = order
	b.orders[id] = order
	if pos, ok := b.positions[symbol]; ok {
		stop := stopPrice
		pos.StopLossPrice = &stop
	}
	return id, nil
}

// CancelOrder implements Broker.
func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.openOrders[orderID]; !ok {
		return fmt.Errorf("paper broker has no open order %s", orderID)
	}
	delete(b.openOrders, orderID)
	return nil
}

// GetOrder implements Broker.
func (b *PaperBroker) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper broker has no order %s", orderID)
	}
	snapshot := o
	return &snapshot, nil
}

// ListOpenOrders implements Broker.
func (b *PaperBroker) ListOpenOrders(ctx context.Context) ([]models.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.OrderResult, 0, len(b.openOrders))
	for _, o := range b.openOrders {
		out = append(out, o)
	}
	return out, nil
}

// HealthCheck implements Broker.
func (b *PaperBroker) HealthCheck(ctx context.Context) error { return nil }
