package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

const tradierSandboxURL = "https://sandbox.tradier.com/v1"

// TradierClient is the backup adapter. Tradier takes whole-share equity
// orders only; the executor converts notional requests before they get here.
type TradierClient struct {
	name      string
	baseURL   string
	apiKey    string
	accountID string
	http      *http.Client
	logger    zerolog.Logger
}

var _ Broker = (*TradierClient)(nil)

// NewTradierClient builds the adapter. An empty endpoint defaults to the
// sandbox host.
func NewTradierClient(cfg config.BrokerEndpointConfig, logger zerolog.Logger) *TradierClient {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = tradierSandboxURL
	}
	return &TradierClient{
		name:      "tradier",
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		accountID: cfg.AccountID,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    logger.With().Str("broker", "tradier").Logger(),
	}
}

// Name implements Broker.
func (t *TradierClient) Name() string { return t.name }

// SupportsFractional implements Broker.
func (t *TradierClient) SupportsFractional() bool { return false }

// doForm performs a request with form-encoded parameters the way the
// Tradier API expects, decoding the JSON response into out.
func (t *TradierClient) doForm(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	endpoint := t.baseURL + path
	if form != nil {
		if method == http.MethodGet {
			endpoint += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("building tradier request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("tradier %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Broker: "tradier", Status: resp.StatusCode, Message: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding tradier response: %w", err)
	}
	return nil
}

type tradierBalances struct {
	Balances struct {
		TotalEquity float64 `json:"total_equity"`
		TotalCash   float64 `json:"total_cash"`
		StockBP     float64 `json:"stock_buying_power"`
	} `json:"balances"`
}

// GetAccount implements Broker.
func (t *TradierClient) GetAccount(ctx context.Context) (*Account, error) {
	var raw tradierBalances
	if err := t.doForm(ctx, http.MethodGet, "/accounts/"+t.accountID+"/balances", nil, &raw); err != nil {
		return nil, err
	}
	return &Account{
		Equity:      raw.Balances.TotalEquity,
		Cash:        raw.Balances.TotalCash,
		BuyingPower: raw.Balances.StockBP,
	}, nil
}

// oneOrMany tolerates Tradier's habit of returning a bare object for a
// single element and an array for several.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, (*[]T)(o))
	}
	var single T
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*o = []T{single}
	return nil
}

// isNullSection reports the "null" sentinel Tradier substitutes for an
// empty positions or orders block.
func isNullSection(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return len(raw) == 0 || s == "null" || s == `"null"`
}

type tradierPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

// GetPositions implements Broker.
func (t *TradierClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	var raw struct {
		Positions json.RawMessage `json:"positions"`
	}
	if err := t.doForm(ctx, http.MethodGet, "/accounts/"+t.accountID+"/positions", nil, &raw); err != nil {
		return nil, err
	}
	if isNullSection(raw.Positions) {
		return nil, nil
	}
	var wrapper struct {
		Position oneOrMany[tradierPosition] `json:"position"`
	}
	if err := json.Unmarshal(raw.Positions, &wrapper); err != nil {
		return nil, fmt.Errorf("decoding tradier positions: %w", err)
	}

	out := make([]models.Position, 0, len(wrapper.Position))
	for _, p := range wrapper.Position {
		pos := models.Position{Symbol: p.Symbol, Qty: p.Quantity}
		if p.Quantity != 0 {
			pos.AvgEntryPrice = p.CostBasis / p.Quantity
		}
		if opened, err := time.Parse(time.RFC3339, p.DateAcquired); err == nil {
			pos.OpenedAt = opened
		}
		out = append(out, pos)
	}
	return out, nil
}

type tradierQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// GetQuote implements Broker.
func (t *TradierClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	form := url.Values{}
	form.Set("symbols", symbol)
	var raw struct {
		Quotes struct {
			Quote oneOrMany[tradierQuote] `json:"quote"`
		} `json:"quotes"`
	}
	if err := t.doForm(ctx, http.MethodGet, "/markets/quotes", form, &raw); err != nil {
		return nil, err
	}
	if len(raw.Quotes.Quote) == 0 {
		return nil, fmt.Errorf("tradier returned no quote for %s", symbol)
	}
	q := raw.Quotes.Quote[0]
	return &Quote{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Last: q.Last}, nil
}

type tradierOrderAck struct {
	Order struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

// SubmitOrder implements Broker. Requests must arrive with a whole-share Qty;
// Tradier has no notional order type.
func (t *TradierClient) SubmitOrder(ctx context.Context, req *models.PositionRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("tradier requires a whole-share qty for %s (got notional %.2f)", req.Symbol, req.Notional)
	}
	if req.Qty != float64(int64(req.Qty)) {
		return nil, fmt.Errorf("tradier rejects fractional qty %v for %s", req.Qty, req.Symbol)
	}

	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", req.Symbol)
	form.Set("side", string(req.Side))
	form.Set("quantity", strconv.FormatInt(int64(req.Qty), 10))
	form.Set("type", "market")
	form.Set("duration", string(req.TIF))
	form.Set("tag", req.RequestID)

	var ack tradierOrderAck
	if err := t.doForm(ctx, http.MethodPost, "/accounts/"+t.accountID+"/orders", form, &ack); err != nil {
		return nil, err
	}
	return &models.OrderResult{
		ID:          strconv.Itoa(ack.Order.ID),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		Status:      mapTradierStatus(ack.Order.Status),
		Broker:      t.name,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// SubmitStopOrder implements Broker.
func (t *TradierClient) SubmitStopOrder(ctx context.Context, symbol string, side models.Side, qty, stopPrice float64, clientOrderID string) (string, error) {
	form := url.Values{}
	form.Set("class", "equity")
	form.Set("symbol", symbol)
	form.Set("side", string(side))
	form.Set("quantity", strconv.FormatInt(int64(qty), 10))
	form.Set("type", "stop")
	form.Set("stop", strconv.FormatFloat(stopPrice, 'f', 2, 64))
	form.Set("duration", "gtc")
	form.Set("tag", clientOrderID)

	var ack tradierOrderAck
	if err := t.doForm(ctx, http.MethodPost, "/accounts/"+t.accountID+"/orders", form, &ack); err != nil {
		return "", err
	}
	return strconv.Itoa(ack.Order.ID), nil
}

// CancelOrder implements Broker.
func (t *TradierClient) CancelOrder(ctx context.Context, orderID string) error {
	return t.doForm(ctx, http.MethodDelete, "/accounts/"+t.accountID+"/orders/"+url.PathEscape(orderID), nil, nil)
}

type tradierOrder struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Status       string  `json:"status"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	ExecQuantity float64 `json:"exec_quantity"`
}

// GetOrder implements Broker.
func (t *TradierClient) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	var raw struct {
		Order tradierOrder `json:"order"`
	}
	if err := t.doForm(ctx, http.MethodGet, "/accounts/"+t.accountID+"/orders/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return nil, err
	}
	o := raw.Order
	res := &models.OrderResult{
		ID:     strconv.Itoa(o.ID),
		Symbol: o.Symbol,
		Side:   models.Side(o.Side),
		Qty:    o.Quantity,
		Status: mapTradierStatus(o.Status),
		Broker: t.name,
	}
	if o.ExecQuantity > 0 {
		res.Qty = o.ExecQuantity
	}
	if o.AvgFillPrice > 0 {
		price := o.AvgFillPrice
		res.FilledAvgPrice = &price
	}
	return res, nil
}

// ListOpenOrders implements Broker.
func (t *TradierClient) ListOpenOrders(ctx context.Context) ([]models.OrderResult, error) {
	var raw struct {
		Orders json.RawMessage `json:"orders"`
	}
	if err := t.doForm(ctx, http.MethodGet, "/accounts/"+t.accountID+"/orders", nil, &raw); err != nil {
		return nil, err
	}
	if isNullSection(raw.Orders) {
		return nil, nil
	}
	var wrapper struct {
		Order oneOrMany[tradierOrder] `json:"order"`
	}
	if err := json.Unmarshal(raw.Orders, &wrapper); err != nil {
		return nil, fmt.Errorf("decoding tradier orders: %w", err)
	}

	var out []models.OrderResult
	for _, o := range wrapper.Order {
		if status := mapTradierStatus(o.Status); status == models.OrderStatusAccepted {
			out = append(out, models.OrderResult{
				ID:     strconv.Itoa(o.ID),
				Symbol: o.Symbol,
				Side:   models.Side(o.Side),
				Qty:    o.Quantity,
				Status: status,
				Broker: t.name,
			})
		}
	}
	return out, nil
}

// HealthCheck implements Broker.
func (t *TradierClient) HealthCheck(ctx context.Context) error {
	_, err := t.GetAccount(ctx)
	return err
}

func mapTradierStatus(status string) models.OrderStatus {
	switch status {
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "expired":
		return models.OrderStatusCanceled
	case "rejected", "error":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusAccepted
	}
}
