package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

const (
	defaultAlpacaPaperURL = "https://paper-api.alpaca.markets"
	defaultAlpacaDataURL  = "https://data.alpaca.markets"
)

// AlpacaClient is the primary adapter. Alpaca accepts notional (fractional)
// orders, so sized requests pass through without share rounding.
type AlpacaClient struct {
	name      string
	baseURL   string
	dataURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	logger    zerolog.Logger
}

var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient builds the adapter. An empty endpoint defaults to the
// paper API host.
func NewAlpacaClient(cfg config.BrokerEndpointConfig, dataURL string, logger zerolog.Logger) *AlpacaClient {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultAlpacaPaperURL
	}
	if dataURL == "" {
		dataURL = defaultAlpacaDataURL
	}
	return &AlpacaClient{
		name:      "alpaca",
		baseURL:   baseURL,
		dataURL:   dataURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    logger.With().Str("broker", "alpaca").Logger(),
	}
}

// Name implements Broker.
func (c *AlpacaClient) Name() string { return c.name }

// SupportsFractional implements Broker.
func (c *AlpacaClient) SupportsFractional() bool { return true }

func (c *AlpacaClient) doJSON(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling alpaca request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("building alpaca request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca %s %s: %w", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Broker: "alpaca", Status: resp.StatusCode, Message: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding alpaca response: %w", err)
	}
	return nil
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
}

// GetAccount implements Broker.
func (c *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	var acct alpacaAccount
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	return &Account{
		Equity:      parseFloat(acct.Equity),
		Cash:        parseFloat(acct.Cash),
		BuyingPower: parseFloat(acct.BuyingPower),
	}, nil
}

type alpacaPosition struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

// GetPositions implements Broker.
func (c *AlpacaClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	var raw []alpacaPosition
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, models.Position{
			Symbol:           p.Symbol,
			Qty:              parseFloat(p.Qty),
			AvgEntryPrice:    parseFloat(p.AvgEntryPrice),
			MarketPrice:      parseFloat(p.CurrentPrice),
			UnrealizedPnLPct: parseFloat(p.UnrealizedPLPC) * 100,
		})
	}
	return out, nil
}

type alpacaQuoteResponse struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

// GetQuote implements Broker.
func (c *AlpacaClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var raw alpacaQuoteResponse
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/quotes/latest", c.dataURL, url.PathEscape(symbol))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, err
	}
	return &Quote{
		Symbol: symbol,
		Bid:    raw.Quote.BidPrice,
		Ask:    raw.Quote.AskPrice,
		Last:   raw.Trade.Price,
	}, nil
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	Notional      string `json:"notional,omitempty"`
	Qty           string `json:"qty,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type alpacaOrder struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
	SubmittedAt    string  `json:"submitted_at"`
}

// SubmitOrder implements Broker. Market order; fractional notional accepted.
func (c *AlpacaClient) SubmitOrder(ctx context.Context, req *models.PositionRequest) (*models.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body := alpacaOrderRequest{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          "market",
		TimeInForce:   string(req.TIF),
		ClientOrderID: req.RequestID,
	}
	if req.Notional > 0 {
		body.Notional = formatFloat(req.Notional)
	} else {
		body.Qty = formatFloat(req.Qty)
	}

	var raw alpacaOrder
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/orders", body, &raw); err != nil {
		return nil, err
	}
	return c.toOrderResult(&raw), nil
}

// SubmitStopOrder implements Broker.
func (c *AlpacaClient) SubmitStopOrder(ctx context.Context, symbol string, side models.Side, qty, stopPrice float64, clientOrderID string) (string, error) {
	body := alpacaOrderRequest{
		Symbol:        symbol,
		Side:          string(side),
		Type:          "stop",
		TimeInForce:   string(models.TIFGTC),
		Qty:           formatFloat(qty),
		StopPrice:     formatFloat(stopPrice),
		ClientOrderID: clientOrderID,
	}
	var raw alpacaOrder
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/orders", body, &raw); err != nil {
		return "", err
	}
	return raw.ID, nil
}

// CancelOrder implements Broker.
func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.doJSON(ctx, http.MethodDelete, c.baseURL+"/v2/orders/"+url.PathEscape(orderID), nil, nil)
}

// GetOrder implements Broker.
func (c *AlpacaClient) GetOrder(ctx context.Context, orderID string) (*models.OrderResult, error) {
	var raw alpacaOrder
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/orders/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return nil, err
	}
	return c.toOrderResult(&raw), nil
}

// ListOpenOrders implements Broker.
func (c *AlpacaClient) ListOpenOrders(ctx context.Context) ([]models.OrderResult, error) {
	var raw []alpacaOrder
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/orders?status=open", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]models.OrderResult, 0, len(raw))
	for i := range raw {
		out = append(out, *c.toOrderResult(&raw[i]))
	}
	return out, nil
}

// HealthCheck implements Broker.
func (c *AlpacaClient) HealthCheck(ctx context.Context) error {
	_, err := c.GetAccount(ctx)
	return err
}

func (c *AlpacaClient) toOrderResult(raw *alpacaOrder) *models.OrderResult {
	res := &models.OrderResult{
		ID:     raw.ID,
		Symbol: raw.Symbol,
		Side:   models.Side(raw.Side),
		Qty:    parseFloat(raw.FilledQty),
		Status: mapAlpacaStatus(raw.Status),
		Broker: c.name,
	}
	if raw.FilledAvgPrice != nil {
		price := parseFloat(*raw.FilledAvgPrice)
		res.FilledAvgPrice = &price
	}
	if t, err := time.Parse(time.RFC3339, raw.SubmittedAt); err == nil {
		res.SubmittedAt = t
	}
	return res
}

func mapAlpacaStatus(status string) models.OrderStatus {
	switch status {
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "expired":
		return models.OrderStatusCanceled
	case "rejected":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusAccepted
	}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
