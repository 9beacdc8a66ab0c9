package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

func newTradierTest(t *testing.T, handler http.HandlerFunc) *TradierClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewTradierClient(config.BrokerEndpointConfig{
		APIKey: "token", AccountID: "ACC123", Endpoint: srv.URL,
	}, zerolog.Nop())
}

func TestTradier_GetAccount(t *testing.T) {
	c := newTradierTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/ACC123/balances", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"balances":{"total_equity":50000,"total_cash":20000,"stock_buying_power":40000}}`))
	})

	acct, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50000, acct.Equity, 1e-9)
	assert.InDelta(t, 20000, acct.Cash, 1e-9)
}

func TestTradier_SubmitOrder_WholeShares(t *testing.T) {
	c := newTradierTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/accounts/ACC123/orders", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "equity", r.PostForm.Get("class"))
		assert.Equal(t, "SPY", r.PostForm.Get("symbol"))
		assert.Equal(t, "buy", r.PostForm.Get("side"))
		assert.Equal(t, "2", r.PostForm.Get("quantity"))
		assert.Equal(t, "market", r.PostForm.Get("type"))
		assert.Equal(t, "req-1", r.PostForm.Get("tag"))
		_, _ = w.Write([]byte(`{"order":{"id":4711,"status":"ok"}}`))
	})

	res, err := c.SubmitOrder(context.Background(), &models.PositionRequest{
		RequestID: "req-1", Symbol: "SPY", Side: models.SideBuy,
		Qty: 2, TIF: models.TIFDay,
	})
	require.NoError(t, err)
	assert.Equal(t, "4711", res.ID)
	assert.Equal(t, models.OrderStatusAccepted, res.Status)
	assert.Equal(t, "tradier", res.Broker)
}

func TestTradier_SubmitOrder_RejectsNotionalAndFractional(t *testing.T) {
	c := newTradierTest(t, func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("unconvertible request must not reach the wire")
	})

	_, err := c.SubmitOrder(context.Background(), &models.PositionRequest{
		RequestID: "req-1", Symbol: "SPY", Side: models.SideBuy,
		Notional: 1000, TIF: models.TIFDay,
	})
	assert.ErrorContains(t, err, "whole-share")

	_, err = c.SubmitOrder(context.Background(), &models.PositionRequest{
		RequestID: "req-2", Symbol: "SPY", Side: models.SideBuy,
		Qty: 1.5, TIF: models.TIFDay,
	})
	assert.ErrorContains(t, err, "fractional")
}

func TestTradier_GetPositions_SingleObject(t *testing.T) {
	// Tradier returns a bare object, not an array, for a single position.
	c := newTradierTest(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"positions":{"position":{
			"symbol":"QQQ","quantity":5,"cost_basis":2000,
			"date_acquired":"2025-03-01T15:00:00Z"
		}}}`))
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "QQQ", positions[0].Symbol)
	assert.InDelta(t, 400, positions[0].AvgEntryPrice, 1e-9)
}

func TestTradier_GetPositions_Empty(t *testing.T) {
	c := newTradierTest(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"positions":"null"}`))
	})

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestTradier_GetQuote(t *testing.T) {
	c := newTradierTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/quotes", r.URL.Path)
		assert.Equal(t, "SPY", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"quotes":{"quote":{"symbol":"SPY","bid":499.9,"ask":500.1,"last":500.0}}}`))
	})

	q, err := c.GetQuote(context.Background(), "SPY")
	require.NoError(t, err)
	assert.InDelta(t, 500, q.Mid(), 1e-9)
}

func TestTradier_ListOpenOrders_FiltersTerminal(t *testing.T) {
	c := newTradierTest(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"orders":{"order":[
			{"id":1,"symbol":"SPY","side":"sell","quantity":2,"status":"open"},
			{"id":2,"symbol":"QQQ","side":"sell","quantity":5,"status":"filled"}
		]}}`))
	})

	orders, err := c.ListOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].ID)
}

func TestTradier_ServerErrorIsAPIError(t *testing.T) {
	c := newTradierTest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"fault":"invalid token"}`))
	})

	_, err := c.GetAccount(context.Background())
	require.Error(t, err)
	assert.True(t, IsPermanentAPIError(err))
}

func TestHTTPTestServerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := NewTradierClient(config.BrokerEndpointConfig{
		APIKey: "token", AccountID: "A", Endpoint: srv.URL,
	}, zerolog.Nop())
	srv.Close()

	_, err := c.GetAccount(context.Background())
	assert.Error(t, err)
	assert.False(t, IsPermanentAPIError(err), "transport failure is not a permanent api error")
}
