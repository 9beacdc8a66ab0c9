package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

const defaultAlpacaDataBaseURL = "https://data.alpaca.markets"

// AlpacaSource is the secondary live source: the Alpaca market data API.
type AlpacaSource struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

var _ BarSource = (*AlpacaSource)(nil)

// NewAlpacaSource builds the secondary source from broker credentials; the
// data API shares the trading API's keys.
func NewAlpacaSource(cfg config.BrokerEndpointConfig, baseURL string, client *http.Client) *AlpacaSource {
	if baseURL == "" {
		baseURL = defaultAlpacaDataBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &AlpacaSource{
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		http:      client,
	}
}

// Name implements BarSource.
func (s *AlpacaSource) Name() models.DataSource { return models.SourceAlpaca }

type alpacaBarsResponse struct {
	Bars []struct {
		Timestamp time.Time `json:"t"`
		Open      float64   `json:"o"`
		High      float64   `json:"h"`
		Low       float64   `json:"l"`
		Close     float64   `json:"c"`
		Volume    float64   `json:"v"`
	} `json:"bars"`
	NextPageToken *string `json:"next_page_token"`
}

// FetchDailyBars implements BarSource.
func (s *AlpacaSource) FetchDailyBars(ctx context.Context, symbol string, lookbackDays int) (*models.BarSeries, error) {
	start := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	q := url.Values{}
	q.Set("timeframe", "1Day")
	q.Set("start", start.Format("2006-01-02"))
	q.Set("adjustment", "split")
	q.Set("limit", "1000")
	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", s.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building alpaca data request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", s.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", s.apiSecret)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca data request for %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("alpaca data status %d for %s: %s", resp.StatusCode, symbol, string(snippet))
	}

	var parsed alpacaBarsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding alpaca bars for %s: %w", symbol, err)
	}
	if len(parsed.Bars) == 0 {
		return nil, fmt.Errorf("alpaca returned no bars for %s", symbol)
	}

	series := &models.BarSeries{Symbol: symbol}
	for _, b := range parsed.Bars {
		series.Bars = append(series.Bars, models.Bar{
			Date:   b.Timestamp.UTC(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	series.Normalize()
	return series, nil
}
