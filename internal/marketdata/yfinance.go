package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eddiefleurent/quantbot/internal/models"
)

const defaultYFinanceBaseURL = "https://query1.finance.yahoo.com"

// YFinanceSource is the primary live source: the unauthenticated chart API.
type YFinanceSource struct {
	baseURL string
	http    *http.Client
}

var _ BarSource = (*YFinanceSource)(nil)

// NewYFinanceSource builds the primary source. baseURL is overridable for
// tests; empty means production.
func NewYFinanceSource(baseURL string, client *http.Client) *YFinanceSource {
	if baseURL == "" {
		baseURL = defaultYFinanceBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &YFinanceSource{baseURL: baseURL, http: client}
}

// Name implements BarSource.
func (s *YFinanceSource) Name() models.DataSource { return models.SourceYFinance }

type yfChartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchDailyBars implements BarSource.
func (s *YFinanceSource) FetchDailyBars(ctx context.Context, symbol string, lookbackDays int) (*models.BarSeries, error) {
	q := url.Values{}
	q.Set("interval", "1d")
	q.Set("range", fmt.Sprintf("%dd", lookbackDays))
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", s.baseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building yfinance request: %w", err)
	}
	req.Header.Set("User-Agent", "quantbot/1.0")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yfinance request for %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("yfinance status %d for %s: %s", resp.StatusCode, symbol, string(snippet))
	}

	var parsed yfChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding yfinance response for %s: %w", symbol, err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("yfinance error for %s: %s: %s",
			symbol, parsed.Chart.Error.Code, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yfinance returned no data for %s", symbol)
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	series := &models.BarSeries{Symbol: symbol}
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == 0 {
			continue
		}
		series.Bars = append(series.Bars, models.Bar{
			Date:   time.Unix(ts, 0).UTC(),
			Open:   at(quote.Open, i),
			High:   at(quote.High, i),
			Low:    at(quote.Low, i),
			Close:  quote.Close[i],
			Volume: at(quote.Volume, i),
		})
	}
	if len(series.Bars) == 0 {
		return nil, fmt.Errorf("yfinance returned no usable bars for %s", symbol)
	}
	series.Normalize()
	return series, nil
}

func at(xs []float64, i int) float64 {
	if i < len(xs) {
		return xs[i]
	}
	return 0
}
