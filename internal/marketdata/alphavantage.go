package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/quantbot/internal/config"
	"github.com/eddiefleurent/quantbot/internal/models"
)

const defaultAlphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantageSource is the tertiary, rate-limited source. On top of the
// provider's normal retries it enforces a minimum interval between calls to
// honor the upstream free-tier limits.
type AlphaVantageSource struct {
	baseURL     string
	apiKey      string
	minInterval time.Duration
	http        *http.Client

	mu       sync.Mutex
	lastCall time.Time

	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

var _ BarSource = (*AlphaVantageSource)(nil)

// NewAlphaVantageSource builds the tertiary source. A zero min interval
// defaults to 15s.
func NewAlphaVantageSource(cfg config.AlphaVantageConfig, baseURL string, client *http.Client) *AlphaVantageSource {
	if baseURL == "" {
		baseURL = defaultAlphaVantageBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	interval := time.Duration(cfg.MinIntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &AlphaVantageSource{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		minInterval: interval,
		http:        client,
		sleep:       sleepCtx,
	}
}

// Name implements BarSource.
func (s *AlphaVantageSource) Name() models.DataSource { return models.SourceAlphaVantage }

// waitTurn blocks until the minimum inter-call interval has passed.
func (s *AlphaVantageSource) waitTurn(ctx context.Context) error {
	s.mu.Lock()
	wait := s.minInterval - time.Since(s.lastCall)
	if wait > 0 {
		s.mu.Unlock()
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.lastCall = time.Now()
	s.mu.Unlock()
	return nil
}

type avDailyResponse struct {
	Note        string                       `json:"Note"`
	ErrorMsg    string                       `json:"Error Message"`
	Information string                       `json:"Information"`
	TimeSeries  map[string]map[string]string `json:"Time Series (Daily)"`
}

// FetchDailyBars implements BarSource.
func (s *AlphaVantageSource) FetchDailyBars(ctx context.Context, symbol string, lookbackDays int) (*models.BarSeries, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("alphavantage: no api key configured")
	}
	if err := s.waitTurn(ctx); err != nil {
		return nil, fmt.Errorf("alphavantage rate gate: %w", err)
	}

	q := url.Values{}
	q.Set("function", "TIME_SERIES_DAILY")
	q.Set("symbol", symbol)
	q.Set("outputsize", outputSize(lookbackDays))
	q.Set("apikey", s.apiKey)
	endpoint := fmt.Sprintf("%s/query?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building alphavantage request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alphavantage request for %s: %w", symbol, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("alphavantage status %d for %s: %s", resp.StatusCode, symbol, string(snippet))
	}

	var parsed avDailyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding alphavantage response for %s: %w", symbol, err)
	}
	// The free tier signals throttling inside a 200 body.
	if parsed.Note != "" || parsed.Information != "" {
		return nil, fmt.Errorf("alphavantage rate limit for %s: %s%s", symbol, parsed.Note, parsed.Information)
	}
	if parsed.ErrorMsg != "" {
		return nil, fmt.Errorf("alphavantage error for %s: %s", symbol, parsed.ErrorMsg)
	}
	if len(parsed.TimeSeries) == 0 {
		return nil, fmt.Errorf("alphavantage returned no data for %s", symbol)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	series := &models.BarSeries{Symbol: symbol}
	for dateStr, fields := range parsed.TimeSeries {
		date, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			continue
		}
		if date.Before(cutoff) {
			continue
		}
		bar := models.Bar{Date: date.UTC()}
		bar.Open = avField(fields, "1. open")
		bar.High = avField(fields, "2. high")
		bar.Low = avField(fields, "3. low")
		bar.Close = avField(fields, "4. close")
		bar.Volume = avField(fields, "5. volume")
		if bar.Close == 0 {
			continue
		}
		series.Bars = append(series.Bars, bar)
	}
	if len(series.Bars) == 0 {
		return nil, fmt.Errorf("alphavantage returned no usable bars for %s", symbol)
	}
	sort.Slice(series.Bars, func(i, j int) bool { return series.Bars[i].Date.Before(series.Bars[j].Date) })
	series.Normalize()
	return series, nil
}

func avField(fields map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(fields[key], 64)
	if err != nil {
		return 0
	}
	return v
}

func outputSize(lookbackDays int) string {
	if lookbackDays > 100 {
		return "full"
	}
	return "compact"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
